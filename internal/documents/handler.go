package documents

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/assinado/assinado-backend/internal/accounts"
	"github.com/assinado/assinado-backend/internal/apperr"
	"github.com/assinado/assinado-backend/internal/audit"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes wires the owner/admin surface onto the authenticated
// group and the provenance check onto the public one.
func (h *Handler) RegisterRoutes(authed, public *gin.RouterGroup) {
	docs := authed.Group("/documents")
	{
		docs.POST("", h.Upload)
		docs.GET("", h.List)
		docs.GET("/:id", h.Get)
		docs.POST("/:id/invite", h.Invite)
		docs.POST("/:id/cancel", h.Cancel)
		docs.POST("/:id/expire", h.Expire)
		docs.POST("/:id/finalize", h.Finalize)
		docs.GET("/:id/audit", h.AuditTrail)
		docs.GET("/:id/audit/export", h.ExportAuditTrail)
		docs.GET("/:id/verify-chain", h.VerifyChain)
	}
	public.POST("/documents/validate-file", h.ValidateFile)
}

func (h *Handler) actor(c *gin.Context) (Actor, bool) {
	session := accounts.SessionFrom(c)
	if session == nil {
		apperr.Abort(c, apperr.ErrInvalidToken)
		return Actor{}, false
	}
	return UserActor(session.UserID, session.TenantID, c.ClientIP(), c.Request.UserAgent()), true
}

func (h *Handler) docID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		apperr.Abort(c, fmt.Errorf("%w: invalid document id", apperr.ErrValidation))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) Upload(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	file, err := c.FormFile("documentFile")
	if err != nil {
		apperr.Abort(c, fmt.Errorf("%w: documentFile is required", apperr.ErrValidation))
		return
	}

	var deadlineAt *time.Time
	if raw := c.PostForm("deadlineAt"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			apperr.Abort(c, fmt.Errorf("%w: deadlineAt must be RFC3339", apperr.ErrValidation))
			return
		}
		deadlineAt = &t
	}

	src, err := file.Open()
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	defer src.Close()

	session := accounts.SessionFrom(c)
	doc, err := h.service.CreateWithUpload(c.Request.Context(), actor, UploadRequest{
		TenantID:   session.TenantID,
		OwnerID:    session.UserID,
		Title:      c.PostForm("title"),
		DeadlineAt: deadlineAt,
		FileName:   file.Filename,
		MimeType:   file.Header.Get("Content-Type"),
		Size:       file.Size,
		Content:    src,
	})
	if err != nil {
		apperr.Abort(c, err)
		return
	}

	c.JSON(http.StatusCreated, doc)
}

func (h *Handler) List(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	docs, err := h.service.ListDocuments(c.Request.Context(), actor)
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, docs)
}

func (h *Handler) Get(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	id, ok := h.docID(c)
	if !ok {
		return
	}
	doc, err := h.service.GetDocument(c.Request.Context(), actor, id)
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (h *Handler) Invite(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	id, ok := h.docID(c)
	if !ok {
		return
	}

	var req struct {
		Signers []SignerInvite `json:"signers" binding:"required,min=1,dive"`
		Message string         `json:"message"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Abort(c, fmt.Errorf("%w: %s", apperr.ErrValidation, err))
		return
	}

	signers, err := h.service.InviteSigners(c.Request.Context(), actor, id, req.Signers, req.Message)
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"signers": signers})
}

func (h *Handler) Cancel(c *gin.Context) {
	h.statusChange(c, h.service.Cancel)
}

func (h *Handler) Expire(c *gin.Context) {
	h.statusChange(c, h.service.Expire)
}

func (h *Handler) statusChange(c *gin.Context, op func(ctx context.Context, actor Actor, id uuid.UUID) error) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	id, ok := h.docID(c)
	if !ok {
		return
	}
	if err := op(c.Request.Context(), actor, id); err != nil {
		apperr.Abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) Finalize(c *gin.Context) {
	h.statusChange(c, h.service.Finalize)
}

func (h *Handler) AuditTrail(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	id, ok := h.docID(c)
	if !ok {
		return
	}
	trail, err := h.service.Trail(c.Request.Context(), actor, id)
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": trail})
}

func (h *Handler) ExportAuditTrail(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	id, ok := h.docID(c)
	if !ok {
		return
	}
	trail, err := h.service.Trail(c.Request.Context(), actor, id)
	if err != nil {
		apperr.Abort(c, err)
		return
	}

	switch c.DefaultQuery("format", "csv") {
	case "xlsx":
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="audit-%s.xlsx"`, id))
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		if err := audit.ExportXLSX(c.Writer, trail); err != nil {
			apperr.Abort(c, err)
		}
	case "csv":
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="audit-%s.csv"`, id))
		c.Header("Content-Type", "text/csv")
		if err := audit.ExportCSV(c.Writer, trail); err != nil {
			apperr.Abort(c, err)
		}
	default:
		apperr.Abort(c, fmt.Errorf("%w: format must be csv or xlsx", apperr.ErrValidation))
	}
}

func (h *Handler) VerifyChain(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	id, ok := h.docID(c)
	if !ok {
		return
	}
	result, err := h.service.VerifyChains(c.Request.Context(), actor, id)
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) ValidateFile(c *gin.Context) {
	file, err := c.FormFile("documentFile")
	if err != nil {
		apperr.Abort(c, fmt.Errorf("%w: documentFile is required", apperr.ErrValidation))
		return
	}
	src, err := file.Open()
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		apperr.Abort(c, err)
		return
	}

	result, err := h.service.Validate(c.Request.Context(), data)
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
