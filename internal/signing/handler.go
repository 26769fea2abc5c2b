package signing

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/assinado/assinado-backend/internal/apperr"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	sign := rg.Group("/sign")
	{
		sign.GET("/:token", h.Summary)
		sign.GET("/:token/download", h.Download)
		sign.POST("/:token/identify", h.Identify)
		sign.POST("/:token/otp/start", h.OTPStart)
		sign.POST("/:token/otp/verify", h.OTPVerify)
		sign.POST("/:token/position", h.Position)
		sign.POST("/:token/commit", h.Commit)
		sign.POST("/:token/decline", h.Decline)
	}
}

func meta(c *gin.Context) ClientMeta {
	return ClientMeta{IP: c.ClientIP(), UserAgent: c.Request.UserAgent()}
}

func (h *Handler) Summary(c *gin.Context) {
	summary, err := h.service.Summary(c.Request.Context(), c.Param("token"), meta(c))
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) Download(c *gin.Context) {
	reader, mimeType, err := h.service.Download(c.Request.Context(), c.Param("token"))
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	defer reader.Close()
	if mimeType == "" {
		mimeType = "application/pdf"
	}
	c.DataFromReader(http.StatusOK, -1, mimeType, reader, nil)
}

func (h *Handler) Identify(c *gin.Context) {
	var req struct {
		CPF   *string `json:"cpf"`
		Phone *string `json:"phone"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Abort(c, apperr.ErrValidation)
		return
	}
	if err := h.service.Identify(c.Request.Context(), c.Param("token"), req.CPF, req.Phone); err != nil {
		apperr.Abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) OTPStart(c *gin.Context) {
	if err := h.service.OTPStart(c.Request.Context(), c.Param("token"), meta(c)); err != nil {
		apperr.Abort(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *Handler) OTPVerify(c *gin.Context) {
	var req struct {
		OTP string `json:"otp" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Abort(c, apperr.ErrValidation)
		return
	}
	if err := h.service.OTPVerify(c.Request.Context(), c.Param("token"), req.OTP, meta(c)); err != nil {
		apperr.Abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) Position(c *gin.Context) {
	var req struct {
		Page int     `json:"page" binding:"required"`
		X    float64 `json:"x"`
		Y    float64 `json:"y"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Abort(c, apperr.ErrValidation)
		return
	}
	if err := h.service.PlacePosition(c.Request.Context(), c.Param("token"), req.Page, req.X, req.Y); err != nil {
		apperr.Abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) Commit(c *gin.Context) {
	var req struct {
		ClientFingerprint    string `json:"clientFingerprint" binding:"required"`
		SignatureImageBase64 string `json:"signatureImageBase64" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Abort(c, apperr.ErrValidation)
		return
	}

	// Accept both bare base64 and data-URL payloads from the canvas.
	raw := req.SignatureImageBase64
	if comma := strings.IndexByte(raw, ','); comma >= 0 && strings.HasPrefix(raw, "data:") {
		raw = raw[comma+1:]
	}
	imagePNG, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		apperr.Abort(c, fmt.Errorf("%w: signatureImageBase64 is not valid base64", apperr.ErrValidation))
		return
	}

	result, err := h.service.Commit(c.Request.Context(), c.Param("token"), req.ClientFingerprint, imagePNG, meta(c))
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) Decline(c *gin.Context) {
	if err := h.service.Decline(c.Request.Context(), c.Param("token"), meta(c)); err != nil {
		apperr.Abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
