package accounts

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/assinado/assinado-backend/internal/apperr"
)

type Handler struct {
	repo   Repository
	issuer *TokenIssuer
}

func NewHandler(repo Repository, issuer *TokenIssuer) *Handler {
	return &Handler{repo: repo, issuer: issuer}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/auth/login", h.Login)
}

func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required,email"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Abort(c, apperr.ErrValidation)
		return
	}

	user, err := h.repo.GetUserByEmail(c.Request.Context(), req.Email)
	if err != nil {
		apperr.Abort(c, apperr.ErrInvalidToken)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		apperr.Abort(c, apperr.ErrInvalidToken)
		return
	}

	token, err := h.issuer.Issue(user)
	if err != nil {
		apperr.Abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
}
