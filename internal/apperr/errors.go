package apperr

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Error kinds surfaced by the signing core. Handlers translate these to
// HTTP statuses; everything else is a 500 whose detail stays server-side.
var (
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("validation failed")
	ErrInvalidToken    = errors.New("invalid token")
	ErrOtpExpired      = errors.New("otp expired")
	ErrOtpWrong        = errors.New("otp wrong")
	ErrAlreadyTerminal = errors.New("already in a terminal state")
	ErrLimitExceeded   = errors.New("plan limit exceeded")
	ErrIntegrity       = errors.New("integrity violation")
)

// Status maps an error kind to its HTTP status. Documents that exist but
// are not visible to the caller come back as 404 so the endpoint is not an
// existence oracle.
func Status(err error) int {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrOtpExpired), errors.Is(err, ErrOtpWrong):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyTerminal):
		return http.StatusConflict
	case errors.Is(err, ErrLimitExceeded):
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

// Message is the client-facing message for err. Internal errors are
// flattened so stack detail never leaves the server.
func Message(err error) string {
	for _, kind := range []error{
		ErrValidation, ErrInvalidToken, ErrOtpExpired, ErrOtpWrong,
		ErrNotFound, ErrAlreadyTerminal, ErrLimitExceeded,
	} {
		if errors.Is(err, kind) {
			return err.Error()
		}
	}
	return "internal server error"
}

// Abort writes the JSON error body for err and stops the handler chain.
func Abort(c *gin.Context, err error) {
	c.AbortWithStatusJSON(Status(err), gin.H{"message": Message(err)})
}
