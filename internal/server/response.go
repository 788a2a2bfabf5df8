package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/truar/DepotVente-sub001/internal/errors"
	"github.com/truar/DepotVente-sub001/internal/logging"
)

type errorResponse struct {
	Code  apperrors.ErrorCode `json:"code"`
	Error string              `json:"error"`
}

// Error writes message with status and code.
func Error(c *gin.Context, status int, code apperrors.ErrorCode, message string) {
	c.JSON(status, errorResponse{Code: code, Error: message})
}

// Fail maps err to a response. Validation failures are the caller's fault and
// are not logged as errors.
func Fail(c *gin.Context, err error) {
	code := apperrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case apperrors.ErrValidation:
		status = http.StatusBadRequest
	case apperrors.ErrNotFound:
		status = http.StatusNotFound
	case apperrors.ErrAuth:
		status = http.StatusUnauthorized
	}

	if status == http.StatusInternalServerError {
		logging.Error("Request failed", err, map[string]interface{}{
			"method": c.Request.Method,
			"path":   c.FullPath(),
		})
		Error(c, status, code, "internal error")
		return
	}
	msg := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		msg = appErr.Message
	}
	Error(c, status, code, msg)
}
