package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
)

// classify maps a service error to an HTTP status and API error code.
// Order matters: ErrAlreadySubmitted wraps ErrConflict and ErrExamClosed
// wraps ErrInvalidState.
func classify(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest, response.ErrValidation
	case errors.Is(err, model.ErrAlreadySubmitted):
		return http.StatusConflict, response.ErrAlreadySubmitted
	case errors.Is(err, model.ErrExamClosed):
		return http.StatusForbidden, response.ErrExamClosed
	case errors.Is(err, model.ErrAttemptExpired):
		return http.StatusGone, response.ErrAttemptExpired
	case errors.Is(err, model.ErrInvalidState):
		return http.StatusConflict, response.ErrAttemptNotActive
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, response.ErrNotFound
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict, response.ErrConflict
	case errors.Is(err, model.ErrNotEligible):
		return http.StatusForbidden, response.ErrNotEligible
	case errors.Is(err, model.ErrInsufficientQuestions):
		return http.StatusServiceUnavailable, response.ErrNoQuestions
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}

// failWith answers with the classified error. Validation errors carry the
// message as a detail field.
func failWith(c *gin.Context, err error) {
	status, code := classify(err)
	if code == response.ErrValidation {
		response.FailWithFields(c, status, code, map[string]string{"detail": err.Error()})
		return
	}
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
	}
	response.Fail(c, status, code)
}
