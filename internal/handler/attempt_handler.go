package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// AttemptHandler serves the admin attempt board.
type AttemptHandler struct {
	attemptService *service.AttemptService
	exportService  *service.ExportService
	log            zerolog.Logger
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(attemptService *service.AttemptService, exportService *service.ExportService, log zerolog.Logger) *AttemptHandler {
	return &AttemptHandler{
		attemptService: attemptService,
		exportService:  exportService,
		log:            log.With().Str("component", "attempt_handler").Logger(),
	}
}

// ListAttempts godoc
// GET /api/v1/admin/attempts?page=1&per_page=20&flagged=true&status=submitted
func (h *AttemptHandler) ListAttempts(c *gin.Context) {
	var q model.ListAttemptsQuery
	if fields := validator.BindQuery(c, &q); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	if q.Page == 0 {
		q.Page = 1
	}
	if q.PerPage == 0 {
		q.PerPage = 20
	}

	attempts, total, err := h.attemptService.ListAttempts(c.Request.Context(), filterFrom(q))
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list attempts")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.SuccessWithPagination(c, http.StatusOK, gin.H{"attempts": attempts},
		response.NewPagination(q.Page, q.PerPage, total))
}

// GetAttempt godoc
// GET /api/v1/admin/attempts/:id
func (h *AttemptHandler) GetAttempt(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	detail, err := h.attemptService.GetAttemptDetail(c.Request.Context(), id)
	if err != nil {
		failWith(c, err)
		return
	}
	response.Success(c, http.StatusOK, detail)
}

// ExportResults godoc
// GET /api/v1/admin/attempts/export?flagged=true&status=submitted
// Streams every matching attempt as an xlsx workbook.
func (h *AttemptHandler) ExportResults(c *gin.Context) {
	var q model.ListAttemptsQuery
	if fields := validator.BindQuery(c, &q); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	filename := fmt.Sprintf("attempt-results-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
	c.Header("Content-Type", xlsxContentType)
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))

	n, err := h.exportService.ExportResults(c.Request.Context(), filterFrom(q), c.Writer)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to export results")
		if !c.Writer.Written() {
			c.Header("Content-Disposition", "")
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		}
		return
	}
	h.log.Info().Int("rows", n).Msg("Results exported")
}

// SweepExpired godoc
// POST /api/v1/admin/attempts/sweep
// Finalizes every overdue attempt now instead of waiting for its next read.
func (h *AttemptHandler) SweepExpired(c *gin.Context) {
	closed, err := h.attemptService.SweepExpired(c.Request.Context())
	if err != nil {
		h.log.Error().Err(err).Int("closed", closed).Msg("Sweep failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"closed": closed})
}

func filterFrom(q model.ListAttemptsQuery) repository.AttemptFilter {
	return repository.AttemptFilter{
		Page:        q.Page,
		PerPage:     q.PerPage,
		FlaggedOnly: q.Flagged,
		Status:      model.AttemptStatus(q.Status),
	}
}
