package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// ExamHandler serves the candidate side of the exam.
type ExamHandler struct {
	attemptService *service.AttemptService
	log            zerolog.Logger
}

// NewExamHandler creates a new ExamHandler.
func NewExamHandler(attemptService *service.AttemptService, log zerolog.Logger) *ExamHandler {
	return &ExamHandler{
		attemptService: attemptService,
		log:            log.With().Str("component", "exam_handler").Logger(),
	}
}

// StartExam godoc
// POST /api/v1/candidate/exam/start
// Creates the candidate's attempt or resumes the running one.
func (h *ExamHandler) StartExam(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	view, err := h.attemptService.Start(c.Request.Context(), claims.UserID)
	if err != nil {
		h.logFailure(err, claims.UserID, "start")
		failWith(c, err)
		return
	}

	status := http.StatusCreated
	if view.Resumed {
		status = http.StatusOK
	}
	response.Success(c, status, view)
}

// RecordAnswer godoc
// POST /api/v1/candidate/exam/answer
func (h *ExamHandler) RecordAnswer(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.RecordAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	attemptID, _ := uuid.Parse(req.AttemptID)

	ack, err := h.attemptService.RecordAnswer(c.Request.Context(), claims.UserID, attemptID, *req.QuestionPosition, *req.OptionIndex)
	if err != nil {
		failWith(c, err)
		return
	}
	response.Success(c, http.StatusOK, ack)
}

// ReportEvent godoc
// POST /api/v1/candidate/exam/report-event
// Records an integrity event and returns the escalation outcome.
func (h *ExamHandler) ReportEvent(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.ReportEventRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	attemptID, _ := uuid.Parse(req.AttemptID)

	outcome, err := h.attemptService.ReportIntegrityEvent(c.Request.Context(), claims.UserID, attemptID, model.IntegrityEventType(req.EventType), req.Timestamp)
	if err != nil {
		failWith(c, err)
		return
	}
	response.Success(c, http.StatusOK, outcome)
}

// SubmitExam godoc
// POST /api/v1/candidate/exam/submit
// Finalizes the attempt. Repeated calls return the same result.
func (h *ExamHandler) SubmitExam(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.SubmitAttemptRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	attemptID, _ := uuid.Parse(req.AttemptID)

	result, err := h.attemptService.Submit(c.Request.Context(), claims.UserID, attemptID)
	if err != nil {
		h.logFailure(err, claims.UserID, "submit")
		failWith(c, err)
		return
	}
	response.Success(c, http.StatusOK, result)
}

// GetStatus godoc
// GET /api/v1/candidate/exam/status
func (h *ExamHandler) GetStatus(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	status, err := h.attemptService.Status(c.Request.Context(), claims.UserID)
	if err != nil {
		failWith(c, err)
		return
	}
	response.Success(c, http.StatusOK, status)
}

// GetResult godoc
// GET /api/v1/candidate/exam/result
func (h *ExamHandler) GetResult(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	result, err := h.attemptService.Result(c.Request.Context(), claims.UserID)
	if err != nil {
		failWith(c, err)
		return
	}
	response.Success(c, http.StatusOK, result)
}

func (h *ExamHandler) logFailure(err error, candidateID int, op string) {
	status, code := classify(err)
	ev := h.log.Warn()
	if status >= http.StatusInternalServerError {
		ev = h.log.Error()
	}
	ev.Err(err).Int("candidate_id", candidateID).Str("op", op).Str("code", string(code)).Msg("Exam request failed")
}
