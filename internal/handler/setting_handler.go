package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

type SettingHandler struct {
	settingService *service.SettingService
	log            zerolog.Logger
}

func NewSettingHandler(settingService *service.SettingService, log zerolog.Logger) *SettingHandler {
	return &SettingHandler{
		settingService: settingService,
		log:            log.With().Str("component", "setting_handler").Logger(),
	}
}

// GetExamSettings godoc
// GET /api/v1/admin/exam/settings
// Returns the stored keys and the effective settings after defaults.
func (h *SettingHandler) GetExamSettings(c *gin.Context) {
	stored, err := h.settingService.GetAllSettings(c.Request.Context())
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	effective, err := h.settingService.ExamSettings(c.Request.Context())
	if err != nil {
		failWith(c, err)
		return
	}
	response.Success(c, http.StatusOK, model.ExamSettingsView{
		Stored:    stored,
		Effective: effective,
		Keys:      model.ExamSettingKeys,
	})
}

// UpdateExamSettings godoc
// PUT /api/v1/admin/exam/settings
func (h *SettingHandler) UpdateExamSettings(c *gin.Context) {
	var req model.UpdateSettingsRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	effective, err := h.settingService.UpdateExamSettings(c.Request.Context(), req.Settings)
	if err != nil {
		if status, _ := classify(err); status == http.StatusInternalServerError {
			h.log.Error().Err(err).Msg("Failed to update exam settings")
		}
		failWith(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"effective": effective})
}

// GetPublicSettings godoc
// GET /api/v1/public/exam/settings
func (h *SettingHandler) GetPublicSettings(c *gin.Context) {
	settings, err := h.settingService.ExamSettings(c.Request.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load exam settings")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, settings.Public(time.Now()))
}
