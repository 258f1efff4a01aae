package model

import "time"

// AppSetting is one stored row of app_settings. Values are strings and are
// parsed into ExamSettings on read.
type AppSetting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpdateSettingsRequest is the payload for bulk updating exam settings. Keys
// must come from ExamSettingKeys; an empty value falls back to the environment default.
type UpdateSettingsRequest struct {
	Settings map[string]string `json:"settings" binding:"required,min=1"`
}

// ExamSettingsView is the admin view of the settings: the stored overrides and
// the effective values after environment defaults.
type ExamSettingsView struct {
	Stored    map[string]string `json:"settings"`
	Effective ExamSettings      `json:"effective"`
	Keys      []string          `json:"keys"`
}
