package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/escalation"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// SettingStore is the app_settings key/value table.
type SettingStore interface {
	GetAll(ctx context.Context) ([]model.AppSetting, error)
	UpsertMany(ctx context.Context, values map[string]string) error
}

type SettingService struct {
	settingRepo SettingStore
	rdb         *redis.Client
	defaults    config.ExamDefaults
	log         zerolog.Logger
}

func NewSettingService(settingRepo SettingStore, rdb *redis.Client, defaults config.ExamDefaults, log zerolog.Logger) *SettingService {
	return &SettingService{
		settingRepo: settingRepo,
		rdb:         rdb,
		defaults:    defaults,
		log:         log.With().Str("component", "setting_service").Logger(),
	}
}

// DefaultExamSettings builds settings from environment defaults alone.
func DefaultExamSettings(d config.ExamDefaults) model.ExamSettings {
	return model.ExamSettings{
		DurationMinutes: d.DurationMinutes,
		TotalQuestions:  d.TotalQuestions,
		PerDifficultyCounts: model.DifficultyCounts{
			Easy:   d.EasyCount,
			Medium: d.MediumCount,
			Hard:   d.HardCount,
		},
		Randomize:            d.RandomizeQuestions,
		RandomizeOptions:     d.RandomizeOptions,
		PassThreshold:        d.PassThreshold,
		ShowScoreImmediately: d.ShowScoreImmediately,
		Escalation: escalation.Policy{
			TabSwitch:      escalation.Limits{FlagAt: d.TabSwitchFlagAt, SubmitAt: d.TabSwitchSubmitAt},
			FullscreenExit: escalation.Limits{FlagAt: d.FullscreenFlagAt, SubmitAt: d.FullscreenSubmitAt},
			Combined:       escalation.Limits{FlagAt: d.CombinedFlagAt, SubmitAt: d.CombinedSubmitAt},
		},
	}
}

// ExamSettings returns the parsed settings, served from Redis when cached.
func (s *SettingService) ExamSettings(ctx context.Context) (model.ExamSettings, error) {
	cacheKey := config.CacheKey.ExamSettingsKey()

	if s.rdb != nil {
		raw, err := s.rdb.Get(ctx, cacheKey).Bytes()
		if err == nil {
			var cached model.ExamSettings
			if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
				return cached, nil
			}
			s.log.Warn().Msg("Discarding malformed cached exam settings")
		} else if !errors.Is(err, redis.Nil) {
			s.log.Warn().Err(err).Msg("Redis error reading exam settings, falling back to database")
		}
	}

	values, err := s.GetAllSettings(ctx)
	if err != nil {
		return model.ExamSettings{}, err
	}
	settings, err := ParseExamSettings(values, s.defaults)
	if err != nil {
		return model.ExamSettings{}, err
	}

	if s.rdb != nil {
		if data, err := json.Marshal(settings); err == nil {
			if err := s.rdb.Set(ctx, cacheKey, data, s.defaults.SettingsCacheTTL).Err(); err != nil {
				s.log.Warn().Err(err).Msg("Failed to cache exam settings")
			}
		}
	}
	return settings, nil
}

func (s *SettingService) GetAllSettings(ctx context.Context) (map[string]string, error) {
	settingsList, err := s.settingRepo.GetAll(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to get all settings")
		return nil, err
	}

	settingsMap := make(map[string]string)
	for _, setting := range settingsList {
		settingsMap[setting.Key] = setting.Value
	}
	return settingsMap, nil
}

// UpdateExamSettings validates the merged result before writing anything and
// drops the cached copy afterwards. Running attempts keep the duration and
// threshold they started with.
func (s *SettingService) UpdateExamSettings(ctx context.Context, values map[string]string) (model.ExamSettings, error) {
	known := make(map[string]struct{}, len(model.ExamSettingKeys))
	for _, k := range model.ExamSettingKeys {
		known[k] = struct{}{}
	}
	var unknown []string
	for k := range values {
		if _, ok := known[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return model.ExamSettings{}, fmt.Errorf("%w: unknown setting keys %s", model.ErrValidation, strings.Join(unknown, ", "))
	}

	current, err := s.GetAllSettings(ctx)
	if err != nil {
		return model.ExamSettings{}, err
	}
	for k, v := range values {
		v = strings.TrimSpace(v)
		values[k] = v
		current[k] = v
	}

	settings, err := ParseExamSettings(current, s.defaults)
	if err != nil {
		return model.ExamSettings{}, err
	}

	if err := s.settingRepo.UpsertMany(ctx, values); err != nil {
		s.log.Error().Err(err).Msg("failed to update settings")
		return model.ExamSettings{}, err
	}

	if s.rdb != nil {
		if err := s.rdb.Del(ctx, config.CacheKey.ExamSettingsKey()).Err(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to invalidate cached exam settings")
		}
	}

	s.log.Info().Int("keys", len(values)).Msg("Exam settings updated")
	return settings, nil
}

// ParseExamSettings overlays stored values on the defaults and validates the result.
func ParseExamSettings(values map[string]string, defaults config.ExamDefaults) (model.ExamSettings, error) {
	st := DefaultExamSettings(defaults)
	p := settingParser{values: values}

	p.intVal(model.SettingExamDurationMinutes, &st.DurationMinutes)
	p.intVal(model.SettingExamTotalQuestions, &st.TotalQuestions)
	p.intVal(model.SettingExamEasyCount, &st.PerDifficultyCounts.Easy)
	p.intVal(model.SettingExamMediumCount, &st.PerDifficultyCounts.Medium)
	p.intVal(model.SettingExamHardCount, &st.PerDifficultyCounts.Hard)
	p.boolVal(model.SettingExamRandomizeQuestions, &st.Randomize)
	p.boolVal(model.SettingExamRandomizeOptions, &st.RandomizeOptions)
	p.floatVal(model.SettingExamPassThreshold, &st.PassThreshold)
	p.boolVal(model.SettingExamShowScoreImmediately, &st.ShowScoreImmediately)
	p.timeVal(model.SettingExamOpenAt, &st.OpenAt)
	p.timeVal(model.SettingExamCloseAt, &st.CloseAt)

	if len(p.errs) > 0 {
		return model.ExamSettings{}, fmt.Errorf("%w: %s", model.ErrValidation, strings.Join(p.errs, "; "))
	}
	if err := ValidateExamSettings(st); err != nil {
		return model.ExamSettings{}, err
	}
	return st, nil
}

// ValidateExamSettings checks cross-field constraints.
func ValidateExamSettings(st model.ExamSettings) error {
	var errs []string
	if st.DurationMinutes <= 0 {
		errs = append(errs, "duration_minutes must be positive")
	}
	if st.TotalQuestions <= 0 {
		errs = append(errs, "total_questions must be positive")
	}
	c := st.PerDifficultyCounts
	if c.Easy < 0 || c.Medium < 0 || c.Hard < 0 {
		errs = append(errs, "difficulty counts must not be negative")
	}
	if sum := c.Sum(); sum > 0 && sum != st.TotalQuestions {
		errs = append(errs, fmt.Sprintf("difficulty counts add up to %d, total_questions is %d", sum, st.TotalQuestions))
	}
	if st.PassThreshold < 0 || st.PassThreshold > 100 {
		errs = append(errs, "pass_threshold must be between 0 and 100")
	}
	if st.OpenAt != nil && st.CloseAt != nil && !st.OpenAt.Before(*st.CloseAt) {
		errs = append(errs, "open_at must be before close_at")
	}
	if err := st.Escalation.Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", model.ErrValidation, strings.Join(errs, "; "))
	}
	return nil
}

type settingParser struct {
	values map[string]string
	errs   []string
}

func (p *settingParser) raw(key string) (string, bool) {
	v, ok := p.values[key]
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (p *settingParser) intVal(key string, dst *int) {
	if v, ok := p.raw(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			p.errs = append(p.errs, key+" must be an integer")
			return
		}
		*dst = n
	}
}

func (p *settingParser) floatVal(key string, dst *float64) {
	if v, ok := p.raw(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			p.errs = append(p.errs, key+" must be a number")
			return
		}
		*dst = f
	}
}

func (p *settingParser) boolVal(key string, dst *bool) {
	if v, ok := p.raw(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			p.errs = append(p.errs, key+" must be true or false")
			return
		}
		*dst = b
	}
}

func (p *settingParser) timeVal(key string, dst **time.Time) {
	if v, ok := p.raw(key); ok {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			p.errs = append(p.errs, key+" must be an RFC3339 timestamp")
			return
		}
		t = t.UTC()
		*dst = &t
	}
}

// StaticSettings serves fixed settings without storage.
type StaticSettings struct {
	Settings model.ExamSettings
}

// ExamSettings returns the fixed settings.
func (s StaticSettings) ExamSettings(context.Context) (model.ExamSettings, error) {
	return s.Settings, nil
}
