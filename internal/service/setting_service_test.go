package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

type memSettings struct {
	mu     sync.Mutex
	values map[string]string
	reads  int
}

func (m *memSettings) GetAll(context.Context) ([]model.AppSetting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	out := make([]model.AppSetting, 0, len(m.values))
	for k, v := range m.values {
		out = append(out, model.AppSetting{Key: k, Value: v})
	}
	return out, nil
}

func (m *memSettings) UpsertMany(_ context.Context, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range values {
		m.values[k] = v
	}
	return nil
}

func testDefaults() config.ExamDefaults {
	return config.ExamDefaults{
		DurationMinutes:      30,
		TotalQuestions:       20,
		EasyCount:            5,
		MediumCount:          10,
		HardCount:            5,
		PassThreshold:        50,
		ShowScoreImmediately: true,
		TabSwitchFlagAt:      3,
		TabSwitchSubmitAt:    3,
		FullscreenFlagAt:     2,
		SettingsCacheTTL:     time.Minute,
	}
}

func TestParseExamSettings(t *testing.T) {
	tests := []struct {
		name    string
		values  map[string]string
		wantErr bool
		check   func(t *testing.T, s model.ExamSettings)
	}{
		{
			name:   "defaults only",
			values: map[string]string{},
			check: func(t *testing.T, s model.ExamSettings) {
				if s.DurationMinutes != 30 || s.TotalQuestions != 20 || s.Escalation.TabSwitch.SubmitAt != 3 {
					t.Errorf("settings = %+v", s)
				}
			},
		},
		{
			name: "overrides",
			values: map[string]string{
				model.SettingExamDurationMinutes:      "45",
				model.SettingExamTotalQuestions:       "10",
				model.SettingExamEasyCount:            "0",
				model.SettingExamMediumCount:          "0",
				model.SettingExamHardCount:            " 0 ",
				model.SettingExamPassThreshold:        "62.5",
				model.SettingExamShowScoreImmediately: "false",
				model.SettingExamOpenAt:               "2026-03-01T08:00:00+07:00",
			},
			check: func(t *testing.T, s model.ExamSettings) {
				if s.DurationMinutes != 45 || s.TotalQuestions != 10 || s.PassThreshold != 62.5 || s.ShowScoreImmediately {
					t.Errorf("settings = %+v", s)
				}
				if s.OpenAt == nil || !s.OpenAt.Equal(time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC)) {
					t.Errorf("open_at = %v", s.OpenAt)
				}
			},
		},
		{name: "not a number", values: map[string]string{model.SettingExamDurationMinutes: "thirty"}, wantErr: true},
		{name: "zero duration", values: map[string]string{model.SettingExamDurationMinutes: "0"}, wantErr: true},
		{name: "counts disagree with total", values: map[string]string{model.SettingExamTotalQuestions: "25"}, wantErr: true},
		{name: "threshold above 100", values: map[string]string{model.SettingExamPassThreshold: "101"}, wantErr: true},
		{
			name: "window reversed",
			values: map[string]string{
				model.SettingExamOpenAt:  "2026-03-02T00:00:00Z",
				model.SettingExamCloseAt: "2026-03-01T00:00:00Z",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := ParseExamSettings(tt.values, testDefaults())
			if tt.wantErr {
				if !errors.Is(err, model.ErrValidation) {
					t.Fatalf("err = %v, want ErrValidation", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			tt.check(t, s)
		})
	}
}

func TestExamSettingsCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store := &memSettings{values: map[string]string{model.SettingExamDurationMinutes: "40"}}
	svc := NewSettingService(store, rdb, testDefaults(), zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s, err := svc.ExamSettings(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if s.DurationMinutes != 40 {
			t.Fatalf("duration = %d, want 40", s.DurationMinutes)
		}
	}
	if store.reads != 1 {
		t.Fatalf("database reads = %d, want 1", store.reads)
	}
	if !mr.Exists(config.CacheKey.ExamSettingsKey()) {
		t.Fatalf("settings were not cached")
	}

	updated, err := svc.UpdateExamSettings(ctx, map[string]string{model.SettingExamDurationMinutes: " 50 "})
	if err != nil {
		t.Fatal(err)
	}
	if updated.DurationMinutes != 50 || store.values[model.SettingExamDurationMinutes] != "50" {
		t.Fatalf("update not applied: %+v", store.values)
	}
	if mr.Exists(config.CacheKey.ExamSettingsKey()) {
		t.Fatalf("cache not invalidated")
	}

	s, _ := svc.ExamSettings(ctx)
	if s.DurationMinutes != 50 {
		t.Fatalf("duration after update = %d, want 50", s.DurationMinutes)
	}
}

func TestUpdateExamSettingsRejects(t *testing.T) {
	store := &memSettings{values: map[string]string{}}
	svc := NewSettingService(store, nil, testDefaults(), zerolog.Nop())
	ctx := context.Background()

	tests := []struct {
		name   string
		values map[string]string
	}{
		{"unknown key", map[string]string{"exam.colour": "blue"}},
		{"invalid merge", map[string]string{model.SettingExamTotalQuestions: "30"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.UpdateExamSettings(ctx, tt.values); !errors.Is(err, model.ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
			if len(store.values) != 0 {
				t.Fatalf("rejected update was written: %v", store.values)
			}
		})
	}
}
