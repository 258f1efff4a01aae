package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/escalation"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

func init() {
	gin.SetMode(gin.TestMode)
	validator.Setup()
}

type stubCandidates struct{}

func (stubCandidates) GetByID(_ context.Context, id int) (*model.Candidate, error) {
	if id == 404 {
		return nil, model.ErrNotFound
	}
	return &model.Candidate{ID: id, IsEligible: true}, nil
}

type stubBank struct{}

func (stubBank) ListActiveByDifficulty(_ context.Context, d model.Difficulty) ([]model.Question, error) {
	qs := make([]model.Question, 4)
	for i := range qs {
		qs[i] = model.Question{
			ID:           uuid.New(),
			Text:         fmt.Sprintf("%s %d", d, i),
			Options:      []string{"A", "B", "C"},
			CorrectIndex: 1,
			Difficulty:   d,
		}
	}
	return qs, nil
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type envelope struct {
	Data  json.RawMessage     `json:"data"`
	Error *response.ErrorBody `json:"error"`
}

type examServer struct {
	router *gin.Engine
	clock  *testClock
}

func newExamServer(t *testing.T) *examServer {
	t.Helper()

	settings := model.ExamSettings{
		DurationMinutes:      10,
		TotalQuestions:       4,
		PerDifficultyCounts:  model.DifficultyCounts{Easy: 2, Medium: 2},
		PassThreshold:        50,
		ShowScoreImmediately: true,
		Escalation:           escalation.DefaultPolicy(),
	}
	clock := &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	svc := service.NewAttemptService(
		repository.NewMemoryAttemptRepository(),
		stubCandidates{},
		service.StaticSettings{Settings: settings},
		service.NewQuestionSelector(stubBank{}, nil),
		nil, nil,
		service.AttemptOptions{},
		zerolog.Nop(),
	).WithClock(clock.now)

	h := NewExamHandler(svc, zerolog.Nop())

	r := gin.New()
	api := r.Group("/exam", func(c *gin.Context) {
		var id int
		fmt.Sscanf(c.GetHeader("X-Candidate"), "%d", &id)
		c.Set(middleware.ContextKeyClaims, &service.Claims{TokenType: service.TokenTypeCandidate, UserID: id})
	})
	api.POST("/start", h.StartExam)
	api.POST("/answer", h.RecordAnswer)
	api.POST("/report-event", h.ReportEvent)
	api.POST("/submit", h.SubmitExam)
	api.GET("/status", h.GetStatus)
	api.GET("/result", h.GetResult)

	return &examServer{router: r, clock: clock}
}

func (s *examServer) do(t *testing.T, method, path string, candidate int, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Candidate", fmt.Sprint(candidate))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: bad body %q", method, path, w.Body.String())
	}
	return w.Code, env
}

func (s *examServer) start(t *testing.T, candidate int) model.StartView {
	t.Helper()
	code, env := s.do(t, http.MethodPost, "/exam/start", candidate, nil)
	if code != http.StatusCreated && code != http.StatusOK {
		t.Fatalf("start: status %d, error %+v", code, env.Error)
	}
	var view model.StartView
	if err := json.Unmarshal(env.Data, &view); err != nil {
		t.Fatal(err)
	}
	return view
}

func TestExamFlow(t *testing.T) {
	s := newExamServer(t)

	code, _ := s.do(t, http.MethodPost, "/exam/start", 1, nil)
	if code != http.StatusCreated {
		t.Fatalf("first start: status %d, want 201", code)
	}
	view := s.start(t, 1)
	if !view.Resumed || len(view.Questions) != 4 {
		t.Fatalf("resume view = %+v", view)
	}

	for pos := 0; pos < 3; pos++ {
		code, env := s.do(t, http.MethodPost, "/exam/answer", 1, gin.H{
			"attempt_id": view.AttemptID, "question_position": pos, "option_index": 1,
		})
		if code != http.StatusOK {
			t.Fatalf("answer %d: status %d, error %+v", pos, code, env.Error)
		}
	}

	code, env := s.do(t, http.MethodPost, "/exam/submit", 1, gin.H{"attempt_id": view.AttemptID})
	if code != http.StatusOK {
		t.Fatalf("submit: status %d, error %+v", code, env.Error)
	}
	var result model.AttemptResult
	json.Unmarshal(env.Data, &result)
	if result.ScorePercent != 75 || !result.Passed {
		t.Fatalf("result = %+v, want 75 passed", result)
	}

	code, again := s.do(t, http.MethodPost, "/exam/submit", 1, gin.H{"attempt_id": view.AttemptID})
	if code != http.StatusOK || !bytes.Equal(again.Data, env.Data) {
		t.Fatalf("repeat submit differs: %d %s", code, again.Data)
	}

	code, env = s.do(t, http.MethodPost, "/exam/start", 1, nil)
	if code != http.StatusConflict || env.Error.Code != response.ErrAlreadySubmitted {
		t.Fatalf("start after submit: %d %+v", code, env.Error)
	}

	code, env = s.do(t, http.MethodGet, "/exam/result", 1, nil)
	if code != http.StatusOK {
		t.Fatalf("result: status %d", code)
	}
}

func TestExamErrors(t *testing.T) {
	s := newExamServer(t)
	view := s.start(t, 2)

	tests := []struct {
		name     string
		path     string
		body     any
		wantCode int
		wantErr  response.ErrCode
	}{
		{"missing option", "/exam/answer", gin.H{"attempt_id": view.AttemptID, "question_position": 0}, 400, response.ErrValidation},
		{"bad attempt id", "/exam/answer", gin.H{"attempt_id": "nope", "question_position": 0, "option_index": 0}, 400, response.ErrValidation},
		{"position out of range", "/exam/answer", gin.H{"attempt_id": view.AttemptID, "question_position": 9, "option_index": 0}, 400, response.ErrValidation},
		{"unknown attempt", "/exam/submit", gin.H{"attempt_id": uuid.New()}, 404, response.ErrNotFound},
		{"unknown event", "/exam/report-event", gin.H{"attempt_id": view.AttemptID, "event_type": "screenshot"}, 400, response.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := s.do(t, http.MethodPost, tt.path, 2, tt.body)
			if code != tt.wantCode || env.Error == nil || env.Error.Code != tt.wantErr {
				t.Fatalf("got %d %+v, want %d %s", code, env.Error, tt.wantCode, tt.wantErr)
			}
		})
	}

	if code, env := s.do(t, http.MethodPost, "/exam/start", 404, nil); code != 404 || env.Error.Code != response.ErrNotFound {
		t.Fatalf("unknown candidate: %d %+v", code, env.Error)
	}
}

func TestExamAnswerAfterDeadline(t *testing.T) {
	s := newExamServer(t)
	view := s.start(t, 3)
	s.clock.advance(10 * time.Minute)

	body := gin.H{"attempt_id": view.AttemptID, "question_position": 0, "option_index": 1}
	code, env := s.do(t, http.MethodPost, "/exam/answer", 3, body)
	if code != http.StatusGone || env.Error.Code != response.ErrAttemptExpired {
		t.Fatalf("late answer: %d %+v", code, env.Error)
	}
	code, env = s.do(t, http.MethodPost, "/exam/answer", 3, body)
	if code != http.StatusConflict || env.Error.Code != response.ErrAttemptNotActive {
		t.Fatalf("second late answer: %d %+v", code, env.Error)
	}

	code, env = s.do(t, http.MethodGet, "/exam/status", 3, nil)
	var st model.StatusView
	json.Unmarshal(env.Data, &st)
	if code != http.StatusOK || st.Status != model.AttemptStatusSubmitted {
		t.Fatalf("status = %d %+v", code, st)
	}
}

func TestExamReportEventForcesSubmit(t *testing.T) {
	s := newExamServer(t)
	view := s.start(t, 4)

	var outcome model.EventOutcome
	for i := 0; i < 3; i++ {
		code, env := s.do(t, http.MethodPost, "/exam/report-event", 4, gin.H{
			"attempt_id": view.AttemptID, "event_type": "tab_switch",
		})
		if code != http.StatusOK {
			t.Fatalf("event %d: %d %+v", i+1, code, env.Error)
		}
		json.Unmarshal(env.Data, &outcome)
	}
	if !outcome.ForcedSubmit || !outcome.IsFlagged || outcome.Result == nil {
		t.Fatalf("third tab switch outcome = %+v", outcome)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want int
		code response.ErrCode
	}{
		{model.ErrValidation, 400, response.ErrValidation},
		{model.ErrInvalidState, 409, response.ErrAttemptNotActive},
		{model.ErrAttemptExpired, 410, response.ErrAttemptExpired},
		{model.ErrNotFound, 404, response.ErrNotFound},
		{model.ErrAlreadySubmitted, 409, response.ErrAlreadySubmitted},
		{model.ErrConflict, 409, response.ErrConflict},
		{model.ErrNotEligible, 403, response.ErrNotEligible},
		{model.ErrExamClosed, 403, response.ErrExamClosed},
		{fmt.Errorf("select: %w", model.ErrInsufficientQuestions), 503, response.ErrNoQuestions},
		{fmt.Errorf("boom"), 500, response.ErrInternal},
	}
	for _, tt := range tests {
		status, code := classify(tt.err)
		if status != tt.want || code != tt.code {
			t.Errorf("classify(%v) = %d %s, want %d %s", tt.err, status, code, tt.want, tt.code)
		}
	}
}
