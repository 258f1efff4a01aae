// Package client is the candidate-side HTTP client for the exam API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
)

// APIError is a non-2xx response decoded from the error envelope.
type APIError struct {
	Status  int
	Code    response.ErrCode
	Message string
	Fields  map[string]string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d", e.Status)
	}
	return fmt.Sprintf("http %d %s: %s", e.Status, e.Code, e.Message)
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// Code returns the API error code carried by err, or "" when err is not an
// *APIError.
func Code(err error) response.ErrCode {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// IsTransient reports whether err is worth retrying: transport failures and
// 5xx or 429 responses.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}

// Client calls the candidate API. It is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithToken sets a previously issued candidate token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New creates a client for baseURL, e.g. "http://localhost:8080/api/v1".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Login authenticates the candidate and keeps the token for later calls.
func (c *Client) Login(ctx context.Context, email, password string) (*model.CandidateLoginResponse, error) {
	var out model.CandidateLoginResponse
	req := model.CandidateLoginRequest{Email: email, Password: password}
	if err := c.do(ctx, http.MethodPost, "/auth/candidate/login", req, &out); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.token = out.Token
	c.mu.Unlock()
	return &out, nil
}

// Logout ends the single-device session.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/auth/candidate/logout", nil, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
	return nil
}

// Settings returns the public exam settings.
func (c *Client) Settings(ctx context.Context) (*model.PublicExamSettings, error) {
	var out model.PublicExamSettings
	if err := c.do(ctx, http.MethodGet, "/public/exam/settings", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Start starts a new attempt or resumes the running one.
func (c *Client) Start(ctx context.Context) (*model.StartView, error) {
	var out model.StartView
	if err := c.do(ctx, http.MethodPost, "/candidate/exam/start", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RecordAnswer saves the option chosen at position.
func (c *Client) RecordAnswer(ctx context.Context, attemptID uuid.UUID, position, option int) (*model.AnswerAck, error) {
	req := model.RecordAnswerRequest{
		AttemptID:        attemptID.String(),
		QuestionPosition: &position,
		OptionIndex:      &option,
	}
	var out model.AnswerAck
	if err := c.do(ctx, http.MethodPost, "/candidate/exam/answer", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReportEvent reports an integrity event observed at ts.
func (c *Client) ReportEvent(ctx context.Context, attemptID uuid.UUID, eventType model.IntegrityEventType, ts time.Time) (*model.EventOutcome, error) {
	req := model.ReportEventRequest{
		AttemptID: attemptID.String(),
		EventType: string(eventType),
		Timestamp: &ts,
	}
	var out model.EventOutcome
	if err := c.do(ctx, http.MethodPost, "/candidate/exam/report-event", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Submit finalizes the attempt. Repeated calls return the stored result.
func (c *Client) Submit(ctx context.Context, attemptID uuid.UUID) (*model.AttemptResult, error) {
	req := model.SubmitAttemptRequest{AttemptID: attemptID.String()}
	var out model.AttemptResult
	if err := c.do(ctx, http.MethodPost, "/candidate/exam/submit", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status reports the candidate's attempt status.
func (c *Client) Status(ctx context.Context) (*model.StatusView, error) {
	var out model.StatusView
	if err := c.do(ctx, http.MethodGet, "/candidate/exam/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Result returns the result of the candidate's terminal attempt.
func (c *Client) Result(ctx context.Context) (*model.ResultView, error) {
	var out model.ResultView
	if err := c.do(ctx, http.MethodGet, "/candidate/exam/result", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type envelope struct {
	Data  json.RawMessage     `json:"data"`
	Error *response.ErrorBody `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil && !errors.Is(err, io.EOF) {
		if resp.StatusCode >= 300 {
			return &APIError{Status: resp.StatusCode}
		}
		return fmt.Errorf("decode response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Fields = env.Error.Fields
		}
		return apiErr
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}
