package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
)

func writeEnvelope(w http.ResponseWriter, status int, data any, errBody *response.ErrorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data, "error": errBody})
}

func TestClientFlow(t *testing.T) {
	attemptID := uuid.New()
	var gotAuth []string

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/candidate/login", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, model.CandidateLoginResponse{Token: "tok"}, nil)
	})
	mux.HandleFunc("POST /api/v1/candidate/exam/start", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = append(gotAuth, r.Header.Get("Authorization"))
		writeEnvelope(w, http.StatusCreated, model.StartView{AttemptID: attemptID, RemainingSeconds: 600}, nil)
	})
	mux.HandleFunc("POST /api/v1/candidate/exam/answer", func(w http.ResponseWriter, r *http.Request) {
		var req model.RecordAnswerRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.AttemptID != attemptID.String() || *req.QuestionPosition != 2 || *req.OptionIndex != 1 {
			writeEnvelope(w, http.StatusBadRequest, nil, &response.ErrorBody{Code: response.ErrValidation})
			return
		}
		writeEnvelope(w, http.StatusOK, model.AnswerAck{Position: 2, OptionIndex: 1}, nil)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL + "/api/v1/")
	ctx := context.Background()

	if _, err := c.Login(ctx, "a@b.test", "secret"); err != nil {
		t.Fatal(err)
	}
	view, err := c.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if view.AttemptID != attemptID || view.RemainingSeconds != 600 {
		t.Fatalf("view = %+v", view)
	}
	if len(gotAuth) != 1 || gotAuth[0] != "Bearer tok" {
		t.Fatalf("auth headers = %v", gotAuth)
	}

	ack, err := c.RecordAnswer(ctx, attemptID, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if ack.Position != 2 {
		t.Fatalf("ack = %+v", ack)
	}
}

func TestClientErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		code      response.ErrCode
		transient bool
	}{
		{"expired", http.StatusGone, response.ErrAttemptExpired, false},
		{"rate limited", http.StatusTooManyRequests, response.ErrRateLimitExceeded, true},
		{"server error", http.StatusInternalServerError, response.ErrInternal, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeEnvelope(w, tt.status, nil, &response.ErrorBody{Code: tt.code, Message: "x"})
			}))
			defer srv.Close()

			_, err := New(srv.URL).Submit(context.Background(), uuid.New())
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.Status != tt.status {
				t.Fatalf("err = %v", err)
			}
			if Code(err) != tt.code {
				t.Errorf("code = %q, want %q", Code(err), tt.code)
			}
			if IsTransient(err) != tt.transient {
				t.Errorf("transient = %v, want %v", IsTransient(err), tt.transient)
			}
		})
	}
}

func TestClientTransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(url, WithHTTPClient(&http.Client{Timeout: time.Second}))
	_, err := c.Status(context.Background())
	if err == nil || !IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}
