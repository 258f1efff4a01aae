package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// errStreamDone ends the read loop after the attempt reached a terminal state.
var errStreamDone = errors.New("attempt finished")

// WSHandler serves the candidate exam stream: answers, integrity events and
// submission over one socket, mapped onto the same AttemptService operations
// as the HTTP routes.
type WSHandler struct {
	attemptService *service.AttemptService
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(attemptService *service.AttemptService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		attemptService: attemptService,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// ExamStream godoc
// WS /ws/v1/candidate/exam/stream?token=...
// Binds to the candidate's running attempt. The exam must be started over HTTP first.
func (h *WSHandler) ExamStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	candidateID := claims.UserID

	status, err := h.attemptService.Status(c.Request.Context(), candidateID)
	if err != nil {
		failWith(c, err)
		return
	}
	if status.Status != model.AttemptStatusInProgress || status.AttemptID == nil {
		response.Fail(c, http.StatusConflict, response.ErrAttemptNotActive)
		return
	}
	attemptID := *status.AttemptID

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	wsLog := h.log.With().
		Int("candidate_id", candidateID).
		Str("attempt_id", attemptID.String()).
		Logger()
	wsLog.Info().Msg("Candidate connected")

	remaining := 0
	if status.RemainingSeconds != nil {
		remaining = *status.RemainingSeconds
	}
	if err := ws.WriteTyped(conn, ws.ReadyResponse{Event: ws.EventReady, AttemptID: attemptID, RemainingSeconds: remaining}); err != nil {
		return
	}

	// Operations must complete even if the socket drops mid-call.
	ctx := context.Background()

	for {
		data, err := ws.ReadMessage(conn)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		var env ws.RequestEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			ws.WriteError(conn, "", string(response.ErrInvalidPayload), response.GetMessage(response.ErrInvalidPayload), nil)
			continue
		}

		switch env.Action {
		case ws.ActionAnswer:
			err = h.handleAnswer(ctx, conn, candidateID, attemptID, data)
		case ws.ActionEvent:
			err = h.handleEvent(ctx, conn, candidateID, attemptID, data)
		case ws.ActionSubmit:
			err = h.handleSubmit(ctx, conn, candidateID, attemptID, env.Ref)
		case ws.ActionPing:
			err = ws.WriteTyped(conn, ws.PongResponse{Event: ws.EventPong, Ref: env.Ref})
		default:
			wsLog.Warn().Str("action", string(env.Action)).Msg("Unknown action")
			err = ws.WriteError(conn, env.Ref, string(response.ErrInvalidPayload), "unknown action: "+string(env.Action), nil)
		}

		if errors.Is(err, errStreamDone) {
			wsLog.Info().Msg("Attempt finished, closing stream")
			ws.WriteClose(conn, websocket.CloseNormalClosure, "attempt finished")
			return
		}
		if err != nil {
			wsLog.Debug().Err(err).Msg("Write failed, closing stream")
			return
		}
	}
}

func (h *WSHandler) handleAnswer(ctx context.Context, conn *websocket.Conn, candidateID int, attemptID uuid.UUID, data []byte) error {
	var req ws.AnswerRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return ws.WriteError(conn, "", string(response.ErrInvalidPayload), response.GetMessage(response.ErrInvalidPayload), nil)
	}
	if fields := validator.Struct(&req); fields != nil {
		return ws.WriteError(conn, req.Ref, string(response.ErrValidation), response.GetMessage(response.ErrValidation), fields)
	}

	ack, err := h.attemptService.RecordAnswer(ctx, candidateID, attemptID, *req.QuestionPosition, *req.OptionIndex)
	if err != nil {
		return h.writeServiceError(conn, req.Ref, err)
	}
	return ws.WriteTyped(conn, ws.AnswerSavedResponse{Event: ws.EventAnswerSaved, Ref: req.Ref, Ack: ack})
}

func (h *WSHandler) handleEvent(ctx context.Context, conn *websocket.Conn, candidateID int, attemptID uuid.UUID, data []byte) error {
	var req ws.EventRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return ws.WriteError(conn, "", string(response.ErrInvalidPayload), response.GetMessage(response.ErrInvalidPayload), nil)
	}
	if fields := validator.Struct(&req); fields != nil {
		return ws.WriteError(conn, req.Ref, string(response.ErrValidation), response.GetMessage(response.ErrValidation), fields)
	}

	outcome, err := h.attemptService.ReportIntegrityEvent(ctx, candidateID, attemptID, req.EventType, req.Timestamp)
	if err != nil {
		return h.writeServiceError(conn, req.Ref, err)
	}
	if err := ws.WriteTyped(conn, ws.IntegrityResponse{Event: ws.EventIntegrity, Ref: req.Ref, Outcome: outcome}); err != nil {
		return err
	}
	if outcome.ForcedSubmit {
		return errStreamDone
	}
	return nil
}

func (h *WSHandler) handleSubmit(ctx context.Context, conn *websocket.Conn, candidateID int, attemptID uuid.UUID, ref string) error {
	result, err := h.attemptService.Submit(ctx, candidateID, attemptID)
	if err != nil {
		return h.writeServiceError(conn, ref, err)
	}
	if err := ws.WriteTyped(conn, ws.SubmittedResponse{Event: ws.EventSubmitted, Ref: ref, Result: result}); err != nil {
		return err
	}
	return errStreamDone
}

// writeServiceError reports err to the client. Errors meaning the attempt is
// over also end the stream.
func (h *WSHandler) writeServiceError(conn *websocket.Conn, ref string, err error) error {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Stream operation failed")
	}
	var fields map[string]string
	if code == response.ErrValidation {
		fields = map[string]string{"detail": err.Error()}
	}
	if werr := ws.WriteError(conn, ref, string(code), response.GetMessage(code), fields); werr != nil {
		return werr
	}
	switch code {
	case response.ErrAttemptExpired, response.ErrAttemptNotActive, response.ErrAlreadySubmitted:
		return errStreamDone
	}
	return nil
}
