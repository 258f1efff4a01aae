package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow queries from blocking the SSE loop
	defaultLookback   = 24 * time.Hour
)

type MonitorHandler struct {
	rdb            *redis.Client
	monitorService *service.MonitorService
	log            zerolog.Logger
}

func NewMonitorHandler(rdb *redis.Client, monitorService *service.MonitorService, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		rdb:            rdb,
		monitorService: monitorService,
		log:            log.With().Str("component", "monitor_handler").Logger(),
	}
}

// MonitorSSE godoc
// GET /api/v1/admin/exam/monitor?since=2026-03-01T00:00:00Z
// Streams a board snapshot, then every attempt change published on Redis,
// with periodic refreshes while attempts are running.
func (h *MonitorHandler) MonitorSSE(c *gin.Context) {
	since := time.Now().Add(-defaultLookback)
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, map[string]string{"since": "must be an RFC3339 timestamp"})
			return
		}
		since = t
	}

	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	running := h.sendSnapshot(c, reqCtx, since, "snapshot")

	pubsub := h.rdb.Subscribe(reqCtx, config.CacheKey.ExamMonitorChannel())
	defer pubsub.Close()
	ch := pubsub.Channel()

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()
	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	h.log.Info().Time("since", since).Msg("Admin attached to live monitor SSE")

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Msg("Admin disconnected from live monitor SSE")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Payload is already JSON, forward it untouched.
			c.Writer.Write([]byte("data: "))
			c.Writer.Write([]byte(msg.Payload))
			c.Writer.Write([]byte("\n\n"))
			c.Writer.Flush()
			running = true

		case <-refreshTicker.C:
			if !running {
				continue
			}
			running = h.sendSnapshot(c, reqCtx, since, "refresh")

		case <-keepAliveTicker.C:
			c.SSEvent("message", gin.H{"type": "ping"})
			c.Writer.Flush()
		}
	}
}

// sendSnapshot writes the board and reports whether any attempt is still running.
func (h *MonitorHandler) sendSnapshot(c *gin.Context, parent context.Context, since time.Time, kind string) bool {
	ctx, cancel := context.WithTimeout(parent, refreshTimeout)
	defer cancel()

	snap, err := h.monitorService.GetSnapshot(ctx, since)
	if err != nil {
		h.log.Warn().Err(err).Str("type", kind).Msg("Failed to build monitor snapshot")
		return true
	}

	c.SSEvent("message", gin.H{"type": kind, "data": snap})
	c.Writer.Flush()
	return snap.InProgress > 0
}
