package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/response"
)

const metricsInterval = 5 * time.Second

// workerQueues are the Redis lists drained by the persistence workers.
var workerQueues = []string{
	config.WorkerKey.PersistIntegrityEventsQueue,
	config.WorkerKey.PersistAuditQueue,
	config.WorkerKey.PersistQuestionStatsQueue,
}

// SystemHandler reports process health and worker backlog to proctors.
type SystemHandler struct {
	rdb     *redis.Client
	started time.Time
	log     zerolog.Logger

	cpuMu     sync.Mutex
	prevIdle  uint64
	prevTotal uint64
}

func NewSystemHandler(rdb *redis.Client, log zerolog.Logger) *SystemHandler {
	h := &SystemHandler{
		rdb:     rdb,
		started: time.Now(),
		log:     log.With().Str("component", "system_handler").Logger(),
	}
	h.prevIdle, h.prevTotal, _ = readCPUStat()
	return h
}

type processMetrics struct {
	UptimeSeconds int64  `json:"uptime_seconds"`
	Goroutines    int    `json:"goroutines"`
	HeapAlloc     uint64 `json:"heap_alloc"`
	HeapSys       uint64 `json:"heap_sys"`
	NumGC         uint32 `json:"num_gc"`
	RSSBytes      uint64 `json:"rss_bytes"`
	GoVersion     string `json:"go_version"`
}

type hostMetrics struct {
	NumCPU        int     `json:"num_cpu"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemTotalBytes uint64  `json:"mem_total_bytes"`
	MemUsedBytes  uint64  `json:"mem_used_bytes"`
}

type systemSnapshot struct {
	Timestamp time.Time        `json:"timestamp"`
	Process   processMetrics   `json:"process"`
	Host      hostMetrics      `json:"host"`
	Queues    map[string]int64 `json:"queues"`
	// Backlog sums the queues; a growing backlog means the workers cannot keep up with Postgres.
	Backlog int64 `json:"backlog"`
}

// SystemMetrics godoc
// GET /api/v1/admin/system/metrics
// GET /api/v1/admin/system/metrics?once=true
// Streams a snapshot every few seconds over SSE, or answers a single snapshot with once=true.
func (h *SystemHandler) SystemMetrics(c *gin.Context) {
	if c.Query("once") == "true" {
		response.Success(c, http.StatusOK, h.collect(c.Request.Context()))
		return
	}

	ctx := c.Request.Context()
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	h.log.Debug().Msg("Admin connected to system metrics")

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		if err := h.writeEvent(c, h.collect(ctx)); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			h.log.Debug().Msg("Admin disconnected from system metrics")
			return
		case <-ticker.C:
		}
	}
}

func (h *SystemHandler) writeEvent(c *gin.Context, snap systemSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if _, err := c.Writer.Write(append(append([]byte("data: "), data...), '\n', '\n')); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}

func (h *SystemHandler) collect(ctx context.Context) systemSnapshot {
	snap := systemSnapshot{
		Timestamp: time.Now().UTC(),
		Host:      hostMetrics{NumCPU: runtime.NumCPU(), CPUPercent: h.cpuPercent()},
		Queues:    make(map[string]int64, len(workerQueues)),
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	snap.Process = processMetrics{
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
		HeapAlloc:     ms.HeapAlloc,
		HeapSys:       ms.HeapSys,
		NumGC:         ms.NumGC,
		GoVersion:     runtime.Version(),
	}
	snap.Process.RSSBytes, _ = readStatusField("/proc/self/status", "VmRSS:")

	if total, err := readStatusField("/proc/meminfo", "MemTotal:"); err == nil {
		avail, _ := readStatusField("/proc/meminfo", "MemAvailable:")
		snap.Host.MemTotalBytes = total
		snap.Host.MemUsedBytes = total - min(avail, total)
	}

	pipe := h.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(workerQueues))
	for i, q := range workerQueues {
		cmds[i] = pipe.LLen(ctx, q)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		h.log.Warn().Err(err).Msg("Failed to read worker queue lengths")
		return snap
	}
	for i, q := range workerQueues {
		n, _ := cmds[i].Result()
		snap.Queues[q] = n
		snap.Backlog += n
	}
	return snap
}

// cpuPercent is the host CPU usage since the previous call.
func (h *SystemHandler) cpuPercent() float64 {
	idle, total, err := readCPUStat()
	if err != nil {
		return 0
	}
	h.cpuMu.Lock()
	defer h.cpuMu.Unlock()
	if total <= h.prevTotal {
		return 0
	}
	busy := 1 - float64(idle-h.prevIdle)/float64(total-h.prevTotal)
	h.prevIdle, h.prevTotal = idle, total
	return busy * 100
}

// readCPUStat returns idle and total ticks from the aggregate line of /proc/stat.
func readCPUStat() (idle, total uint64, err error) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(strings.SplitN(string(data), "\n", 2)[0])
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, 0, errors.New("unexpected /proc/stat format")
	}
	for i, f := range fields[1:] {
		v, _ := strconv.ParseUint(f, 10, 64)
		total += v
		if i == 3 {
			idle = v
		}
	}
	return idle, total, nil
}

// readStatusField reads a "Key:   123 kB" line from a /proc status file, in bytes.
func readStatusField(path, key string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, key) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		return v * 1024, err
	}
	return 0, errors.New(key + " not found in " + path)
}
