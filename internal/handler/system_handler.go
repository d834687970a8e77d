package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/testsync/internal/config"
	"github.com/stemsi/testsync/internal/middleware"
	"github.com/stemsi/testsync/internal/response"
	"github.com/stemsi/testsync/internal/session"
	ws "github.com/stemsi/testsync/internal/websocket"
)

const metricsInterval = 7 * time.Second

// SystemHandler reports liveness and streams runtime stats via SSE.
type SystemHandler struct {
	pool      *pgxpool.Pool
	rdb       *redis.Client
	manager   *session.Manager
	hub       *ws.Hub
	startTime time.Time
	log       zerolog.Logger
}

// NewSystemHandler creates a new SystemHandler. pool and rdb may be nil.
func NewSystemHandler(pool *pgxpool.Pool, rdb *redis.Client, manager *session.Manager, hub *ws.Hub, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		pool:      pool,
		rdb:       rdb,
		manager:   manager,
		hub:       hub,
		startTime: time.Now(),
		log:       log.With().Str("component", "system_handler").Logger(),
	}
}

type systemStats struct {
	Timestamp int64  `json:"timestamp"`
	Uptime    string `json:"uptime"`

	// Sessions
	SessionsLive int `json:"sessions_live"`
	Connections  int `json:"connections"`

	// Go Application
	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc"`
	NumGC      uint32 `json:"num_gc"`
	GoVersion  string `json:"go_version"`

	// Worker Queues
	QueueSessions int64 `json:"queue_sessions"`
	QueueAnswers  int64 `json:"queue_answers"`
	QueueEvents   int64 `json:"queue_events"`
	QueueResults  int64 `json:"queue_results"`
}

// Health godoc
// GET /health
// Pings the database and Redis. Responds 503 when either is unreachable.
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	healthy := true
	if h.pool != nil {
		if err := h.pool.Ping(ctx); err != nil {
			checks["postgres"] = err.Error()
			healthy = false
		} else {
			checks["postgres"] = "ok"
		}
	}
	if h.rdb != nil {
		if err := h.rdb.Ping(ctx).Err(); err != nil {
			checks["redis"] = err.Error()
			healthy = false
		} else {
			checks["redis"] = "ok"
		}
	}

	body := gin.H{
		"status":        "ok",
		"uptime":        formatDuration(time.Since(h.startTime)),
		"sessions_live": h.manager.Registry().Len(),
		"connections":   h.hub.Len(),
		"checks":        checks,
	}
	if !healthy {
		body["status"] = "degraded"
		response.FailWithData(c, http.StatusServiceUnavailable, response.ErrServiceUnavailable, body)
		return
	}
	response.Success(c, http.StatusOK, body)
}

// SystemStatsSSE godoc
// GET /api/v1/system/stats
func (h *SystemHandler) SystemStatsSSE(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	h.log.Info().Str("user_id", claims.UserID()).Msg("Connected to system stats SSE")

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	// Send immediately on connect, then every tick
	h.writeStats(c)

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Msg("Disconnected from system stats SSE")
			return
		case <-ticker.C:
			h.writeStats(c)
		}
	}
}

func (h *SystemHandler) writeStats(c *gin.Context) {
	data, err := json.Marshal(h.collect(c.Request.Context()))
	if err != nil {
		return
	}
	c.Writer.Write([]byte("data: "))
	c.Writer.Write(data)
	c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}

func (h *SystemHandler) collect(ctx context.Context) systemStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m := systemStats{
		Timestamp:    time.Now().Unix(),
		Uptime:       formatDuration(time.Since(h.startTime)),
		SessionsLive: h.manager.Registry().Len(),
		Connections:  h.hub.Len(),
		Goroutines:   runtime.NumGoroutine(),
		HeapAlloc:    ms.HeapAlloc,
		NumGC:        ms.NumGC,
		GoVersion:    runtime.Version(),
	}

	// ── Worker Queues (pipelined LLEN) ──
	if h.rdb != nil {
		pipe := h.rdb.Pipeline()
		sessionsCmd := pipe.LLen(ctx, config.WorkerKey.PersistSessionsQueue)
		answersCmd := pipe.LLen(ctx, config.WorkerKey.PersistAnswersQueue)
		eventsCmd := pipe.LLen(ctx, config.WorkerKey.PersistEventsQueue)
		resultsCmd := pipe.LLen(ctx, config.WorkerKey.PersistResultsQueue)
		if _, err := pipe.Exec(ctx); err == nil {
			m.QueueSessions, _ = sessionsCmd.Result()
			m.QueueAnswers, _ = answersCmd.Result()
			m.QueueEvents, _ = eventsCmd.Result()
			m.QueueResults, _ = resultsCmd.Result()
		}
	}
	return m
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
