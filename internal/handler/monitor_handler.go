package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/testsync/internal/config"
	"github.com/stemsi/testsync/internal/middleware"
	"github.com/stemsi/testsync/internal/response"
)

const keepAliveInterval = 30 * time.Second

// MonitorHandler streams finished sessions from the completion channel.
type MonitorHandler struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewMonitorHandler creates a new MonitorHandler.
func NewMonitorHandler(rdb *redis.Client, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		rdb: rdb,
		log: log.With().Str("component", "monitor_handler").Logger(),
	}
}

// ownedBy reports whether a completion message belongs to userID.
func ownedBy(payload, userID string) bool {
	var head struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal([]byte(payload), &head); err != nil {
		return false
	}
	return head.UserID == userID
}

// CompletionsSSE godoc
// GET /api/v1/sessions/completions
// Streams the caller's session completions (score and XP) as they happen,
// from any server instance.
func (h *MonitorHandler) CompletionsSSE(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	if h.rdb == nil {
		response.Fail(c, http.StatusServiceUnavailable, response.ErrServiceUnavailable)
		return
	}
	userID := claims.UserID()
	reqCtx := c.Request.Context()

	pubsub := h.rdb.Subscribe(reqCtx, config.CacheKey.SessionsCompletedChannel())
	defer pubsub.Close()
	if _, err := pubsub.Receive(reqCtx); err != nil {
		h.log.Error().Err(err).Msg("Subscribe failed")
		response.Fail(c, http.StatusServiceUnavailable, response.ErrServiceUnavailable)
		return
	}
	ch := pubsub.Channel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	h.log.Info().Str("user_id", userID).Msg("Attached to completions SSE")

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("user_id", userID).Msg("Detached from completions SSE")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			if !ownedBy(msg.Payload, userID) {
				continue
			}
			// Forward raw JSON directly.
			c.Writer.Write([]byte("data: "))
			c.Writer.Write([]byte(msg.Payload))
			c.Writer.Write([]byte("\n\n"))
			c.Writer.Flush()

		case <-keepAliveTicker.C:
			c.Writer.Write([]byte("data: "))
			c.Writer.Write(pingPayload)
			c.Writer.Write([]byte("\n\n"))
			c.Writer.Flush()
		}
	}
}
