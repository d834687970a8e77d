package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/testsync/internal/middleware"
	"github.com/stemsi/testsync/internal/model"
	"github.com/stemsi/testsync/internal/response"
	"github.com/stemsi/testsync/internal/session"
	"github.com/stemsi/testsync/internal/validator"
	ws "github.com/stemsi/testsync/internal/websocket"
	"golang.org/x/time/rate"
)

// commandTimeout bounds how long one inbound message may wait on its session.
const commandTimeout = 10 * time.Second

// statusDisconnected is reported before the connection joins any session.
const statusDisconnected model.SessionStatus = "disconnected"

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

// WSHandler streams test sessions over WebSocket.
type WSHandler struct {
	manager  *session.Manager
	hub      *ws.Hub
	log      zerolog.Logger
	upgrader websocket.Upgrader
	perSec   rate.Limit
	burst    int
}

// NewWSHandler creates a new WSHandler. perSec and burst bound inbound
// messages per connection; perSec <= 0 disables the limit.
func NewWSHandler(manager *session.Manager, hub *ws.Hub, log zerolog.Logger, allowedOrigins []string, perSec float64, burst int) *WSHandler {
	limit := rate.Inf
	if perSec > 0 {
		limit = rate.Limit(perSec)
	}
	if burst < 1 {
		burst = 1
	}
	return &WSHandler{
		manager:  manager,
		hub:      hub,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
		perSec:   limit,
		burst:    burst,
	}
}

// Serve godoc
// WS /ws?token=...
// Upgrades to WebSocket and dispatches session messages.
func (h *WSHandler) Serve(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	conn := ws.NewConnection(raw, claims.UserID(), h.log)
	h.hub.Register(conn)
	defer h.disconnect(conn)

	connLog := h.log.With().
		Str("user_id", conn.UserID()).
		Str("conn_id", conn.ID()).
		Logger()
	connLog.Info().Msg("Client connected")

	_ = ws.WriteEvent(conn, model.Event{
		Type: model.EventSessionState,
		Payload: ws.StatePayload{
			UserID:        conn.UserID(),
			Answers:       map[int64]string{},
			QuestionsList: []int64{},
			Status:        statusDisconnected,
			Connected:     true,
		},
		Timestamp: time.Now(),
	})

	limiter := rate.NewLimiter(h.perSec, h.burst)
	for {
		env, err := conn.Read()
		if err != nil {
			var de *ws.DecodeError
			if errors.As(err, &de) {
				h.sendError(conn, string(response.ErrInvalidPayload), response.GetMessage(response.ErrInvalidPayload),
					map[string]any{"retryable": false, "reason": de.Err.Error()})
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				connLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				connLog.Debug().Msg("Connection closed")
			}
			return
		}

		if !limiter.Allow() {
			h.sendError(conn, string(response.ErrRateLimited), response.GetMessage(response.ErrRateLimited),
				map[string]any{"retryable": true, "type": env.Type})
			continue
		}

		h.dispatch(conn, env)
	}
}

// disconnect detaches the connection from every session it joined.
// Sessions keep running; only participation ends.
func (h *WSHandler) disconnect(conn *ws.Connection) {
	for _, id := range conn.Sessions() {
		h.manager.Detach(id, conn.ID())
	}
	h.hub.Unregister(conn)
	conn.Close()
	h.log.Info().Str("conn_id", conn.ID()).Msg("Client disconnected")
}

func (h *WSHandler) dispatch(conn *ws.Connection, env ws.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	caller := session.Caller{UserID: conn.UserID(), ConnID: conn.ID()}

	switch env.Type {
	case model.EventTestStart:
		var req ws.StartRequest
		if !h.decode(conn, env, &req) {
			return
		}
		h.handleStart(ctx, conn, caller, req)

	case model.EventTestQuestion:
		var req ws.QuestionRequest
		if !h.decode(conn, env, &req) {
			return
		}
		conn.Track(req.SessionID)
		if err := h.manager.Navigate(ctx, caller, req.SessionID, *req.QuestionIndex); err != nil {
			h.sendSessionError(conn, err)
		}

	case model.EventTestAnswer:
		var req ws.AnswerRequest
		if !h.decode(conn, env, &req) {
			return
		}
		h.handleAnswer(ctx, conn, caller, req)

	case model.EventTestComplete:
		var req ws.CompleteRequest
		if !h.decode(conn, env, &req) {
			return
		}
		conn.Track(req.SessionID)
		if _, err := h.manager.Complete(ctx, caller, req.SessionID); err != nil {
			h.sendSessionError(conn, err)
		}

	case model.EventSessionReconnect:
		var req ws.ReconnectRequest
		if !h.decode(conn, env, &req) {
			return
		}
		conn.Track(req.SessionID)
		if _, err := h.manager.Reconnect(ctx, caller, req.SessionID, req.LastSequence); err != nil {
			h.sendSessionError(conn, err)
		}

	default:
		h.log.Warn().Str("type", string(env.Type)).Str("conn_id", conn.ID()).Msg("Unknown message type")
		h.sendError(conn, string(response.ErrUnknownType), response.GetMessage(response.ErrUnknownType),
			map[string]any{"retryable": false, "type": env.Type})
	}
}

func (h *WSHandler) handleStart(ctx context.Context, conn *ws.Connection, caller session.Caller, req ws.StartRequest) {
	res, err := h.manager.Start(ctx, caller, session.StartParams{
		TestType:        req.TestType,
		QuestionsList:   req.QuestionsList,
		DurationMinutes: req.DurationMinutes,
		Mode:            req.Mode,
	})
	if err != nil {
		h.sendSessionError(conn, err)
		return
	}
	conn.Track(res.Session.ID)

	if res.Resumed {
		// Resuming attaches like a reconnect and delivers a snapshot.
		if _, err := h.manager.Reconnect(ctx, caller, res.Session.ID, nil); err != nil {
			h.sendSessionError(conn, err)
		}
	}
}

func (h *WSHandler) handleAnswer(ctx context.Context, conn *ws.Connection, caller session.Caller, req ws.AnswerRequest) {
	conn.Track(req.SessionID)
	res, err := h.manager.SubmitAnswer(ctx, caller, session.AnswerParams{
		SessionID:       req.SessionID,
		QuestionID:      req.QuestionID,
		Answer:          req.Answer,
		TimeSpent:       req.TimeSpent,
		ClientTimestamp: req.ClientTimestamp,
	})
	if err != nil {
		h.sendSessionError(conn, err)
		return
	}
	if res.Recorded {
		return
	}

	// Resubmitting the stored answer changes nothing; acknowledge it unsequenced.
	now := time.Now()
	_ = ws.WriteEvent(conn, model.Event{
		Type: model.EventTestAnswer,
		Payload: ws.AnswerPayload{
			SessionID:  req.SessionID,
			QuestionID: req.QuestionID,
			Answer:     req.Answer,
			TimeSpent:  req.TimeSpent,
			Saved:      true,
			ServerTime: now.UnixMilli(),
		},
		Timestamp: now,
	})
}

// decode unmarshals and validates a payload, replying with an error event on failure.
func (h *WSHandler) decode(conn *ws.Connection, env ws.Envelope, dst any) bool {
	if err := ws.DecodePayload(env, dst); err != nil {
		h.sendError(conn, string(response.ErrInvalidPayload), response.GetMessage(response.ErrInvalidPayload),
			map[string]any{"retryable": false, "type": env.Type, "reason": err.Error()})
		return false
	}
	if fields := validator.Struct(dst); fields != nil {
		h.sendError(conn, string(response.ErrValidation), response.GetMessage(response.ErrValidation),
			map[string]any{"retryable": false, "type": env.Type, "fields": fields})
		return false
	}
	return true
}

func (h *WSHandler) sendSessionError(conn *ws.Connection, err error) {
	code := session.CodeOf(err)
	details := map[string]any{"retryable": code == session.CodeInternal, "reconnect": false}

	var se *session.Error
	if errors.As(err, &se) {
		details["retryable"] = se.Retryable()
		details["reconnect"] = se.NeedsReconnect()
		if se.SessionID != "" {
			details["sessionId"] = se.SessionID
		}
		for k, v := range se.Details {
			details[k] = v
		}
	}

	if code == session.CodeInternal {
		h.log.Error().Err(err).Str("conn_id", conn.ID()).Msg("Session command failed")
	} else {
		h.log.Debug().Err(err).Str("conn_id", conn.ID()).Msg("Session command rejected")
	}
	h.sendError(conn, string(code), response.GetMessage(response.ErrCode(code)), details)
}

func (h *WSHandler) sendError(conn *ws.Connection, code, message string, details map[string]any) {
	if err := ws.WriteEvent(conn, ws.ErrorEvent(code, message, details)); err != nil {
		h.log.Debug().Err(err).Str("conn_id", conn.ID()).Msg("Error event not delivered")
	}
}
