package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/testsync/internal/middleware"
	"github.com/stemsi/testsync/internal/model"
	"github.com/stemsi/testsync/internal/response"
	"github.com/stemsi/testsync/internal/session"
)

// SessionHandler serves read-only session views over REST.
type SessionHandler struct {
	manager *session.Manager
	log     zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(manager *session.Manager, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		manager: manager,
		log:     log.With().Str("component", "session_handler").Logger(),
	}
}

// SessionView is the REST form of a session snapshot.
type SessionView struct {
	SessionID            string              `json:"sessionId"`
	TestType             string              `json:"testType"`
	Status               model.SessionStatus `json:"status"`
	QuestionsList        []int64             `json:"questionsList"`
	CurrentQuestionIndex int                 `json:"currentQuestionIndex"`
	Answers              map[int64]string    `json:"answers"`
	TimeRemaining        int                 `json:"timeRemaining"`
	StartedAt            time.Time           `json:"startedAt"`
	EndsAt               time.Time           `json:"endsAt"`
	LastSequence         int64               `json:"lastSequence"`
	Participants         int                 `json:"participants"`
	Durable              bool                `json:"durable"`
	Result               *model.ScoreResult  `json:"result,omitempty"`
}

func toView(v session.View) SessionView {
	s := v.Session
	return SessionView{
		SessionID:            s.ID,
		TestType:             s.TestType,
		Status:               s.Status,
		QuestionsList:        s.QuestionsList,
		CurrentQuestionIndex: s.CurrentQuestionIndex,
		Answers:              s.SelectedAnswers(),
		TimeRemaining:        v.TimeRemaining,
		StartedAt:            s.StartedAt,
		EndsAt:               s.EndsAt,
		LastSequence:         s.LastEventSequence,
		Participants:         len(s.Participants),
		Durable:              v.Durable,
		Result:               s.Result,
	}
}

// Active godoc
// GET /api/v1/sessions/active
// Lists the caller's sessions that are still running.
func (h *SessionHandler) Active(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	views := h.manager.ActiveFor(claims.UserID())
	out := make([]SessionView, 0, len(views))
	for _, v := range views {
		out = append(out, toView(v))
	}
	response.Success(c, http.StatusOK, out)
}

// State godoc
// GET /api/v1/sessions/:id/state
// Returns the last committed snapshot of one of the caller's sessions.
func (h *SessionHandler) State(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	v, err := h.manager.State(id, claims.UserID())
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			response.Fail(c, http.StatusNotFound, response.ErrSessionNotFound)
			return
		}
		h.log.Error().Err(err).Str("session_id", id).Msg("Read session state")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, toView(v))
}
