package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/testsync/internal/config"
	"github.com/stemsi/testsync/internal/model"
	"github.com/stemsi/testsync/internal/session"
)

// Achievement ids unlocked locally from a single result.
const (
	AchievementPerfectScore = "perfect_score"
	AchievementFullAttempt  = "full_attempt"
)

// GamificationService hands completions to the XP/achievement system over
// Redis PubSub and unlocks the result-only achievements itself.
type GamificationService struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewGamificationService creates a new GamificationService.
func NewGamificationService(rdb *redis.Client, log zerolog.Logger) *GamificationService {
	return &GamificationService{
		rdb: rdb,
		log: log.With().Str("component", "gamification_service").Logger(),
	}
}

// OnCompleted publishes the completion and returns the achievements it earns.
// A failed publish is logged; the achievements are still returned.
func (s *GamificationService) OnCompleted(ctx context.Context, c session.Completion) ([]string, error) {
	unlocked := Achievements(c)
	if s.rdb != nil {
		if err := s.publish(ctx, c); err != nil {
			s.log.Warn().Err(err).Str("session_id", c.SessionID).Msg("Completion not published")
			return unlocked, nil
		}
	}

	s.log.Debug().
		Str("session_id", c.SessionID).
		Int("xp", c.Result.XPEarned).
		Strs("achievements", unlocked).
		Msg("Completion published")
	return unlocked, nil
}

func (s *GamificationService) publish(ctx context.Context, c session.Completion) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal completion: %w", err)
	}
	if err := s.rdb.Publish(ctx, config.CacheKey.SessionsCompletedChannel(), raw).Err(); err != nil {
		return fmt.Errorf("publish completion: %w", err)
	}
	return nil
}

// Achievements derives the achievements a completed session earns on its own.
// Expired and abandoned sessions earn none.
func Achievements(c session.Completion) []string {
	if c.Status != model.SessionStatusCompleted || c.Result.TotalQuestions == 0 {
		return nil
	}
	var out []string
	if c.Result.CorrectCount == c.Result.TotalQuestions {
		out = append(out, AchievementPerfectScore)
	}
	if c.Result.UnansweredCount == 0 {
		out = append(out, AchievementFullAttempt)
	}
	return out
}
