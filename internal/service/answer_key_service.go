package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/testsync/internal/config"
	"github.com/stemsi/testsync/internal/model"
)

// KeyLoader is the authoritative answer key source behind the cache.
type KeyLoader interface {
	AnswerKeys(ctx context.Context, ids []int64) ([]model.QuestionKey, error)
}

// AnswerKeyService resolves correct options through a Redis hash with a
// PostgreSQL fallback for misses.
type AnswerKeyService struct {
	loader KeyLoader
	rdb    *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

// NewAnswerKeyService creates a new AnswerKeyService.
func NewAnswerKeyService(loader KeyLoader, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *AnswerKeyService {
	return &AnswerKeyService{
		loader: loader,
		rdb:    rdb,
		ttl:    ttl,
		log:    log.With().Str("component", "answer_key_service").Logger(),
	}
}

// AnswerKey returns questionId -> correct option for every id the bank knows.
// Ids absent from the bank are left out and score as ungraded.
func (s *AnswerKeyService) AnswerKey(ctx context.Context, questionIDs []int64) (map[int64]string, error) {
	if len(questionIDs) == 0 {
		return map[int64]string{}, nil
	}

	key := make(map[int64]string, len(questionIDs))
	missing := questionIDs

	if s.rdb != nil {
		vals, err := s.rdb.HMGet(ctx, config.CacheKey.AnswerKeyHash(), fields(questionIDs)...).Result()
		if err != nil {
			s.log.Warn().Err(err).Msg("Answer key cache read failed, using database")
		} else {
			key, missing = splitCached(questionIDs, vals)
		}
	}

	if len(missing) == 0 {
		return key, nil
	}

	loaded, err := s.loader.AnswerKeys(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("load answer key: %w", err)
	}
	for _, k := range loaded {
		key[k.QuestionID] = k.CorrectAnswer
	}

	s.warm(ctx, loaded)
	return key, nil
}

// Warm writes entries into the cache, e.g. after seeding the bank.
func (s *AnswerKeyService) Warm(ctx context.Context, keys []model.QuestionKey) {
	s.warm(ctx, keys)
}

func (s *AnswerKeyService) warm(ctx context.Context, keys []model.QuestionKey) {
	if s.rdb == nil || len(keys) == 0 {
		return
	}
	values := make(map[string]any, len(keys))
	for _, k := range keys {
		values[strconv.FormatInt(k.QuestionID, 10)] = k.CorrectAnswer
	}

	hash := config.CacheKey.AnswerKeyHash()
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, hash, values)
	if s.ttl > 0 {
		pipe.Expire(ctx, hash, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn().Err(err).Int("count", len(keys)).Msg("Answer key cache write failed")
		return
	}
	s.log.Debug().Int("count", len(keys)).Msg("Answer key cache warmed")
}

func fields(ids []int64) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strconv.FormatInt(id, 10)
	}
	return out
}

// splitCached pairs HMGET results with their ids. A nil or empty value is a miss.
func splitCached(ids []int64, vals []any) (map[int64]string, []int64) {
	found := make(map[int64]string, len(ids))
	var missing []int64
	for i, id := range ids {
		var v any
		if i < len(vals) {
			v = vals[i]
		}
		s, ok := v.(string)
		if !ok || s == "" {
			missing = append(missing, id)
			continue
		}
		found[id] = s
	}
	return found, missing
}
