package service

import (
	"context"
	"errors"
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/testsync/internal/config"
	"github.com/stemsi/testsync/internal/model"
	"github.com/stemsi/testsync/internal/session"
)

type stubLoader struct {
	keys  map[int64]string
	calls [][]int64
	err   error
}

func (l *stubLoader) AnswerKeys(_ context.Context, ids []int64) ([]model.QuestionKey, error) {
	l.calls = append(l.calls, append([]int64(nil), ids...))
	if l.err != nil {
		return nil, l.err
	}
	var out []model.QuestionKey
	for _, id := range ids {
		if a, ok := l.keys[id]; ok {
			out = append(out, model.QuestionKey{QuestionID: id, CorrectAnswer: a})
		}
	}
	return out, nil
}

func TestSplitCached(t *testing.T) {
	found, missing := splitCached([]int64{1, 2, 3, 4}, []any{"A", nil, "", "D"})
	if !reflect.DeepEqual(found, map[int64]string{1: "A", 4: "D"}) {
		t.Errorf("found = %v", found)
	}
	if !reflect.DeepEqual(missing, []int64{2, 3}) {
		t.Errorf("missing = %v", missing)
	}

	_, missing = splitCached([]int64{7, 8}, []any{"B"})
	if !reflect.DeepEqual(missing, []int64{8}) {
		t.Errorf("short reply: missing = %v", missing)
	}
}

func TestAnswerKeyWithoutCache(t *testing.T) {
	loader := &stubLoader{keys: map[int64]string{1: "A", 2: "C"}}
	svc := NewAnswerKeyService(loader, nil, time.Minute, zerolog.New(io.Discard))

	key, err := svc.AnswerKey(context.Background(), []int64{1, 2, 9})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(key, map[int64]string{1: "A", 2: "C"}) {
		t.Errorf("key = %v", key)
	}
	if len(loader.calls) != 1 || len(loader.calls[0]) != 3 {
		t.Errorf("loader calls = %v", loader.calls)
	}

	empty, err := svc.AnswerKey(context.Background(), nil)
	if err != nil || len(empty) != 0 {
		t.Errorf("empty ids: %v %v", empty, err)
	}
	if len(loader.calls) != 1 {
		t.Error("empty ids reached the loader")
	}
}

func TestAnswerKeyLoaderError(t *testing.T) {
	boom := errors.New("db down")
	svc := NewAnswerKeyService(&stubLoader{err: boom}, nil, 0, zerolog.New(io.Discard))
	if _, err := svc.AnswerKey(context.Background(), []int64{1}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped %v", err, boom)
	}
}

func TestAchievements(t *testing.T) {
	tests := []struct {
		name   string
		status model.SessionStatus
		res    model.ScoreResult
		want   []string
	}{
		{"perfect", model.SessionStatusCompleted, model.ScoreResult{CorrectCount: 5, TotalQuestions: 5}, []string{AchievementPerfectScore, AchievementFullAttempt}},
		{"all answered", model.SessionStatusCompleted, model.ScoreResult{CorrectCount: 3, IncorrectCount: 2, TotalQuestions: 5}, []string{AchievementFullAttempt}},
		{"partial", model.SessionStatusCompleted, model.ScoreResult{CorrectCount: 3, UnansweredCount: 2, TotalQuestions: 5}, nil},
		{"expired", model.SessionStatusExpired, model.ScoreResult{CorrectCount: 5, TotalQuestions: 5}, nil},
		{"abandoned", model.SessionStatusAbandoned, model.ScoreResult{CorrectCount: 5, TotalQuestions: 5}, nil},
		{"no questions", model.SessionStatusCompleted, model.ScoreResult{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Achievements(session.Completion{Status: tt.status, Result: tt.res})
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOnCompletedWithoutRedis(t *testing.T) {
	svc := NewGamificationService(nil, zerolog.New(io.Discard))
	got, err := svc.OnCompleted(context.Background(), session.Completion{
		SessionID: "s1",
		Status:    model.SessionStatusCompleted,
		Result:    model.ScoreResult{CorrectCount: 2, TotalQuestions: 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("achievements = %v", got)
	}
}

func TestOnCompletedKeepsAchievementsWhenPublishFails(t *testing.T) {
	// Nothing listens on port 1, so every publish fails to connect.
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	svc := NewGamificationService(rdb, zerolog.New(io.Discard))
	got, err := svc.OnCompleted(context.Background(), session.Completion{
		SessionID: "s1",
		UserID:    "u1",
		Status:    model.SessionStatusCompleted,
		Result:    model.ScoreResult{CorrectCount: 3, TotalQuestions: 3},
	})
	if err != nil {
		t.Fatalf("OnCompleted: %v", err)
	}
	want := []string{AchievementPerfectScore, AchievementFullAttempt}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("achievements = %v, want %v", got, want)
	}
}

func TestAuthTokenRoundTrip(t *testing.T) {
	svc := NewAuthService(&config.Config{JWTSecret: "secret", JWTExpiry: time.Hour})

	tok, err := svc.IssueToken("user-1", "Ana", 0)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := svc.ValidateToken(tok)
	if err != nil {
		t.Fatal(err)
	}
	if claims.UserID() != "user-1" || claims.Name != "Ana" {
		t.Errorf("claims = %+v", claims)
	}

	other := NewAuthService(&config.Config{JWTSecret: "other", JWTExpiry: time.Hour})
	if _, err := other.ValidateToken(tok); err == nil {
		t.Error("token accepted with the wrong secret")
	}
	if _, err := svc.IssueToken("", "", 0); err == nil {
		t.Error("empty user id accepted")
	}
}

func TestAuthTokenExpired(t *testing.T) {
	svc := NewAuthService(&config.Config{JWTSecret: "secret", JWTExpiry: time.Hour})
	tok, err := svc.IssueToken("user-1", "", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	// ttl <= 0 falls back to the configured expiry, so the token is valid.
	if _, err := svc.ValidateToken(tok); err != nil {
		t.Fatalf("fallback ttl: %v", err)
	}

	short := NewAuthService(&config.Config{JWTSecret: "secret", JWTExpiry: -time.Minute})
	tok, err = short.IssueToken("user-1", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := short.ValidateToken(tok); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("err = %v, want ErrTokenExpired", err)
	}
}
