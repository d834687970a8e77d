package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/stemsi/testsync/internal/config"
	"github.com/stemsi/testsync/internal/database"
	"github.com/stemsi/testsync/internal/logger"
	"github.com/stemsi/testsync/internal/model"
	"github.com/stemsi/testsync/internal/repository"
	"github.com/stemsi/testsync/internal/service"
)

const batchSize = 500

func main() {
	var file string
	var count int
	flag.StringVar(&file, "file", "", `JSON file of [{"question_id":1,"correct_answer":"A"}, ...]`)
	flag.IntVar(&count, "count", 50, "Number of sample questions to generate when -file is empty")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	keys, err := loadKeys(file, count)
	if err != nil {
		log.Fatal().Err(err).Str("file", file).Msg("Failed to read answer keys")
	}

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, answer key cache will not be warmed")
		rdb = nil
	} else {
		defer rdb.Close()
	}

	questionRepo := repository.NewQuestionRepository(pool)
	answerKeys := service.NewAnswerKeyService(questionRepo, rdb, cfg.AnswerKeyTTL, log)

	fmt.Printf("=== Seeding %d answer keys ===\n", len(keys))

	seeded := 0
	for start := 0; start < len(keys); start += batchSize {
		end := min(start+batchSize, len(keys))
		batch := keys[start:end]
		if err := questionRepo.Upsert(ctx, batch); err != nil {
			log.Fatal().Err(err).Int("offset", start).Msg("Failed to upsert answer keys")
		}
		answerKeys.Warm(ctx, batch)
		seeded += len(batch)
		fmt.Printf("Upserted %d/%d...\n", seeded, len(keys))
	}

	fmt.Printf("\nSeed completed! %d answer keys stored.\n", seeded)
}

// loadKeys reads keys from path, or generates count sample keys cycling A to E.
func loadKeys(path string, count int) ([]model.QuestionKey, error) {
	if path == "" {
		options := []string{"A", "B", "C", "D", "E"}
		keys := make([]model.QuestionKey, count)
		for i := range keys {
			keys[i] = model.QuestionKey{QuestionID: int64(i + 1), CorrectAnswer: options[i%len(options)]}
		}
		return keys, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var keys []model.QuestionKey
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	for _, k := range keys {
		if k.QuestionID <= 0 || k.CorrectAnswer == "" {
			return nil, fmt.Errorf("invalid entry %+v", k)
		}
	}
	return keys, nil
}
