package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/stemsi/testsync/internal/config"
	"github.com/stemsi/testsync/internal/logger"
	"github.com/stemsi/testsync/internal/service"
)

// issue-token prints a signed access token for local testing of the websocket endpoint.
func main() {
	var userID, name string
	var ttl time.Duration
	flag.StringVar(&userID, "user", "", "User ID placed in the token subject (required)")
	flag.StringVar(&name, "name", "", "Display name claim")
	flag.DurationVar(&ttl, "ttl", 0, "Token lifetime; defaults to JWT_EXPIRY")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	if userID == "" {
		fmt.Fprintln(os.Stderr, "Usage: issue-token -user <id> [-name <name>] [-ttl 2h]")
		os.Exit(2)
	}
	if cfg.JWTSecret == "" {
		log.Fatal().Msg("JWT_SECRET is not set")
	}

	token, err := service.NewAuthService(cfg).IssueToken(userID, name, ttl)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to sign token")
	}
	fmt.Println(token)
}
