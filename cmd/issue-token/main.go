package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/stemsi/exproctor-backend/internal/config"
	"github.com/stemsi/exproctor-backend/internal/logger"
	"github.com/stemsi/exproctor-backend/internal/service"
	"golang.org/x/term"
)

// issue-token mints a signed student or proctor JWT for local testing and
// for integrations that cannot reach the identity provider.
func main() {
	var (
		tokenType    string
		subject      string
		permissions  string
		expiry       time.Duration
		promptSecret bool
	)
	flag.StringVar(&tokenType, "type", "student", "Token type: student or proctor")
	flag.StringVar(&subject, "subject", "", "Student or proctor identifier")
	flag.StringVar(&permissions, "perms", "", "Comma-separated proctor permissions (default: all)")
	flag.DurationVar(&expiry, "expiry", 0, "Token lifetime (default: JWT_EXPIRY_HOURS)")
	flag.BoolVar(&promptSecret, "prompt-secret", false, "Read the signing secret from the terminal instead of JWT_SECRET")
	flag.Parse()

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()
	log := logger.Component(logger.New(os.Stderr, cfg.LogLevel, "pretty"), "issue_token")

	if subject == "" {
		log.Fatal().Msg("-subject is required")
	}

	var tt service.TokenType
	switch tokenType {
	case string(service.TokenTypeStudent):
		tt = service.TokenTypeStudent
	case string(service.TokenTypeProctor):
		tt = service.TokenTypeProctor
	default:
		log.Fatal().Str("type", tokenType).Msg("Unknown token type")
	}

	secret := cfg.JWTSecret
	if promptSecret {
		fmt.Fprint(os.Stderr, "Enter JWT secret: ")
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to read secret")
		}
		secret = strings.TrimSpace(string(raw))
	}
	if secret == "" {
		log.Fatal().Msg("Signing secret is empty")
	}
	if expiry <= 0 {
		expiry = cfg.JWTExpiry
	}

	var perms []string
	if tt == service.TokenTypeProctor && permissions != "" {
		for _, p := range strings.Split(permissions, ",") {
			if p = strings.TrimSpace(p); p != "" {
				perms = append(perms, p)
			}
		}
	}

	token, err := service.NewAuthService(secret, expiry).GenerateToken(tt, subject, perms)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to sign token")
	}

	log.Info().
		Str("type", string(tt)).
		Str("subject", subject).
		Dur("expiry", expiry).
		Msg("Token issued")
	fmt.Println(token)
}
