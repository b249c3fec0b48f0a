// devtoken issues a gateway auth token for local testing. The gateway has no login flow of its own;
// in production tokens come from the identity provider that shares AUTH_TOKEN_SECRET.
package main

import (
	"flag"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"remote-admin-gateway/internal/config"
	"remote-admin-gateway/internal/security"
)

func main() {
	user := flag.String("user", "dev-user-001", "owner id placed in the token subject")
	ttl := flag.Duration("ttl", 0, "token lifetime (default JWT_ACCESS_TTL)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	key, err := cfg.TokenKey()
	if err != nil {
		log.Fatalf("auth token secret: %v", err)
	}
	lifetime := cfg.AccessTTL()
	if *ttl > 0 {
		lifetime = *ttl
	}
	tokens, err := security.NewTokenProvider(key, cfg.JWTIssuer, cfg.JWTAudience, lifetime)
	if err != nil {
		log.Fatalf("token provider: %v", err)
	}
	tok, _, exp, err := tokens.IssueAccess(*user)
	if err != nil {
		log.Fatalf("issue: %v", err)
	}
	log.WithFields(log.Fields{"user": *user, "expires": exp.Format(time.RFC3339)}).Info("token issued")
	fmt.Println(tok)
}
