package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"yieldo-indexer/internal/config"

	"github.com/golang-jwt/jwt/v5"
)

// Generates a bearer token for the operator endpoints (backfill, rating
// runs, reconciliation) signed with the configured admin secret.
func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	subject := flag.String("subject", "operator", "token subject")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if err := config.LoadConfig(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(*ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Issuer:    "yieldo-indexer",
		Subject:   *subject,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(config.AppConfig.Admin.JWTSecret))
	if err != nil {
		fmt.Fprintf(os.Stderr, "sign token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(signed)
}
