package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 30 * time.Minute

	tokenIssuer   = "mcss-auth"
	tokenAudience = "mcss-api"
	adminSubject  = "mcss-admin"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingAPIKey        = errors.New("admin api key is not configured")
	// ErrInvalidAPIKey indicates the presented admin key did not match.
	ErrInvalidAPIKey = errors.New("invalid admin api key")
)

// TokenIssuerConfig configures the admin API JWT issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	APIKey        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer exchanges the configured admin API key for short-lived HS256
// tokens and validates them on protected routes.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) *TokenIssuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		config: TokenIssuerConfig{
			SigningSecret: cfg.SigningSecret,
			APIKey:        cfg.APIKey,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}
}

// IssueAdminToken verifies the presented API key and produces a signed JWT
// together with its expiry in seconds.
func (i *TokenIssuer) IssueAdminToken(_ context.Context, apiKey string) (string, int64, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	if i.config.APIKey == "" {
		return "", 0, errMissingAPIKey
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(i.config.APIKey)) != 1 {
		return "", 0, ErrInvalidAPIKey
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	registered := jwt.RegisteredClaims{
		Subject:   adminSubject,
		Issuer:    tokenIssuer,
		Audience:  []string{tokenAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken ensures the admin JWT is well formed and returns its subject.
func (i *TokenIssuer) ValidateToken(tokenString string) (string, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", errMissingSigningSecret
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(tokenAudience),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("token subject missing")
	}
	return claims.Subject, nil
}
