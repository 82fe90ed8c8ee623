package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 30 * time.Minute
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
)

// Claims is the validated identity carried by a relay credential.
type Claims struct {
	AccountID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// CredentialAuthorityConfig configures the HS256 credential authority.
type CredentialAuthorityConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// CredentialAuthority issues and verifies the bearer credentials that clients
// present when authenticating a sync session.
type CredentialAuthority struct {
	config CredentialAuthorityConfig
	clock  func() time.Time
}

// NewCredentialAuthority constructs a CredentialAuthority with sane defaults.
func NewCredentialAuthority(cfg CredentialAuthorityConfig) *CredentialAuthority {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &CredentialAuthority{
		config: CredentialAuthorityConfig{
			SigningSecret: cfg.SigningSecret,
			Issuer:        cfg.Issuer,
			Audience:      cfg.Audience,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}
}

// Issue produces a signed credential and its expiry (seconds) for an account.
func (a *CredentialAuthority) Issue(_ context.Context, accountID string) (string, int64, error) {
	if len(a.config.SigningSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	if accountID == "" {
		return "", 0, errMissingSubjectClaim
	}

	now := a.clock().UTC()
	expiresAt := now.Add(a.config.TokenTTL).UTC()

	registered := jwt.RegisteredClaims{
		Subject:   accountID,
		Issuer:    a.config.Issuer,
		Audience:  []string{a.config.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(a.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// Verify ensures the credential is well formed and returns its claims.
func (a *CredentialAuthority) Verify(tokenString string) (Claims, error) {
	if len(a.config.SigningSecret) == 0 {
		return Claims{}, errMissingSigningSecret
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return a.config.SigningSecret, nil
		},
		jwt.WithAudience(a.config.Audience),
		jwt.WithIssuer(a.config.Issuer),
		jwt.WithTimeFunc(a.clock),
	)
	if err != nil {
		return Claims{}, err
	}
	if claims.Subject == "" {
		return Claims{}, errMissingSubjectClaim
	}

	result := Claims{AccountID: claims.Subject}
	if claims.IssuedAt != nil {
		result.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		result.ExpiresAt = claims.ExpiresAt.Time
	}
	return result, nil
}
