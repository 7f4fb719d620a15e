// Package token issues the secrets handed to candidates and hiring backends.
//
// Session and verification tokens are opaque random strings. Only their
// HMAC digest is persisted, so the store can look an attempt up by token
// without ever holding the token itself. Redirect tokens are signed JWTs
// that can be resolved without a database round trip.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"

	"github.com/dukerupert/hireproof/internal/clock"
)

const (
	// MinSecretLength is the shortest secret New accepts.
	MinSecretLength = 32

	randomBytes = 32

	sessionPrefix      = "hps_"
	verificationPrefix = "hpv_"

	redirectIssuer = "hireproof"
)

var (
	ErrMalformed = errors.New("malformed token")
	ErrExpired   = errors.New("token expired")
)

// Service issues and checks tokens. It is safe for concurrent use as long
// as its random source is.
type Service struct {
	hashKey     []byte
	signKey     []byte
	random      io.Reader
	clock       clock.Clock
	redirectTTL time.Duration
}

// New derives independent hashing and signing keys from secret.
func New(secret string, clk clock.Clock, random io.Reader, redirectTTL time.Duration) (*Service, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("token secret must be at least %d bytes", MinSecretLength)
	}
	hashKey, err := deriveKey(secret, "hireproof token digest v1")
	if err != nil {
		return nil, err
	}
	signKey, err := deriveKey(secret, "hireproof redirect signing v1")
	if err != nil {
		return nil, err
	}
	return &Service{
		hashKey:     hashKey,
		signKey:     signKey,
		random:      random,
		clock:       clk,
		redirectTTL: redirectTTL,
	}, nil
}

func deriveKey(secret, info string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", info, err)
	}
	return key, nil
}

// Hash returns the digest under which a token is stored.
func (s *Service) Hash(token string) string {
	mac := hmac.New(sha256.New, s.hashKey)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Service) random32(prefix string) (string, error) {
	b := make([]byte, randomBytes)
	if _, err := io.ReadFull(s.random, b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// Issued is a freshly minted opaque token with its storage digest.
type Issued struct {
	Token     string
	Hash      string
	ExpiresAt time.Time
}

// NewSessionToken mints the token a candidate uses to submit answers.
func (s *Service) NewSessionToken() (Issued, error) {
	tok, err := s.random32(sessionPrefix)
	if err != nil {
		return Issued{}, err
	}
	return Issued{Token: tok, Hash: s.Hash(tok)}, nil
}

// IssueVerificationToken mints proof of a pass valid for ttl. Uniqueness is
// enforced by the store; callers retry on a collision.
func (s *Service) IssueVerificationToken(ttl time.Duration) (Issued, error) {
	if ttl <= 0 {
		return Issued{}, fmt.Errorf("verification token ttl must be positive, got %s", ttl)
	}
	tok, err := s.random32(verificationPrefix)
	if err != nil {
		return Issued{}, err
	}
	return Issued{Token: tok, Hash: s.Hash(tok), ExpiresAt: s.clock.Now().Add(ttl)}, nil
}

// WellFormedVerificationToken reports whether tok could have been minted by
// IssueVerificationToken. It lets callers reject garbage before a lookup.
func WellFormedVerificationToken(tok string) bool {
	body, ok := strings.CutPrefix(tok, verificationPrefix)
	if !ok {
		return false
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	return err == nil && len(raw) == randomBytes
}

// WellFormedSessionToken is WellFormedVerificationToken for session tokens.
func WellFormedSessionToken(tok string) bool {
	body, ok := strings.CutPrefix(tok, sessionPrefix)
	if !ok {
		return false
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	return err == nil && len(raw) == randomBytes
}

// Destinations are where a candidate is sent after the quiz.
type Destinations struct {
	Success string `json:"success,omitempty"`
	Failure string `json:"failure,omitempty"`
}

// For picks the destination for an outcome.
func (d Destinations) For(passed bool) string {
	if passed {
		return d.Success
	}
	return d.Failure
}

type redirectClaims struct {
	Destinations
	jwt.RegisteredClaims
}

// IssueRedirectToken signs d for later resolution by ParseRedirectToken.
func (s *Service) IssueRedirectToken(d Destinations) (string, error) {
	if d.Success == "" && d.Failure == "" {
		return "", fmt.Errorf("redirect token needs at least one destination")
	}
	now := s.clock.Now()
	claims := redirectClaims{
		Destinations: d,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    redirectIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.redirectTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signKey)
	if err != nil {
		return "", fmt.Errorf("sign redirect token: %w", err)
	}
	return signed, nil
}

// ParseRedirectToken checks the signature and expiry of a redirect token.
func (s *Service) ParseRedirectToken(tok string) (Destinations, error) {
	claims, err := s.parseRedirect(tok, jwt.WithExpirationRequired(), jwt.WithTimeFunc(s.clock.Now))
	if errors.Is(err, jwt.ErrTokenExpired) {
		return Destinations{}, ErrExpired
	}
	if err != nil {
		return Destinations{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return claims.Destinations, nil
}

// RefreshRedirectToken re-signs the destinations of a token this service
// issued with a fresh expiry. The old token may already have expired.
func (s *Service) RefreshRedirectToken(tok string) (string, error) {
	claims, err := s.parseRedirect(tok, jwt.WithoutClaimsValidation())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if claims.Issuer != redirectIssuer {
		return "", fmt.Errorf("%w: unexpected issuer %q", ErrMalformed, claims.Issuer)
	}
	return s.IssueRedirectToken(claims.Destinations)
}

func (s *Service) parseRedirect(tok string, opts ...jwt.ParserOption) (*redirectClaims, error) {
	claims := &redirectClaims{}
	opts = append(opts, jwt.WithIssuer(redirectIssuer))
	_, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signKey, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return claims, nil
}
