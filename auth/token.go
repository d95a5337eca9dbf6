// Package auth issues and verifies the bearer tokens that guard the
// collaboration server, and manages the client's current token.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrNoToken is returned when no token has been obtained yet.
var ErrNoToken = errors.New("no token")

// expirySkew treats tokens that are about to expire as already expired.
const expirySkew = 5 * time.Second

// Token is a raw bearer token and its decoded expiry.
type Token struct {
	Raw       string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Decode reads the expiry claim without verifying the signature. Clients use
// it to decide whether a rejection was caused by expiry.
func Decode(raw string) (Token, error) {
	if raw == "" {
		return Token{}, ErrNoToken
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return Token{}, fmt.Errorf("decoding token: %w", err)
	}
	tok := Token{Raw: raw}
	if claims.ExpiresAt != nil {
		tok.ExpiresAt = claims.ExpiresAt.Time
	}
	return tok, nil
}

// IsExpired reports whether tok is unusable at now. A token without a
// decoded expiry counts as expired.
func IsExpired(tok Token, now time.Time) bool {
	if tok.ExpiresAt.IsZero() {
		return true
	}
	return !now.Add(expirySkew).Before(tok.ExpiresAt)
}

// Issuer signs HMAC tokens for a subject.
type Issuer struct {
	key    []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// NewIssuer creates an Issuer. Tokens are valid for ttl.
func NewIssuer(key []byte, ttl time.Duration) *Issuer {
	return &Issuer{key: key, ttl: ttl, issuer: "docsync", now: time.Now}
}

// Issue signs a token for subject.
func (i *Issuer) Issue(subject string) (Token, error) {
	if subject == "" {
		return Token{}, fmt.Errorf("subject is required")
	}
	now := i.now()
	exp := now.Add(i.ttl)
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    i.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return Token{}, fmt.Errorf("signing token: %w", err)
	}
	return Token{Raw: raw, ExpiresAt: exp.Truncate(time.Second)}, nil
}

// Verifier validates tokens signed with the shared key.
type Verifier struct {
	key    []byte
	issuer string
}

// NewVerifier creates a Verifier for tokens from NewIssuer with the same key.
func NewVerifier(key []byte) *Verifier {
	return &Verifier{key: key, issuer: "docsync"}
}

// Verify checks the signature, issuer and expiry and returns the claims.
func (v *Verifier) Verify(raw string) (*jwt.RegisteredClaims, error) {
	if raw == "" {
		return nil, ErrNoToken
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.key, nil
	}, jwt.WithIssuer(v.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}
	return claims, nil
}
