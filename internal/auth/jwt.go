// SPDX-License-Identifier: MIT

// Package auth verifies the HS256 bearer tokens accepted by the gateway and
// the HTTP API. Verification is strict: the signature is checked before any
// claim is parsed, alg=none and non-HS256 headers are rejected, and time
// claims are enforced with a small fixed skew.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Skew is the clock-drift tolerance applied to exp and nbf.
const Skew = 5 * time.Second

// Verification failures, ordered roughly by when they can occur. Callers
// map all of them to a 401 or websocket close 1008; the distinction is for
// logs and tests.
var (
	ErrTokenMissing   = errors.New("auth: token missing")
	ErrTokenMalformed = errors.New("auth: token malformed")
	ErrInvalidAlg     = errors.New("auth: invalid algorithm, must be HS256")
	ErrInvalidSig     = errors.New("auth: invalid signature")
	ErrMissingExp     = errors.New("auth: missing exp claim")
	ErrMissingNbf     = errors.New("auth: missing nbf claim")
	ErrMissingSubject = errors.New("auth: missing user_id claim")
	ErrTokenExpired   = errors.New("auth: token expired")
	ErrTokenNotActive = errors.New("auth: token not yet active")
	ErrIssuerMismatch = errors.New("auth: issuer mismatch")
)

// Claims is the accepted token payload.
type Claims struct {
	UserID           string `json:"user_id"`
	Email            string `json:"email,omitempty"`
	SubscriptionTier string `json:"subscription_tier,omitempty"`
	Issuer           string `json:"iss,omitempty"`
	TokenID          string `json:"jti,omitempty"`
	ExpiresAt        int64  `json:"exp"`
	NotBefore        int64  `json:"nbf"`
}

type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// Verifier checks tokens against one shared secret and expected issuer.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier rejects an empty secret: running the gateway without one
// would accept forged tokens.
func NewVerifier(secret []byte, issuer string) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: empty signing secret")
	}
	return &Verifier{secret: secret, issuer: issuer}, nil
}

// Verify validates the token against the current clock.
func (v *Verifier) Verify(token string) (*Claims, error) {
	return v.VerifyAt(token, time.Now())
}

// VerifyAt is Verify with an injected clock, for deterministic tests.
func (v *Verifier) VerifyAt(token string, now time.Time) (*Claims, error) {
	if token == "" {
		return nil, ErrTokenMissing
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrTokenMalformed
	}

	// Signature first, so claim parsing never runs on unauthenticated input.
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(parts[0] + "." + parts[1]))
	want := mac.Sum(nil)
	got, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidSig
	}
	if !hmac.Equal(want, got) {
		return nil, ErrInvalidSig
	}

	rawHeader, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrTokenMalformed
	}
	var h header
	if err := json.Unmarshal(rawHeader, &h); err != nil {
		return nil, ErrTokenMalformed
	}
	if h.Alg != "HS256" {
		return nil, ErrInvalidAlg
	}

	rawClaims, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrTokenMalformed
	}
	var c Claims
	if err := json.Unmarshal(rawClaims, &c); err != nil {
		return nil, ErrTokenMalformed
	}

	if c.ExpiresAt == 0 {
		return nil, ErrMissingExp
	}
	if c.NotBefore == 0 {
		return nil, ErrMissingNbf
	}
	if c.UserID == "" {
		return nil, ErrMissingSubject
	}

	skew := int64(Skew.Seconds())
	ts := now.Unix()
	if ts < c.NotBefore-skew {
		return nil, ErrTokenNotActive
	}
	if ts > c.ExpiresAt+skew {
		return nil, ErrTokenExpired
	}

	if v.issuer != "" && c.Issuer != v.issuer {
		return nil, ErrIssuerMismatch
	}
	return &c, nil
}

// Sign produces an HS256 token for the claims. Used by tests and by
// operator tooling that mints session tokens.
func Sign(secret []byte, claims Claims) (string, error) {
	rawHeader, err := json.Marshal(header{Alg: "HS256", Typ: "JWT"})
	if err != nil {
		return "", err
	}
	rawClaims, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	payload := base64.RawURLEncoding.EncodeToString(rawHeader) +
		"." + base64.RawURLEncoding.EncodeToString(rawClaims)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	return payload + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}
