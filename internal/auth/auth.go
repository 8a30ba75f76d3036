// Package auth validates client credentials for the chat services. A
// credential is an HMAC-signed JWT whose subject is the participant id;
// both the REST API middleware and the relay's setup handler use the same
// validator.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidCredential is returned for tokens that fail signature,
// expiration, or claim checks.
var ErrInvalidCredential = errors.New("auth: invalid credential")

// Validator issues and validates participant tokens.
type Validator struct {
	secret []byte
	issuer string
}

// NewValidator creates a Validator signing with the given secret.
func NewValidator(secret string) *Validator {
	return &Validator{
		secret: []byte(secret),
		issuer: "parley",
	}
}

// Issue creates a signed token for a participant, valid for ttl.
func (v *Validator) Issue(participantID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   participantID,
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Validate checks a credential and returns the participant id it was issued
// for. Any failure (bad signature, expired, wrong algorithm, empty subject)
// yields ErrInvalidCredential.
func (v *Validator) Validate(credential string) (string, error) {
	token, err := jwt.ParseWithClaims(credential, &jwt.RegisteredClaims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method %v", token.Header["alg"])
			}
			return v.secret, nil
		})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", ErrInvalidCredential
	}
	return claims.Subject, nil
}
