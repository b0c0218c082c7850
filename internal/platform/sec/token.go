// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

// Package sec provides cryptographic primitives and token management.
//
// # Architecture
//
// This package isolates security-sensitive code (Hashing, JWT Signing, random
// code generation) from the domain logic. It acts as an Infrastructure service
// injected into the Application layer via small interfaces.
package sec

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims represents the payload embedded inside a bearer session token.
//
// # Why embed IDs in the token?
//
// The SessionID and TokenID let [session.Manager.Resolve] verify the token in
// one store read: the signature proves authenticity, and the stored current
// TokenID proves the token has not been rotated away by a logout. A rotated
// token still carries a valid signature but a stale TokenID, so it fails
// resolution immediately.
type SessionClaims struct {
	jwt.RegisteredClaims

	// Custom application claims are abbreviated to keep the token small.
	SessionID string `json:"sid"`
	UserID    string `json:"uid"`
	TokenID   string `json:"tid"`
}

// Actor is the resolved caller of a request: the session claims checked
// against the session store, plus the user's guest state. It is attached to
// the request context by the authentication middleware.
//
// Actor lives here rather than in the session package so that the platform
// layers (context helpers, request parsing, middleware) can name the type
// without importing domain packages.
type Actor struct {
	SessionID string
	UserID    string
	TokenID   string

	// Guest is true until the user confirms a first credential.
	Guest bool
}

// TokenService handles generation and verification of session tokens using HS256.
//
// Session tokens are always resolved against the session store, so a shared
// HMAC secret gives the same guarantees here as an RSA key pair would, with
// simpler operational rotation.
type TokenService struct {
	secret []byte
	issuer string
}

// NewTokenService creates a new TokenService signing with the given secret.
func NewTokenService(secret, issuer string) (*TokenService, error) {
	if secret == "" {
		return nil, fmt.Errorf("sec: session secret must not be empty")
	}
	return &TokenService{secret: []byte(secret), issuer: issuer}, nil
}

// GenerateSessionToken creates a new signed bearer token for a session.
func (service *TokenService) GenerateSessionToken(sessionID, userID, tokenID string) (string, error) {
	currentTime := time.Now()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			Issuer:   service.issuer,
			IssuedAt: jwt.NewNumericDate(currentTime),
		},
		SessionID: sessionID,
		UserID:    userID,
		TokenID:   tokenID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(service.secret)
	if err != nil {
		return "", fmt.Errorf("sec: failed to sign token: %w", err)
	}

	return signedToken, nil
}

// VerifySessionToken checks the signature of a bearer token string and
// returns its claims.
//
// A successful verification only proves the token was minted by this server;
// the caller must still check the TokenID against the session store to detect
// rotated (logged-out) tokens.
func (service *TokenService) VerifySessionToken(tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("sec: unexpected signing method: %v", token.Header["alg"])
		}
		return service.secret, nil
	})

	if err != nil {
		return nil, fmt.Errorf("sec: invalid token: %w", err)
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("sec: invalid token claims")
	}

	return claims, nil
}
