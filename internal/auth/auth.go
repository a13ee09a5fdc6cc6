// Copyright 2026 The Polyad Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package auth issues and verifies the JWT access tokens guarding the HTTP
// API, checks passwords against the configured user set and enforces the
// role hierarchy.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/polyadai/polyad/internal/config"
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrInvalidToken       = errors.New("auth: invalid token")
	ErrExpiredToken       = errors.New("auth: token expired")
)

// roleHierarchy maps each role to the roles it subsumes.
var roleHierarchy = map[string][]string{
	"admin":   {"manager", "user", "guest"},
	"manager": {"user", "guest"},
	"user":    {"guest"},
	"guest":   {},
}

// Claims is the token payload.
type Claims struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// TokenPair is what a successful login returns.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Manager authenticates users and mints tokens.
type Manager struct {
	secret   []byte
	tokenTTL time.Duration
	users    map[string]config.UserConfig

	// dummyHash is compared against when the user does not exist, so
	// lookups take the same time either way.
	dummyHash []byte

	now func() time.Time
}

// NewManager builds a manager from configuration. Without a configured secret
// a random one is generated, which invalidates tokens across restarts.
func NewManager(cfg *config.AuthConfig) (*Manager, error) {
	if cfg == nil {
		def := config.DefaultConfig().Auth
		cfg = &def
	}

	secret := cfg.JWTSecret
	if secret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("auth: failed to generate secret: %w", err)
		}
		secret = hex.EncodeToString(buf)
		log.Warn("No JWT secret configured, generated an ephemeral one")
	}

	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	users := make(map[string]config.UserConfig, len(cfg.Users))
	for _, u := range cfg.Users {
		if u.Username == "" || u.PasswordHash == "" {
			return nil, fmt.Errorf("auth: user entries need both username and password-hash")
		}
		users[u.Username] = u
	}

	dummy, err := bcrypt.GenerateFromPassword([]byte("polyad-no-such-user"), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to prepare dummy hash: %w", err)
	}

	return &Manager{
		secret:    []byte(secret),
		tokenTTL:  ttl,
		users:     users,
		dummyHash: dummy,
		now:       time.Now,
	}, nil
}

// Authenticate checks a username/password pair and returns the user's roles.
func (m *Manager) Authenticate(username, password string) ([]string, error) {
	u, ok := m.users[username]
	if !ok {
		bcrypt.CompareHashAndPassword(m.dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	roles := u.Roles
	if len(roles) == 0 {
		roles = []string{"user"}
	}
	return roles, nil
}

// IssueTokens mints an access/refresh token pair for the user.
func (m *Manager) IssueTokens(username string, roles []string) (*TokenPair, error) {
	now := m.now()

	access, err := m.sign(&Claims{
		Username: username,
		Roles:    roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenTTL)),
		},
	})
	if err != nil {
		return nil, err
	}

	refresh, err := m.sign(&Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(24 * m.tokenTTL)),
		},
	})
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int64(m.tokenTTL.Seconds()),
	}, nil
}

func (m *Manager) sign(claims *Claims) (string, error) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("auth: failed to sign token: %w", err)
	}
	return token, nil
}

// Verify parses and validates a token, returning its claims.
func (m *Manager) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return m.now() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Refresh exchanges a valid refresh token for a new pair.
func (m *Manager) Refresh(refreshToken string) (*TokenPair, error) {
	claims, err := m.Verify(refreshToken)
	if err != nil {
		return nil, err
	}

	u, ok := m.users[claims.Username]
	if !ok {
		return nil, ErrInvalidCredentials
	}
	roles := u.Roles
	if len(roles) == 0 {
		roles = []string{"user"}
	}
	return m.IssueTokens(claims.Username, roles)
}

// HasRole reports whether any of the held roles satisfies the required one,
// directly or through the hierarchy.
func HasRole(held []string, required string) bool {
	for _, r := range held {
		if r == required {
			return true
		}
		for _, sub := range roleHierarchy[r] {
			if sub == required {
				return true
			}
		}
	}
	return false
}

// HashPassword produces a bcrypt hash for config files.
func HashPassword(password string) (string, error) {
	out, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: failed to hash password: %w", err)
	}
	return string(out), nil
}
