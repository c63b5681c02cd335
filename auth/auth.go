// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth supplies bearer tokens for the delivery server. Acquiring a
// token is up to the identity provider; these providers only hand over a
// token that was already issued.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// TokenProvider returns the current bearer token or an error wrapping
// ErrUnauthenticated
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// TokenProviderFunc adapts a function to a TokenProvider
type TokenProviderFunc func(ctx context.Context) (string, error)

func (f TokenProviderFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticTokenProvider always returns the same token
type StaticTokenProvider struct {
	token string
	now   func() time.Time
}

func NewStaticTokenProvider(token string) *StaticTokenProvider {
	return &StaticTokenProvider{token: token, now: time.Now}
}

func (p *StaticTokenProvider) Token(context.Context) (string, error) {
	return checkToken(p.token, p.now())
}

// FileTokenProvider reads the token from a file on every call so an external
// process can refresh it
type FileTokenProvider struct {
	path string
	now  func() time.Time
}

func NewFileTokenProvider(path string) *FileTokenProvider {
	return &FileTokenProvider{path: path, now: time.Now}
}

func (p *FileTokenProvider) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: token file %s not found", ErrUnauthenticated, p.path)
		}
		return "", fmt.Errorf("read token file: %w", err)
	}
	return checkToken(string(data), p.now())
}

// checkToken rejects empty tokens and JWTs past their expiry. Opaque tokens
// are passed through for the server to judge.
func checkToken(token string, now time.Time) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: no token", ErrUnauthenticated)
	}
	exp, ok := Expiry(token)
	if ok && !now.Before(exp) {
		return "", fmt.Errorf("%w: token expired at %s", ErrUnauthenticated, exp.Format(time.RFC3339))
	}
	return token, nil
}

// Expiry returns the exp claim of a JWT without verifying its signature
func Expiry(token string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	_, _, err := jwt.NewParser().ParseUnverified(token, &claims)
	if err != nil || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Subject returns the sub claim of a JWT without verifying its signature
func Subject(token string) (string, bool) {
	var claims jwt.RegisteredClaims
	_, _, err := jwt.NewParser().ParseUnverified(token, &claims)
	if err != nil || claims.Subject == "" {
		return "", false
	}
	return claims.Subject, true
}
