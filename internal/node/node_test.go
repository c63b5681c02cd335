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

package node

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blinklabs-io/duet/auth"
	"github.com/blinklabs-io/duet/connmanager"
	"github.com/blinklabs-io/duet/internal/config"
	"github.com/blinklabs-io/duet/internal/test/fakeserver"
)

func TestTokenProvider(t *testing.T) {
	p, err := TokenProvider(&config.Config{Token: "abc"})
	require.NoError(t, err)
	assert.IsType(t, &auth.StaticTokenProvider{}, p)

	tokenFile := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(tokenFile, []byte("from-file\n"), 0o600))
	p, err = TokenProvider(&config.Config{TokenFile: tokenFile})
	require.NoError(t, err)
	token, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from-file", token)

	_, err = TokenProvider(&config.Config{})
	require.Error(t, err)
}

func TestSessionOptionsRequireServer(t *testing.T) {
	_, err := SessionOptions(&config.Config{Token: "abc"}, slog.Default())
	require.Error(t, err)
}

func TestNewSessionSignsIn(t *testing.T) {
	srv := fakeserver.New()
	srv.AddToken("secret")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	cfg := &config.Config{
		ServerURL:   "ws" + strings.TrimPrefix(ts.URL, "http"),
		UserID:      "alice",
		Token:       "secret",
		DataDir:     t.TempDir(),
		StorePlugin: "sqlite",
		AckTimeout:  time.Second,
	}
	s, err := NewSession(cfg, slog.Default())
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Stop()) }()
	require.NoError(t, s.SignIn(context.Background()))
	assert.Equal(t, connmanager.StateConnected, s.State())
	assert.True(t, srv.Connected("alice"))
}
