// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package githubapp

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/config"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func privateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		testKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
	})
	return testKey
}

func pkcs1PEM(t *testing.T) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey(t))})
}

var fixedNow = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

type exchange struct {
	path          string
	authorization string
	body          map[string]any
}

func tokenServer(t *testing.T, status int, response string) (*httptest.Server, *exchange) {
	t.Helper()
	seen := &exchange{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.path = r.URL.Path
		seen.authorization = r.Header.Get("Authorization")
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &seen.body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, response)
	}))
	t.Cleanup(server.Close)
	return server, seen
}

func newIssuer(t *testing.T, server *httptest.Server) *Issuer {
	t.Helper()
	issuer, err := NewIssuer(IssuerConfig{
		AppID:          4242,
		InstallationID: 77,
		PrivateKeyPEM:  pkcs1PEM(t),
		APIURL:         server.URL + "/",
		HTTPClient:     server.Client(),
		Now:            func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	return issuer
}

func TestIssue(t *testing.T) {
	server, seen := tokenServer(t, http.StatusCreated, `{
		"token": "ghs_scopedtoken",
		"expires_at": "2026-10-14T13:00:00Z",
		"permissions": {"contents": "write"},
		"repositories": [{"name": "godot-game"}]
	}`)
	issuer := newIssuer(t, server)

	token, err := issuer.Issue(context.Background(), Scope{
		Repositories: []string{"godot-game"},
		Permissions:  map[string]string{"contents": "write"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ghs_scopedtoken", token.Value)
	assert.Equal(t, time.Date(2026, 10, 14, 13, 0, 0, 0, time.UTC), token.ExpiresAt.UTC())
	assert.Equal(t, []string{"godot-game"}, token.Scope.Repositories)
	assert.Equal(t, map[string]string{"contents": "write"}, token.Scope.Permissions)

	assert.Equal(t, "/app/installations/77/access_tokens", seen.path)
	assert.Equal(t, []any{"godot-game"}, seen.body["repositories"])
	assert.Equal(t, map[string]any{"contents": "write"}, seen.body["permissions"])

	require.True(t, strings.HasPrefix(seen.authorization, "Bearer "))
	parts := strings.Split(strings.TrimPrefix(seen.authorization, "Bearer "), ".")
	require.Len(t, parts, 3)

	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	require.NoError(t, err)
	digest := sha256.Sum256([]byte(parts[0] + "." + parts[1]))
	require.NoError(t, rsa.VerifyPKCS1v15(&privateKey(t).PublicKey, crypto.SHA256, digest[:], signature))

	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	var claims struct {
		IssuedAt  int64  `json:"iat"`
		ExpiresAt int64  `json:"exp"`
		Issuer    string `json:"iss"`
	}
	require.NoError(t, json.Unmarshal(claimsJSON, &claims))
	assert.Equal(t, "4242", claims.Issuer)
	assert.Equal(t, fixedNow.Add(-60*time.Second).Unix(), claims.IssuedAt)
	assert.Equal(t, fixedNow.Add(10*time.Minute).Unix(), claims.ExpiresAt)
}

func TestIssueFailures(t *testing.T) {
	server, _ := tokenServer(t, http.StatusNotFound, `{"message": "Not Found", "documentation_url": "https://docs.github.com"}`)
	_, err := newIssuer(t, server).Issue(context.Background(), Scope{})
	var issueError *IssueError
	require.True(t, errors.As(err, &issueError), "error %v", err)
	assert.Equal(t, http.StatusNotFound, issueError.Status)
	assert.Equal(t, "Not Found", issueError.Message)

	for name, response := range map[string]string{
		"no token":  `{"expires_at": "2026-10-14T13:00:00Z"}`,
		"no expiry": `{"token": "ghs_x"}`,
		"not json":  `<html>`,
	} {
		server, _ := tokenServer(t, http.StatusCreated, response)
		token, err := newIssuer(t, server).Issue(context.Background(), Scope{})
		assert.Error(t, err, name)
		assert.Nil(t, token, name)
	}
}

func TestNewIssuerKeyFormats(t *testing.T) {
	pkcs8, err := x509.MarshalPKCS8PrivateKey(privateKey(t))
	require.NoError(t, err)
	_, err = NewIssuer(IssuerConfig{
		AppID: 1, InstallationID: 1,
		PrivateKeyPEM: pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}),
	})
	assert.NoError(t, err)

	_, err = NewIssuer(IssuerConfig{AppID: 1, InstallationID: 1, PrivateKeyPEM: []byte("not pem")})
	assert.ErrorContains(t, err, "not PEM")

	_, err = NewIssuer(IssuerConfig{PrivateKeyPEM: pkcs1PEM(t)})
	assert.Error(t, err)
}

func TestLoadIssuer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.pem")
	require.NoError(t, os.WriteFile(path, pkcs1PEM(t), 0o600))

	issuer, err := LoadIssuer(&config.GitHubConfig{AppID: 9, InstallationID: 10, PrivateKeyFile: path})
	require.NoError(t, err)
	assert.Equal(t, DefaultAPIURL, issuer.apiURL)
	assert.True(t, issuer.privateKey.Equal(privateKey(t)))

	_, err = LoadIssuer(nil)
	assert.Error(t, err)
	_, err = LoadIssuer(&config.GitHubConfig{AppID: 9, InstallationID: 10, PrivateKeyFile: path + ".missing"})
	assert.Error(t, err)

	scope := ScopeFromConfig(&config.GitHubConfig{Repositories: []string{"godot-game"}})
	assert.Equal(t, []string{"godot-game"}, scope.Repositories)
}

func TestTokenLifetime(t *testing.T) {
	token := &Token{Value: "ghs_x", ExpiresAt: fixedNow.Add(time.Hour)}

	assert.Equal(t, time.Hour, token.ExpiresIn(fixedNow))
	assert.Equal(t, time.Duration(0), token.ExpiresIn(fixedNow.Add(2*time.Hour)))
	assert.False(t, token.NeedsRefresh(fixedNow, 0))
	assert.False(t, token.NeedsRefresh(fixedNow.Add(49*time.Minute), 0))
	assert.True(t, token.NeedsRefresh(fixedNow.Add(50*time.Minute), 0))
	assert.True(t, token.NeedsRefresh(fixedNow, 2*time.Hour))
}

func TestTokenIsRedacted(t *testing.T) {
	token := &Token{Value: "ghs_supersecret", ExpiresAt: fixedNow}

	var output bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&output, nil))
	logger.Info("issued", "token", token)
	assert.NotContains(t, output.String(), "ghs_supersecret")
	assert.Contains(t, output.String(), "[redacted]")

	assert.NotContains(t, token.String(), "ghs_supersecret")
}
