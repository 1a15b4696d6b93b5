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
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/config"
	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/netutil"
	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/secret"
)

// DefaultAPIURL is the public GitHub REST API.
const DefaultAPIURL = "https://api.github.com"

const (
	jwtLifetime = 10 * time.Minute
	jwtBackdate = 60 * time.Second
)

// IssuerConfig configures an Issuer.
type IssuerConfig struct {
	AppID          int64
	InstallationID int64

	// PrivateKeyPEM is the App's RSA key, PKCS#1 or PKCS#8.
	PrivateKeyPEM []byte

	// APIURL defaults to DefaultAPIURL.
	APIURL string

	// HTTPClient defaults to a client with a 30 second timeout.
	HTTPClient *http.Client

	// Now defaults to time.Now.
	Now func() time.Time
}

// Issuer mints installation tokens for one App installation. It is safe
// for concurrent use.
type Issuer struct {
	appID          int64
	installationID int64
	privateKey     *rsa.PrivateKey
	apiURL         string
	httpClient     *http.Client
	now            func() time.Time
}

// NewIssuer parses the private key and returns an Issuer.
func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if cfg.AppID <= 0 || cfg.InstallationID <= 0 {
		return nil, fmt.Errorf("githubapp: app ID and installation ID are required")
	}
	privateKey, err := parsePrivateKey(cfg.PrivateKeyPEM)
	if err != nil {
		return nil, err
	}
	issuer := &Issuer{
		appID:          cfg.AppID,
		installationID: cfg.InstallationID,
		privateKey:     privateKey,
		apiURL:         strings.TrimSuffix(cfg.APIURL, "/"),
		httpClient:     cfg.HTTPClient,
		now:            cfg.Now,
	}
	if issuer.apiURL == "" {
		issuer.apiURL = DefaultAPIURL
	}
	if issuer.httpClient == nil {
		issuer.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if issuer.now == nil {
		issuer.now = time.Now
	}
	return issuer, nil
}

// LoadIssuer builds an Issuer from the github section of the config,
// reading the private key into locked memory for the parse.
func LoadIssuer(cfg *config.GitHubConfig) (*Issuer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("githubapp: no github section in config")
	}
	key, err := secret.ReadFile(cfg.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("githubapp: private key: %w", err)
	}
	defer key.Close()
	return NewIssuer(IssuerConfig{
		AppID:          cfg.AppID,
		InstallationID: cfg.InstallationID,
		PrivateKeyPEM:  key.Bytes(),
		APIURL:         cfg.APIURL,
	})
}

// ScopeFromConfig returns the token scope the config requests.
func ScopeFromConfig(cfg *config.GitHubConfig) Scope {
	if cfg == nil {
		return Scope{}
	}
	return Scope{Repositories: cfg.Repositories, Permissions: cfg.Permissions}
}

// Issue exchanges a fresh App JWT for an installation token limited to
// scope. A response without a token or an expiry is an error.
func (i *Issuer) Issue(ctx context.Context, scope Scope) (*Token, error) {
	jwt, err := i.signJWT()
	if err != nil {
		return nil, fmt.Errorf("githubapp: signing JWT: %w", err)
	}

	body, err := json.Marshal(struct {
		Repositories []string          `json:"repositories,omitempty"`
		Permissions  map[string]string `json:"permissions,omitempty"`
	}{scope.Repositories, scope.Permissions})
	if err != nil {
		return nil, fmt.Errorf("githubapp: encoding request: %w", err)
	}

	url := i.apiURL + "/app/installations/" + strconv.FormatInt(i.installationID, 10) + "/access_tokens"
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("githubapp: creating request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+jwt)
	request.Header.Set("Accept", "application/vnd.github+json")
	request.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	request.Header.Set("Content-Type", "application/json")

	response, err := i.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("githubapp: token exchange: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusCreated {
		return nil, &IssueError{Status: response.StatusCode, Message: errorMessage(netutil.ErrorBody(response.Body))}
	}

	var result struct {
		Token        string            `json:"token"`
		ExpiresAt    *time.Time        `json:"expires_at"`
		Permissions  map[string]string `json:"permissions"`
		Repositories []struct {
			Name string `json:"name"`
		} `json:"repositories"`
	}
	if err := netutil.DecodeResponse(response.Body, &result); err != nil {
		return nil, fmt.Errorf("githubapp: decoding token exchange response: %w", err)
	}
	if result.Token == "" {
		return nil, fmt.Errorf("githubapp: token exchange response has no token")
	}
	if result.ExpiresAt == nil || result.ExpiresAt.IsZero() {
		return nil, fmt.Errorf("githubapp: token exchange response has no expires_at")
	}

	token := &Token{Value: result.Token, ExpiresAt: *result.ExpiresAt, Scope: scope}
	if len(result.Permissions) > 0 {
		token.Scope.Permissions = result.Permissions
	}
	if len(result.Repositories) > 0 {
		token.Scope.Repositories = nil
		for _, repository := range result.Repositories {
			token.Scope.Repositories = append(token.Scope.Repositories, repository.Name)
		}
	}
	return token, nil
}

// signJWT returns an RS256 App JWT:
// base64url(header).base64url(claims).base64url(signature).
func (i *Issuer) signJWT() (string, error) {
	now := i.now()
	header := base64URLEncode([]byte(`{"alg":"RS256","typ":"JWT"}`))
	claims, err := json.Marshal(struct {
		IssuedAt  int64  `json:"iat"`
		ExpiresAt int64  `json:"exp"`
		Issuer    string `json:"iss"`
	}{
		IssuedAt:  now.Add(-jwtBackdate).Unix(),
		ExpiresAt: now.Add(jwtLifetime).Unix(),
		Issuer:    strconv.FormatInt(i.appID, 10),
	})
	if err != nil {
		return "", err
	}
	signingInput := header + "." + base64URLEncode(claims)
	digest := sha256.Sum256([]byte(signingInput))
	signature, err := rsa.SignPKCS1v15(rand.Reader, i.privateKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", err
	}
	return signingInput + "." + base64URLEncode(signature), nil
}

func parsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("githubapp: private key is not PEM")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("githubapp: parsing private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("githubapp: private key is %T, want RSA", parsed)
	}
	return key, nil
}

// errorMessage extracts the "message" field GitHub puts in error bodies,
// falling back to the raw body.
func errorMessage(body string) string {
	var parsed struct {
		Message string `json:"message"`
	}
	if json.Unmarshal([]byte(body), &parsed) == nil && parsed.Message != "" {
		return parsed.Message
	}
	return strings.TrimSpace(body)
}

func base64URLEncode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}
