package gauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// OAuth scopes used by the engine. One access token is cached per scope;
// the warehouse and spreadsheet scopes never share a token.
const (
	ScopeBigQuery     = "https://www.googleapis.com/auth/bigquery"
	ScopeSpreadsheets = "https://www.googleapis.com/auth/spreadsheets.readonly"
)

// earlyExpiry is how long before the real expiry a cached token is
// considered stale and re-fetched.
const earlyExpiry = 60 * time.Second

// Credentials is the subset of a Google service-account JSON file the
// engine needs.
type Credentials struct {
	Type         string `json:"type"`
	ProjectID    string `json:"project_id"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	ClientEmail  string `json:"client_email"`
	TokenURI     string `json:"token_uri"`
}

// Authenticator signs short-lived RS256 JWTs from a service-account
// credential and exchanges them for access tokens, one cached token
// source per scope.
type Authenticator struct {
	creds  Credentials
	client *http.Client

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

// New parses a service-account JSON credential.
func New(raw []byte) (*Authenticator, error) {
	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse service account credentials: %w", err)
	}
	if creds.ClientEmail == "" || creds.PrivateKey == "" {
		return nil, fmt.Errorf("service account credentials missing client_email or private_key")
	}
	if creds.TokenURI == "" {
		creds.TokenURI = "https://oauth2.googleapis.com/token"
	}
	return &Authenticator{
		creds:   creds,
		client:  &http.Client{Timeout: 30 * time.Second},
		sources: make(map[string]oauth2.TokenSource),
	}, nil
}

// ProjectID returns the project the credential belongs to.
func (a *Authenticator) ProjectID() string {
	return a.creds.ProjectID
}

// TokenSource returns the cached token source for scope, creating it on
// first use. Tokens are reused until 60 seconds before expiry.
func (a *Authenticator) TokenSource(scope string) oauth2.TokenSource {
	a.mu.Lock()
	defer a.mu.Unlock()

	if src, ok := a.sources[scope]; ok {
		return src
	}
	src := oauth2.ReuseTokenSourceWithExpiry(nil, &jwtTokenSource{
		creds:  a.creds,
		scope:  scope,
		client: a.client,
	}, earlyExpiry)
	a.sources[scope] = src
	return src
}

type jwtTokenSource struct {
	creds  Credentials
	scope  string
	client *http.Client
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Token signs a one-hour assertion and exchanges it at the token endpoint.
// Failures are returned as-is; callers never retry auth errors.
func (s *jwtTokenSource) Token() (*oauth2.Token, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(s.creds.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse service account private key: %w", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   s.creds.ClientEmail,
		"scope": s.scope,
		"aud":   s.creds.TokenURI,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign auth assertion: %w", err)
	}

	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "POST", s.creds.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("token exchange failed (%d): %s", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token response carried no access_token")
	}

	tokenType := tr.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &oauth2.Token{
		AccessToken: tr.AccessToken,
		TokenType:   tokenType,
		Expiry:      now.Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}
