package fhirclient

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenSource yields a bearer token for outbound FHIR requests. An empty
// token means the request goes out unauthenticated.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token (or "" for anonymous access).
type StaticToken string

func (t StaticToken) Token(_ context.Context) (string, error) {
	return string(t), nil
}

// assertionLifetime is the validity window of the signed client assertion
// (SMART App Launch caps it at 5 minutes).
const assertionLifetime = 5 * time.Minute

// expirySkew is subtracted from the cached token's lifetime so a token is
// refreshed before it actually expires mid-request.
const expirySkew = 60 * time.Second

// BackendServicesTokenSource implements the SMART Backend Services
// client-credentials flow: a JWT assertion signed with the registered
// RS384 key is exchanged at the token endpoint for an access token, which
// is cached until shortly before expiry.
type BackendServicesTokenSource struct {
	tokenURL string
	clientID string
	scopes   string
	key      *rsa.PrivateKey
	http     *http.Client

	mu      sync.Mutex
	cached  string
	expires time.Time
}

// NewBackendServicesTokenSource parses the PEM-encoded RSA private key and
// builds a token source for the given registration.
func NewBackendServicesTokenSource(tokenURL, clientID, privateKeyPEM, scopes string) (*BackendServicesTokenSource, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse client private key: %w", err)
	}
	return &BackendServicesTokenSource{
		tokenURL: tokenURL,
		clientID: clientID,
		scopes:   scopes,
		key:      key,
		http:     &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// Token returns a valid access token, exchanging a fresh assertion when the
// cached one is missing or near expiry.
func (s *BackendServicesTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != "" && time.Now().Before(s.expires) {
		return s.cached, nil
	}

	assertion, err := s.signAssertion()
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_assertion_type", "urn:ietf:params:oauth:client-assertion-type:jwt-bearer")
	form.Set("client_assertion", assertion)
	if s.scopes != "" {
		form.Set("scope", s.scopes)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned no access_token")
	}

	lifetime := time.Duration(tok.ExpiresIn) * time.Second
	if lifetime <= expirySkew {
		lifetime = expirySkew + time.Second
	}
	s.cached = tok.AccessToken
	s.expires = time.Now().Add(lifetime - expirySkew)
	return s.cached, nil
}

func (s *BackendServicesTokenSource) signAssertion() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": s.clientID,
		"sub": s.clientID,
		"aud": s.tokenURL,
		"jti": uuid.New().String(),
		"iat": now.Unix(),
		"exp": now.Add(assertionLifetime).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS384, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign client assertion: %w", err)
	}
	return signed, nil
}
