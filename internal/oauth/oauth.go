// Package oauth implements the OAuth 2.1 subset the gateway accepts:
// dynamic client registration, authorization-code grant with PKCE,
// refresh-token rotation, and token revocation. A granted access token maps
// 1:1 to an API key through the client registration's APIKeyRef.
package oauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/mbd888/paygate/internal/idgen"
)

// Errors
var (
	ErrClientNotFound    = errors.New("oauth: unknown client")
	ErrBadClientSecret   = errors.New("oauth: client secret mismatch")
	ErrBadRedirectURI    = errors.New("oauth: redirect_uri not registered")
	ErrCodeInvalid       = errors.New("oauth: authorization code invalid or expired")
	ErrPKCERequired      = errors.New("oauth: code_challenge is required")
	ErrPKCEMismatch      = errors.New("oauth: code_verifier does not match challenge")
	ErrTokenInvalid      = errors.New("oauth: token invalid, expired, or revoked")
	ErrUnsupportedMethod = errors.New("oauth: unsupported code_challenge_method")
)

// Lifetimes.
const (
	codeTTL        = 60 * time.Second
	accessTokenTTL = time.Hour
)

// Client is a registered OAuth client.
type Client struct {
	ID           string    `json:"clientId"`
	Secret       string    `json:"clientSecret"`
	RedirectURIs []string  `json:"redirectUris"`
	Scopes       []string  `json:"scopes,omitempty"`
	APIKeyRef    string    `json:"apiKeyRef"` // key minted tokens resolve to
	CreatedAt    time.Time `json:"createdAt"`
}

// authCode is a single-use grant bound to its client, redirect URI, and
// PKCE challenge.
type authCode struct {
	ClientID        string    `json:"clientId"`
	RedirectURI     string    `json:"redirectUri"`
	Challenge       string    `json:"challenge"`
	ChallengeMethod string    `json:"challengeMethod"` // "S256" or "plain"
	Scope           string    `json:"scope,omitempty"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

// grant is the stored state behind an access token (keyed by token hash).
type grant struct {
	APIKey    string    `json:"apiKey"`
	Scope     string    `json:"scope,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// refreshGrant is the stored state behind a refresh token.
type refreshGrant struct {
	ClientID string `json:"clientId"`
	APIKey   string `json:"apiKey"`
	Scope    string `json:"scope,omitempty"`
}

// TokenResponse is the token endpoint payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Provider holds all OAuth state. Tokens are stored by SHA-256 hash so a
// presented token is located without comparing secret material directly.
type Provider struct {
	mu       sync.Mutex
	clients  map[string]*Client
	codes    map[string]*authCode     // code → grant-in-waiting
	access   map[string]*grant        // sha256(token) → grant
	refresh  map[string]*refreshGrant // sha256(token) → grant

	now func() time.Time // test hook
}

// NewProvider creates an empty provider.
func NewProvider() *Provider {
	return &Provider{
		clients: make(map[string]*Client),
		codes:   make(map[string]*authCode),
		access:  make(map[string]*grant),
		refresh: make(map[string]*refreshGrant),
		now:     time.Now,
	}
}

// RegisterClient performs dynamic client registration.
func (p *Provider) RegisterClient(redirectURIs, scopes []string, apiKeyRef string) *Client {
	client := &Client{
		ID:           idgen.WithPrefix("oac_"),
		Secret:       idgen.Hex(32),
		RedirectURIs: append([]string(nil), redirectURIs...),
		Scopes:       append([]string(nil), scopes...),
		APIKeyRef:    apiKeyRef,
		CreatedAt:    p.now(),
	}
	p.mu.Lock()
	p.clients[client.ID] = client
	p.mu.Unlock()
	return client
}

// Client returns a registered client by id.
func (p *Provider) Client(clientID string) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	client, ok := p.clients[clientID]
	if !ok {
		return nil, ErrClientNotFound
	}
	cp := *client
	return &cp, nil
}

// Authorize issues a single-use authorization code. PKCE is mandatory;
// "S256" and "plain" are the accepted methods.
func (p *Provider) Authorize(clientID, redirectURI, challenge, method, scope string) (string, error) {
	if challenge == "" {
		return "", ErrPKCERequired
	}
	if method != "S256" && method != "plain" {
		return "", ErrUnsupportedMethod
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	client, ok := p.clients[clientID]
	if !ok {
		return "", ErrClientNotFound
	}
	if !containsString(client.RedirectURIs, redirectURI) {
		return "", ErrBadRedirectURI
	}

	code := idgen.WithPrefix("oacode_")
	p.codes[code] = &authCode{
		ClientID:        clientID,
		RedirectURI:     redirectURI,
		Challenge:       challenge,
		ChallengeMethod: method,
		Scope:           scope,
		ExpiresAt:       p.now().Add(codeTTL),
	}
	return code, nil
}

// Exchange redeems an authorization code for tokens. The code is consumed
// whether or not the exchange succeeds; a replayed code must never work.
func (p *Provider) Exchange(clientID, clientSecret, code, redirectURI, verifier string) (*TokenResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	client, ok := p.clients[clientID]
	if !ok {
		return nil, ErrClientNotFound
	}
	if subtle.ConstantTimeCompare([]byte(client.Secret), []byte(clientSecret)) != 1 {
		return nil, ErrBadClientSecret
	}

	ac, ok := p.codes[code]
	delete(p.codes, code) // single use
	if !ok || p.now().After(ac.ExpiresAt) {
		return nil, ErrCodeInvalid
	}
	if ac.ClientID != clientID || ac.RedirectURI != redirectURI {
		return nil, ErrCodeInvalid
	}
	if !verifyPKCE(ac.Challenge, ac.ChallengeMethod, verifier) {
		return nil, ErrPKCEMismatch
	}

	return p.mintLocked(client, ac.Scope), nil
}

// Refresh rotates a refresh token: the presented token is invalidated and a
// fresh access/refresh pair is returned.
func (p *Provider) Refresh(clientID, refreshToken string) (*TokenResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	client, ok := p.clients[clientID]
	if !ok {
		return nil, ErrClientNotFound
	}

	h := hashToken(refreshToken)
	rg, ok := p.refresh[h]
	if !ok || rg.ClientID != clientID {
		return nil, ErrTokenInvalid
	}
	delete(p.refresh, h)

	return p.mintLocked(client, rg.Scope), nil
}

// mintLocked issues an access/refresh pair for the client's API key.
func (p *Provider) mintLocked(client *Client, scope string) *TokenResponse {
	access := idgen.WithPrefix("oat_")
	refresh := idgen.WithPrefix("oart_")

	p.access[hashToken(access)] = &grant{
		APIKey:    client.APIKeyRef,
		Scope:     scope,
		ExpiresAt: p.now().Add(accessTokenTTL),
	}
	p.refresh[hashToken(refresh)] = &refreshGrant{
		ClientID: client.ID,
		APIKey:   client.APIKeyRef,
		Scope:    scope,
	}

	return &TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(accessTokenTTL.Seconds()),
		RefreshToken: refresh,
		Scope:        scope,
	}
}

// Validate resolves a presented bearer token to its API key. Lookup is by
// token hash, so no comparison over secret material depends on its content.
func (p *Provider) Validate(token string) (apiKey, scope string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	g, ok := p.access[hashToken(token)]
	if !ok || p.now().After(g.ExpiresAt) {
		return "", "", ErrTokenInvalid
	}
	return g.APIKey, g.Scope, nil
}

// Revoke invalidates an access or refresh token immediately. Unknown tokens
// are a no-op, per RFC 7009.
func (p *Provider) Revoke(token string) {
	h := hashToken(token)
	p.mu.Lock()
	delete(p.access, h)
	delete(p.refresh, h)
	p.mu.Unlock()
}

// pruneLocked drops expired codes and access grants. Called from Export so
// the snapshot never accretes garbage.
func (p *Provider) pruneLocked() {
	now := p.now()
	for code, ac := range p.codes {
		if now.After(ac.ExpiresAt) {
			delete(p.codes, code)
		}
	}
	for h, g := range p.access {
		if now.After(g.ExpiresAt) {
			delete(p.access, h)
		}
	}
}

func verifyPKCE(challenge, method, verifier string) bool {
	switch method {
	case "S256":
		sum := sha256.Sum256([]byte(verifier))
		derived := base64.RawURLEncoding.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) == 1
	case "plain":
		return subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) == 1
	default:
		return false
	}
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
