// Package scopedtoken implements short-lived delegated access tokens.
//
// A scoped token lets a key holder hand an agent a narrow capability:
// "call these tools, as me, for the next hour". Tokens are HMAC-signed
// with a process-wide secret and carry an optional tool narrowing that is
// intersected with the parent key's own ACL at admission time.
//
// Wire format: "pgt_" + base64url(payload JSON) + "." + base64url(tag).
package scopedtoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// Prefix identifies scoped tokens on the wire.
const Prefix = "pgt_"

// TTL bounds for issued tokens.
const (
	MinTTL = time.Second
	MaxTTL = 24 * time.Hour
)

// Claims is the signed token payload.
type Claims struct {
	APIKey       string   `json:"apiKey"`
	IssuedAt     int64    `json:"iat"`
	ExpiresAt    int64    `json:"exp"`
	AllowedTools []string `json:"tools,omitempty"`
	Label        string   `json:"label,omitempty"`
}

// ValidationError carries a machine-readable failure code.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string { return e.Message }

// Validation failures.
var (
	ErrMalformed     = &ValidationError{Code: "token_malformed", Message: "Token is malformed"}
	ErrBadSignature  = &ValidationError{Code: "token_bad_signature", Message: "Token signature does not verify"}
	ErrExpired       = &ValidationError{Code: "token_expired", Message: "Token has expired"}
	ErrRevoked       = &ValidationError{Code: "token_revoked", Message: "Token has been revoked"}
	ErrTTLOutOfRange = &ValidationError{Code: "token_ttl_out_of_range", Message: "TTL must be between 1s and 24h"}
)

// Manager issues, validates, and revokes scoped tokens.
type Manager struct {
	secret []byte

	mu      sync.Mutex
	revoked map[string]time.Time // fingerprint → token expiry (self-purging)

	// OnRevoke, when set, observes local revocations so they can be
	// broadcast to replicas. Called outside the lock.
	OnRevoke func(fingerprint string, expiresAt time.Time)

	now func() time.Time // test hook
}

// NewManager creates a manager signing with the given process-wide secret.
func NewManager(secret string) *Manager {
	return &Manager{
		secret:  []byte(secret),
		revoked: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Issue mints a token delegating apiKey for ttl, optionally narrowed to the
// given tools.
func (m *Manager) Issue(apiKey string, ttl time.Duration, tools []string, label string) (string, error) {
	if ttl < MinTTL || ttl > MaxTTL {
		return "", ErrTTLOutOfRange
	}

	now := m.now()
	claims := Claims{
		APIKey:       apiKey,
		IssuedAt:     now.Unix(),
		ExpiresAt:    now.Add(ttl).Unix(),
		AllowedTools: tools,
		Label:        label,
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	tag := m.sign(payload)
	return Prefix +
		base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString(tag), nil
}

// Validate parses and verifies a token, returning its claims.
// The signature check is constant-time; expiry uses the exact boundary
// (a token is invalid at exp, not after it).
func (m *Manager) Validate(token string) (*Claims, error) {
	body, ok := strings.CutPrefix(token, Prefix)
	if !ok {
		return nil, ErrMalformed
	}

	dot := strings.IndexByte(body, '.')
	if dot < 0 {
		return nil, ErrMalformed
	}

	payload, err := base64.RawURLEncoding.DecodeString(body[:dot])
	if err != nil {
		return nil, ErrMalformed
	}
	tag, err := base64.RawURLEncoding.DecodeString(body[dot+1:])
	if err != nil {
		return nil, ErrMalformed
	}

	if !hmac.Equal(tag, m.sign(payload)) {
		return nil, ErrBadSignature
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrMalformed
	}

	if !m.now().Before(time.Unix(claims.ExpiresAt, 0)) {
		return nil, ErrExpired
	}

	if m.isRevoked(Fingerprint(token)) {
		return nil, ErrRevoked
	}

	return &claims, nil
}

// Revoke adds the token to the revocation list. The entry carries the
// token's own expiry so it self-purges; tokens that do not verify are
// rejected rather than stored.
func (m *Manager) Revoke(token string) error {
	claims, err := m.Validate(token)
	if err != nil {
		if err == ErrRevoked {
			return nil // already revoked; idempotent
		}
		return err
	}

	fp := Fingerprint(token)
	exp := time.Unix(claims.ExpiresAt, 0)
	m.addRevocation(fp, exp)
	if m.OnRevoke != nil {
		m.OnRevoke(fp, exp)
	}
	return nil
}

// RevokeFingerprint records a revocation learned from a peer replica.
func (m *Manager) RevokeFingerprint(fingerprint string, expiresAt time.Time) {
	m.addRevocation(fingerprint, expiresAt)
}

// RevokedFingerprints returns the live revocation list, sorted by expiry.
func (m *Manager) RevokedFingerprints() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()

	type entry struct {
		fp  string
		exp time.Time
	}
	entries := make([]entry, 0, len(m.revoked))
	for fp, exp := range m.revoked {
		entries = append(entries, entry{fp, exp})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].exp.Before(entries[j].exp) })

	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.fp
	}
	return out
}

func (m *Manager) addRevocation(fp string, exp time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	m.revoked[fp] = exp
}

func (m *Manager) isRevoked(fp string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	_, ok := m.revoked[fp]
	return ok
}

// pruneLocked drops revocations for tokens that have expired anyway.
func (m *Manager) pruneLocked() {
	now := m.now()
	for fp, exp := range m.revoked {
		if now.After(exp) {
			delete(m.revoked, fp)
		}
	}
}

func (m *Manager) sign(payload []byte) []byte {
	h := hmac.New(sha256.New, m.secret)
	h.Write(payload)
	return h.Sum(nil)
}

// Fingerprint identifies a token in the revocation list without storing the
// token itself: first 32 hex chars of SHA-256 of the raw token string.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:32]
}
