package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func s256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func authorize(t *testing.T, p *Provider, c *Client, verifier string) string {
	t.Helper()
	code, err := p.Authorize(c.ID, c.RedirectURIs[0], s256Challenge(verifier), "S256", "tools:call")
	require.NoError(t, err)
	return code
}

func TestFullAuthorizationCodeFlow(t *testing.T) {
	p := NewProvider()
	c := p.RegisterClient([]string{"https://app.example/cb"}, []string{"tools:call"}, "pg_abc")

	code := authorize(t, p, c, "verifier-value")
	tok, err := p.Exchange(c.ID, c.Secret, code, "https://app.example/cb", "verifier-value")
	require.NoError(t, err)

	assert.Equal(t, "Bearer", tok.TokenType)
	assert.NotEmpty(t, tok.RefreshToken)

	apiKey, scope, err := p.Validate(tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "pg_abc", apiKey)
	assert.Equal(t, "tools:call", scope)
}

func TestCodeIsSingleUse(t *testing.T) {
	p := NewProvider()
	c := p.RegisterClient([]string{"https://app.example/cb"}, nil, "pg_abc")

	code := authorize(t, p, c, "v")
	_, err := p.Exchange(c.ID, c.Secret, code, "https://app.example/cb", "v")
	require.NoError(t, err)

	_, err = p.Exchange(c.ID, c.Secret, code, "https://app.example/cb", "v")
	assert.ErrorIs(t, err, ErrCodeInvalid)
}

func TestCodeConsumedOnFailedExchange(t *testing.T) {
	p := NewProvider()
	c := p.RegisterClient([]string{"https://app.example/cb"}, nil, "pg_abc")

	code := authorize(t, p, c, "correct")
	_, err := p.Exchange(c.ID, c.Secret, code, "https://app.example/cb", "wrong")
	assert.ErrorIs(t, err, ErrPKCEMismatch)

	// Retrying with the right verifier must not resurrect the code.
	_, err = p.Exchange(c.ID, c.Secret, code, "https://app.example/cb", "correct")
	assert.ErrorIs(t, err, ErrCodeInvalid)
}

func TestCodeExpires(t *testing.T) {
	p := NewProvider()
	c := p.RegisterClient([]string{"https://app.example/cb"}, nil, "pg_abc")

	code := authorize(t, p, c, "v")
	p.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	_, err := p.Exchange(c.ID, c.Secret, code, "https://app.example/cb", "v")
	assert.ErrorIs(t, err, ErrCodeInvalid)
}

func TestExchangeBindings(t *testing.T) {
	p := NewProvider()
	c := p.RegisterClient([]string{"https://app.example/cb"}, nil, "pg_abc")
	other := p.RegisterClient([]string{"https://app.example/cb"}, nil, "pg_other")

	// Another client cannot redeem the code.
	code := authorize(t, p, c, "v")
	_, err := p.Exchange(other.ID, other.Secret, code, "https://app.example/cb", "v")
	assert.ErrorIs(t, err, ErrCodeInvalid)

	// Redirect URI must match the one the code was issued for.
	code = authorize(t, p, c, "v")
	_, err = p.Exchange(c.ID, c.Secret, code, "https://evil.example/cb", "v")
	assert.ErrorIs(t, err, ErrCodeInvalid)

	// Wrong secret is rejected before the code is even consulted.
	code = authorize(t, p, c, "v")
	_, err = p.Exchange(c.ID, "nope", code, "https://app.example/cb", "v")
	assert.ErrorIs(t, err, ErrBadClientSecret)
}

func TestAuthorizeValidation(t *testing.T) {
	p := NewProvider()
	c := p.RegisterClient([]string{"https://app.example/cb"}, nil, "pg_abc")

	_, err := p.Authorize(c.ID, "https://app.example/cb", "", "S256", "")
	assert.ErrorIs(t, err, ErrPKCERequired)

	_, err = p.Authorize(c.ID, "https://app.example/cb", "ch", "S512", "")
	assert.ErrorIs(t, err, ErrUnsupportedMethod)

	_, err = p.Authorize(c.ID, "https://unregistered.example/cb", "ch", "plain", "")
	assert.ErrorIs(t, err, ErrBadRedirectURI)

	_, err = p.Authorize("oac_missing", "https://app.example/cb", "ch", "plain", "")
	assert.ErrorIs(t, err, ErrClientNotFound)
}

func TestPlainPKCE(t *testing.T) {
	p := NewProvider()
	c := p.RegisterClient([]string{"https://app.example/cb"}, nil, "pg_abc")

	code, err := p.Authorize(c.ID, c.RedirectURIs[0], "plain-secret", "plain", "")
	require.NoError(t, err)

	_, err = p.Exchange(c.ID, c.Secret, code, c.RedirectURIs[0], "plain-secret")
	assert.NoError(t, err)
}

func TestRefreshRotation(t *testing.T) {
	p := NewProvider()
	c := p.RegisterClient([]string{"https://app.example/cb"}, nil, "pg_abc")

	code := authorize(t, p, c, "v")
	first, err := p.Exchange(c.ID, c.Secret, code, c.RedirectURIs[0], "v")
	require.NoError(t, err)

	second, err := p.Refresh(c.ID, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)

	// The old refresh token is gone after rotation.
	_, err = p.Refresh(c.ID, first.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	// The new access token resolves to the same key.
	apiKey, _, err := p.Validate(second.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "pg_abc", apiKey)
}

func TestAccessTokenExpiry(t *testing.T) {
	p := NewProvider()
	c := p.RegisterClient([]string{"https://app.example/cb"}, nil, "pg_abc")

	code := authorize(t, p, c, "v")
	tok, err := p.Exchange(c.ID, c.Secret, code, c.RedirectURIs[0], "v")
	require.NoError(t, err)

	p.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, _, err = p.Validate(tok.AccessToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestRevoke(t *testing.T) {
	p := NewProvider()
	c := p.RegisterClient([]string{"https://app.example/cb"}, nil, "pg_abc")

	code := authorize(t, p, c, "v")
	tok, err := p.Exchange(c.ID, c.Secret, code, c.RedirectURIs[0], "v")
	require.NoError(t, err)

	p.Revoke(tok.AccessToken)
	_, _, err = p.Validate(tok.AccessToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	p.Revoke(tok.RefreshToken)
	_, err = p.Refresh(c.ID, tok.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	// Revoking garbage is a no-op.
	p.Revoke("not-a-token")
}

func TestSnapshotRoundTrip(t *testing.T) {
	p := NewProvider()
	c := p.RegisterClient([]string{"https://app.example/cb"}, []string{"tools:call"}, "pg_abc")
	code := authorize(t, p, c, "v")
	tok, err := p.Exchange(c.ID, c.Secret, code, c.RedirectURIs[0], "v")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "oauth.json")
	require.NoError(t, p.Save(path))

	restored := NewProvider()
	require.NoError(t, restored.Load(path))

	// Grants survive the restart.
	apiKey, _, err := restored.Validate(tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "pg_abc", apiKey)

	_, err = restored.Refresh(c.ID, tok.RefreshToken)
	assert.NoError(t, err)

	// Registration survives too.
	got, err := restored.Client(c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.Secret, got.Secret)
}

func TestLoadMissingFile(t *testing.T) {
	p := NewProvider()
	assert.NoError(t, p.Load(filepath.Join(t.TempDir(), "absent.json")))
}
