package scopedtoken

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(start time.Time) (*Manager, *time.Time) {
	now := start
	m := NewManager("test-secret")
	m.now = func() time.Time { return now }
	return m, &now
}

func TestIssueAndValidate(t *testing.T) {
	m, _ := newTestManager(time.Unix(1_700_000_000, 0))

	token, err := m.Issue("pg_abc", time.Hour, []string{"search", "fetch"}, "ci job")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, Prefix))

	claims, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "pg_abc", claims.APIKey)
	assert.Equal(t, []string{"search", "fetch"}, claims.AllowedTools)
	assert.Equal(t, "ci job", claims.Label)
}

func TestTTLBounds(t *testing.T) {
	m, _ := newTestManager(time.Unix(1_700_000_000, 0))

	_, err := m.Issue("pg_abc", 0, nil, "")
	assert.ErrorIs(t, err, ErrTTLOutOfRange)

	_, err = m.Issue("pg_abc", 25*time.Hour, nil, "")
	assert.ErrorIs(t, err, ErrTTLOutOfRange)

	_, err = m.Issue("pg_abc", time.Second, nil, "")
	assert.NoError(t, err)
	_, err = m.Issue("pg_abc", 24*time.Hour, nil, "")
	assert.NoError(t, err)
}

func TestExpiryBoundary(t *testing.T) {
	m, now := newTestManager(time.Unix(1_700_000_000, 0))

	token, err := m.Issue("pg_abc", time.Minute, nil, "")
	require.NoError(t, err)

	*now = now.Add(time.Minute - time.Second)
	_, err = m.Validate(token)
	assert.NoError(t, err, "just before exp should validate")

	// A token is invalid at exactly exp.
	*now = time.Unix(1_700_000_000, 0).Add(time.Minute)
	_, err = m.Validate(token)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestTamperedPayloadRejected(t *testing.T) {
	m, _ := newTestManager(time.Unix(1_700_000_000, 0))

	token, err := m.Issue("pg_abc", time.Hour, nil, "")
	require.NoError(t, err)

	// Flip a byte in the payload section.
	body := []byte(token)
	body[len(Prefix)+2] ^= 0x01
	_, err = m.Validate(string(body))
	assert.Error(t, err)
}

func TestWrongSecretRejected(t *testing.T) {
	m1, _ := newTestManager(time.Unix(1_700_000_000, 0))
	m2, _ := newTestManager(time.Unix(1_700_000_000, 0))
	m2.secret = []byte("other-secret")

	token, err := m1.Issue("pg_abc", time.Hour, nil, "")
	require.NoError(t, err)

	_, err = m2.Validate(token)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestMalformedTokens(t *testing.T) {
	m, _ := newTestManager(time.Unix(1_700_000_000, 0))

	for _, tok := range []string{
		"",
		"garbage",
		"pgt_",
		"pgt_nodot",
		"pgt_!!!.###",
		"sk_wrongprefix.sig",
	} {
		_, err := m.Validate(tok)
		assert.Error(t, err, "token %q should not validate", tok)
	}
}

func TestRevocation(t *testing.T) {
	m, _ := newTestManager(time.Unix(1_700_000_000, 0))

	token, err := m.Issue("pg_abc", time.Hour, nil, "")
	require.NoError(t, err)

	require.NoError(t, m.Revoke(token))
	_, err = m.Validate(token)
	assert.ErrorIs(t, err, ErrRevoked)

	// Revoking again is a no-op, not an error.
	assert.NoError(t, m.Revoke(token))
}

func TestRevocationListSelfPurges(t *testing.T) {
	m, now := newTestManager(time.Unix(1_700_000_000, 0))

	token, err := m.Issue("pg_abc", time.Minute, nil, "")
	require.NoError(t, err)
	require.NoError(t, m.Revoke(token))
	assert.Len(t, m.RevokedFingerprints(), 1)

	*now = now.Add(2 * time.Minute)
	assert.Empty(t, m.RevokedFingerprints(), "expired revocations purge lazily")
}

func TestRevokeFingerprintFromPeer(t *testing.T) {
	m, _ := newTestManager(time.Unix(1_700_000_000, 0))

	token, err := m.Issue("pg_abc", time.Hour, nil, "")
	require.NoError(t, err)

	// Replica learns the revocation over pub/sub, by fingerprint only.
	m.RevokeFingerprint(Fingerprint(token), time.Unix(1_700_000_000, 0).Add(time.Hour))

	_, err = m.Validate(token)
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestFingerprintShape(t *testing.T) {
	fp := Fingerprint("pgt_whatever.sig")
	assert.Len(t, fp, 32)
	assert.NotEqual(t, fp, Fingerprint("pgt_whatever.sig2"))
}
