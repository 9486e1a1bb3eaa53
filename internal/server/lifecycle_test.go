package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paygate/internal/audit"
	"github.com/mbd888/paygate/internal/config"
	"github.com/mbd888/paygate/internal/keystore"
)

func TestKeyLifecycleAudited(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec, err := s.CreateKey(keystore.CreateParams{Name: "svc", Credits: 50}, "ops@test")
	require.NoError(t, err)

	require.NoError(t, s.SuspendKey(rec.Key, "ops@test"))
	require.NoError(t, s.ResumeKey(rec.Key, "ops@test"))
	require.NoError(t, s.UpdateKeyACL(rec.Key, []string{"a"}, nil, "ops@test"))

	succ, err := s.RotateKey(rec.Key, "ops@test")
	require.NoError(t, err)
	assert.NotEqual(t, rec.Key, succ.Key)

	require.NoError(t, s.RevokeKey(succ.Key, "ops@test"))
	// Revoking again is a no-op: no duplicate audit entry.
	require.NoError(t, s.RevokeKey(succ.Key, "ops@test"))

	for action, want := range map[string]int{
		audit.ActionKeyCreated:   1,
		audit.ActionKeySuspended: 1,
		audit.ActionKeyResumed:   1,
		audit.ActionKeyUpdated:   1,
		audit.ActionKeyRotated:   1,
		audit.ActionKeyRevoked:   1,
	} {
		assert.Len(t, s.audit.Recent(10, action), want, action)
	}

	got := s.audit.Recent(1, audit.ActionKeyCreated)[0]
	assert.Equal(t, "ops@test", got.Actor)
	assert.Equal(t, rec.Key, got.Subject)
}

func TestCreditOperationsAudited(t *testing.T) {
	s, _ := newTestServer(t, nil)

	from, err := s.CreateKey(keystore.CreateParams{Credits: 100}, "ops@test")
	require.NoError(t, err)
	to, err := s.CreateKey(keystore.CreateParams{Credits: 0}, "ops@test")
	require.NoError(t, err)

	balance, err := s.TopUpKey(from.Key, 25, "ops@test")
	require.NoError(t, err)
	assert.EqualValues(t, 125, balance)

	require.NoError(t, s.TransferCredits(from.Key, to.Key, 30, "ops@test"))
	assert.EqualValues(t, 95, s.keys.GetRaw(from.Key).Credits)
	assert.EqualValues(t, 30, s.keys.GetRaw(to.Key).Credits)

	assert.Len(t, s.audit.Recent(10, audit.ActionCreditsAdded), 1)
	moved := s.audit.Recent(10, audit.ActionCreditsMoved)
	require.Len(t, moved, 1)
	assert.Equal(t, from.Key, moved[0].Subject)
}

func TestRefundCallRestoresCreditsAndQuota(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := s.createKey(t, keystore.CreateParams{Credits: 10})

	require.True(t, s.keys.TryDeduct(rec.Key, 4))
	s.keys.RecordQuota(rec.Key, 4)

	require.NoError(t, s.RefundCall(rec.Key, 4, "ops@test", "backend gave garbage"))

	got := s.keys.GetRaw(rec.Key)
	assert.EqualValues(t, 10, got.Credits)
	assert.EqualValues(t, 0, got.QuotaCounters.DailyCalls)
	assert.EqualValues(t, 0, got.QuotaCounters.DailyCredits)
	assert.Len(t, s.audit.Recent(10, audit.ActionCreditsAdded), 1)
}

func TestTokenLifecycle(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := s.createKey(t, keystore.CreateParams{Credits: 10})

	token, err := s.IssueToken(rec.Key, time.Hour, []string{"a"}, "ci", "ops@test")
	require.NoError(t, err)

	require.NoError(t, s.RevokeToken(token, "ops@test"))
	_, err = s.tokens.Validate(token)
	assert.Error(t, err)

	// Idempotent.
	require.NoError(t, s.RevokeToken(token, "ops@test"))

	assert.Len(t, s.audit.Recent(10, audit.ActionTokenIssued), 1)
	assert.Len(t, s.audit.Recent(10, audit.ActionTokenRevoked), 1)
}

func TestRegisterOAuthClientAudited(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := s.createKey(t, keystore.CreateParams{Credits: 10})

	client := s.RegisterOAuthClient([]string{"https://app.example/cb"}, nil, rec.Key, "ops@test")
	require.NotNil(t, client)

	got := s.audit.Recent(10, audit.ActionOAuthClientReg)
	require.Len(t, got, 1)
	assert.Equal(t, client.ID, got[0].Subject)
}

// TestRedisBalanceSurvivesAutoTopup drives a metered call through the full
// server with the Redis mirror active: the counter is seeded at key creation,
// the auto-topup lands in Redis before the deduction, and the shared balance
// matches the local record afterwards.
func TestRedisBalanceSurvivesAutoTopup(t *testing.T) {
	mr := miniredis.RunT(t)
	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.RedisURL = "redis://" + mr.Addr()
		cfg.DefaultPrice = 5
	})
	require.NotNil(t, s.sync)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, s.sync.Start(ctx))
	t.Cleanup(func() { s.sync.Stop() })

	rec, err := s.CreateKey(keystore.CreateParams{
		Credits:   4,
		AutoTopup: &keystore.AutoTopup{Threshold: 5, Amount: 20, MaxDaily: 20},
	}, "ops@test")
	require.NoError(t, err)

	counter, err := mr.Get("paygate:credits:" + rec.Key)
	require.NoError(t, err, "counter seeded on creation")
	assert.Equal(t, "4", counter)

	w := doPost(s, callBody("x"), map[string]string{"X-API-Key": rec.Key})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeRPC(t, w)
	require.Nil(t, resp.Error)

	// 4 + 20 topup - 5 charge, in Redis and locally.
	counter, err = mr.Get("paygate:credits:" + rec.Key)
	require.NoError(t, err)
	assert.Equal(t, "19", counter)
	assert.EqualValues(t, 19, s.keys.GetRaw(rec.Key).Credits)
	assert.Equal(t, "19", w.Header().Get("X-Credits-Remaining"))
}
