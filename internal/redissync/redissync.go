// Package redissync mirrors gateway state into Redis so several gateway
// instances can share one view of keys, balances, and token revocations.
//
// The credit balance lives in a Redis counter and is adjusted only with
// INCRBY/DECRBY, never SET, so concurrent deductions from different
// instances serialize in Redis. Everything else (records, revocations) is
// mirrored as JSON plus a pub/sub notification.
package redissync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/paygate/internal/idgen"
	"github.com/mbd888/paygate/internal/keystore"
	"github.com/mbd888/paygate/internal/scopedtoken"
)

const (
	recordPrefix  = "paygate:key:"
	creditsPrefix = "paygate:credits:"
	totalsPrefix  = "paygate:totals:"
	eventsChannel = "paygate:events"

	opTimeout     = 2 * time.Second
	healthTick    = 5 * time.Second
	recordTTL     = 0 // records persist until deleted
)

// event is the pub/sub payload.
type event struct {
	Instance    string `json:"instance"`
	Type        string `json:"type"` // "key_updated" or "token_revoked"
	Key         string `json:"key,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	ExpiresAt   int64  `json:"expiresAt,omitempty"`
}

// Sync keeps a keystore and token manager in step with Redis.
type Sync struct {
	client     *redis.Client
	ks         *keystore.Store
	tokens     *scopedtoken.Manager
	logger     *slog.Logger
	instanceID string
	healthy    atomic.Bool

	mu      sync.Mutex
	pending map[string]struct{} // keys whose mirror failed while Redis was down

	pubsub *redis.PubSub
}

// New connects to Redis at the given URL. The returned Sync is inert until
// Start is called.
func New(url string, ks *keystore.Store, tokens *scopedtoken.Manager, logger *slog.Logger) (*Sync, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &Sync{
		client:     redis.NewClient(opts),
		ks:         ks,
		tokens:     tokens,
		logger:     logger,
		instanceID: idgen.WithPrefix("node_"),
		pending:    make(map[string]struct{}),
	}, nil
}

// NewWithClient wires an existing client, used by tests.
func NewWithClient(client *redis.Client, ks *keystore.Store, tokens *scopedtoken.Manager, logger *slog.Logger) *Sync {
	return &Sync{
		client:     client,
		ks:         ks,
		tokens:     tokens,
		logger:     logger,
		instanceID: idgen.WithPrefix("node_"),
		pending:    make(map[string]struct{}),
	}
}

// Start verifies connectivity, hooks into local mutation events, seeds the
// shared counters for every known key, and starts the subscriber and health
// loops.
func (s *Sync) Start(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	err := s.client.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return err
	}
	s.healthy.Store(true)

	s.ks.OnMutate = s.mirrorRecord
	s.tokens.OnRevoke = s.publishTokenRevoked

	s.pubsub = s.client.Subscribe(ctx, eventsChannel)
	// The subscription is established lazily; wait for the confirmation so
	// no event published after Start returns can be missed.
	confirmCtx, cancel := context.WithTimeout(ctx, opTimeout)
	_, err = s.pubsub.Receive(confirmCtx)
	cancel()
	if err != nil {
		_ = s.pubsub.Close()
		s.healthy.Store(false)
		return fmt.Errorf("redissync: subscription not confirmed: %w", err)
	}
	go s.subscribe(ctx)
	go s.healthLoop(ctx)

	// Keys loaded from the snapshot have never fired the mutation hook, so
	// their counters must be seeded here before the first deduction.
	for _, rec := range s.ks.List(keystore.ListOptions{}) {
		s.EnsureCounter(ctx, rec.Key, rec.Credits)
	}

	s.logger.Info("redis sync started", "instance", s.instanceID)
	return nil
}

// Stop tears down the subscription and connection.
func (s *Sync) Stop() error {
	if s.pubsub != nil {
		_ = s.pubsub.Close()
	}
	return s.client.Close()
}

// Healthy reports whether Redis was reachable at last contact. When false
// the gateway falls back to purely local admission.
func (s *Sync) Healthy() bool { return s.healthy.Load() }

// TryDeduct atomically takes amount from the shared balance. Underflow is
// rolled back with a compensating INCRBY. On success the local mirror is
// updated through the keystore so quota and ledger bookkeeping happen once.
// Returns (charged, usedRedis).
func (s *Sync) TryDeduct(ctx context.Context, key string, amount int64) (bool, bool) {
	if !s.healthy.Load() {
		return false, false
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	remaining, err := s.client.DecrBy(opCtx, creditsPrefix+key, amount).Result()
	if err != nil {
		s.markDown(err)
		return false, false
	}
	if remaining < 0 {
		if err := s.client.IncrBy(opCtx, creditsPrefix+key, amount).Err(); err != nil {
			s.markDown(err)
		}
		return false, true
	}

	// Spend and call totals accumulate additively so concurrent instances
	// never clobber each other's counts.
	if err := s.client.HIncrBy(opCtx, totalsPrefix+key, "spent", amount).Err(); err != nil {
		s.markDown(err)
	}
	if err := s.client.HIncrBy(opCtx, totalsPrefix+key, "calls", 1).Err(); err != nil {
		s.markDown(err)
	}

	s.ks.ApplyDeduct(key, amount)
	return true, true
}

// AddCredits applies a topup to the shared balance.
func (s *Sync) AddCredits(ctx context.Context, key string, amount int64) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := s.client.IncrBy(opCtx, creditsPrefix+key, amount).Err(); err != nil {
		s.markDown(err)
		return err
	}
	return nil
}

// EnsureCounter seeds the shared balance for a key if no counter exists
// yet. SETNX keeps a racing peer from clobbering live deductions.
func (s *Sync) EnsureCounter(ctx context.Context, key string, credits int64) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := s.client.SetNX(opCtx, creditsPrefix+key, credits, recordTTL).Err(); err != nil {
		s.markDown(err)
	}
}

// mirrorRecord pushes a record's JSON to Redis and announces the change.
// Runs on the keystore mutation hook; failures queue the key for retry.
func (s *Sync) mirrorRecord(rec *keystore.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	data, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error("marshal record for mirror", "key", rec.Key, "error", err)
		return
	}
	// A freshly created key has no counter yet; seed it before the mirror
	// announcement so a peer never sees the record without its balance.
	if err := s.client.SetNX(ctx, creditsPrefix+rec.Key, rec.Credits, recordTTL).Err(); err != nil {
		s.markDown(err)
	}
	if err := s.client.Set(ctx, recordPrefix+rec.Key, data, recordTTL).Err(); err != nil {
		s.markDown(err)
		s.mu.Lock()
		s.pending[rec.Key] = struct{}{}
		s.mu.Unlock()
		return
	}
	s.publish(ctx, event{Instance: s.instanceID, Type: "key_updated", Key: rec.Key})
}

// publishTokenRevoked broadcasts a revocation so peers honor it immediately.
func (s *Sync) publishTokenRevoked(fingerprint string, expiresAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	s.publish(ctx, event{
		Instance:    s.instanceID,
		Type:        "token_revoked",
		Fingerprint: fingerprint,
		ExpiresAt:   expiresAt.Unix(),
	})
}

func (s *Sync) publish(ctx context.Context, e event) {
	payload, _ := json.Marshal(e)
	if err := s.client.Publish(ctx, eventsChannel, payload).Err(); err != nil {
		s.markDown(err)
	}
}

// subscribe applies peer events to local state until ctx is done.
func (s *Sync) subscribe(ctx context.Context) {
	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var e event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				s.logger.Warn("unparseable sync event", "error", err)
				continue
			}
			if e.Instance == s.instanceID {
				continue // our own echo
			}
			switch e.Type {
			case "key_updated":
				s.refreshKey(ctx, e.Key)
			case "token_revoked":
				s.tokens.RevokeFingerprint(e.Fingerprint, time.Unix(e.ExpiresAt, 0))
			}
		}
	}
}

// refreshKey pulls a peer-modified record from Redis into the local store.
// The shared counter, not the mirrored JSON, is the truth for credits.
func (s *Sync) refreshKey(ctx context.Context, key string) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := s.client.Get(opCtx, recordPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.markDown(err)
		}
		return
	}
	var rec keystore.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Error("unparseable mirrored record", "key", key, "error", err)
		return
	}
	if credits, err := s.client.Get(opCtx, creditsPrefix+key).Int64(); err == nil {
		rec.Credits = credits
	}
	s.ks.ApplyRemote(&rec)
}

// healthLoop pings Redis and, on recovery, retries mirrors that failed
// while it was down.
func (s *Sync) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(healthTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, opTimeout)
			err := s.client.Ping(opCtx).Err()
			cancel()

			if err != nil {
				if s.healthy.Swap(false) {
					s.logger.Error("redis unreachable, falling back to local state", "error", err)
				}
				continue
			}
			if !s.healthy.Swap(true) {
				s.logger.Info("redis reachable again, flushing pending mirrors")
				s.flushPending()
			}
		}
	}
}

func (s *Sync) flushPending() {
	s.mu.Lock()
	keys := make([]string, 0, len(s.pending))
	for k := range s.pending {
		keys = append(keys, k)
	}
	s.pending = make(map[string]struct{})
	s.mu.Unlock()

	for _, key := range keys {
		if rec := s.ks.GetRaw(key); rec != nil {
			s.mirrorRecord(rec)
		}
	}
}

func (s *Sync) markDown(err error) {
	if s.healthy.Swap(false) {
		s.logger.Error("redis operation failed", "error", err)
	}
}
