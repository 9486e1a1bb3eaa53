// Package webhooks delivers gateway lifecycle events to external services.
//
// Operators register webhook URLs to be notified about key lifecycle
// changes, low balances, denials, and token revocations. Delivery is
// asynchronous with retries; permanently failed deliveries land in a
// dead-letter list that can be replayed.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mbd888/paygate/internal/idgen"
	"github.com/mbd888/paygate/internal/retry"
	"github.com/mbd888/paygate/internal/security"
)

// EventType represents the type of webhook event.
type EventType string

const (
	EventKeyCreated    EventType = "key.created"
	EventKeyRevoked    EventType = "key.revoked"
	EventKeySuspended  EventType = "key.suspended"
	EventCreditsLow    EventType = "credits.low"
	EventCreditsTopup  EventType = "credits.topup"
	EventCallDenied    EventType = "call.denied"
	EventTokenRevoked  EventType = "token.revoked"
	EventQuotaExceeded EventType = "quota.exceeded"
)

// Event is the delivered payload.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscription is a registered webhook endpoint. Namespace scopes which
// keys' events it receives; empty means all.
type Subscription struct {
	ID          string      `json:"id"`
	Namespace   string      `json:"namespace,omitempty"`
	URL         string      `json:"url"`
	Secret      string      `json:"-"` // HMAC signing key, never serialized
	Events      []EventType `json:"events"`
	Active      bool        `json:"active"`
	CreatedAt   time.Time   `json:"createdAt"`
	LastSuccess *time.Time  `json:"lastSuccess,omitempty"`
	LastError   string      `json:"lastError,omitempty"`
}

// NewSubscription validates the endpoint URL and builds an active
// subscription. Endpoints resolving to private or loopback addresses are
// rejected so a subscription can never be aimed at internal services.
func NewSubscription(namespace, url, secret string, events []EventType) (*Subscription, error) {
	if err := security.ValidateEndpointURL(url); err != nil {
		return nil, fmt.Errorf("webhooks: endpoint rejected: %w", err)
	}
	return &Subscription{
		ID:        idgen.WithPrefix("whk_"),
		Namespace: namespace,
		URL:       url,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now(),
	}, nil
}

func (s *Subscription) wants(t EventType) bool {
	for _, et := range s.Events {
		if et == t {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions.
type Store interface {
	Create(sub *Subscription) error
	Get(id string) (*Subscription, error)
	List() []*Subscription
	Update(sub *Subscription) error
	Delete(id string) error
}

// DeadLetter is a delivery that exhausted its retries.
type DeadLetter struct {
	SubscriptionID string    `json:"subscriptionId"`
	URL            string    `json:"url"`
	Event          *Event    `json:"event"`
	LastError      string    `json:"lastError"`
	FailedAt       time.Time `json:"failedAt"`
}

const (
	maxDeliveryAttempts = 4
	deliveryBaseDelay   = 500 * time.Millisecond
	queueSize           = 1024
	maxDeadLetters      = 1000
)

type task struct {
	sub   *Subscription
	event *Event
}

// Dispatcher queues and delivers events. Run must be started for delivery
// to happen.
type Dispatcher struct {
	store  Store
	client *http.Client
	logger *slog.Logger
	queue  chan task

	mu   sync.Mutex
	dead []DeadLetter
}

// NewDispatcher creates a dispatcher over the given subscription store.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
		queue:  make(chan task, queueSize),
	}
}

// Dispatch enqueues the event for every matching active subscription.
// Non-blocking: when the queue is full the delivery is dropped and counted.
func (d *Dispatcher) Dispatch(event *Event, namespace string) {
	for _, sub := range d.store.List() {
		if !sub.Active || !sub.wants(event.Type) {
			continue
		}
		if sub.Namespace != "" && sub.Namespace != namespace {
			continue
		}
		select {
		case d.queue <- task{sub: sub, event: event}:
		default:
			emitErrors.WithLabelValues(string(event.Type)).Inc()
			d.logger.Warn("webhook queue full, dropping delivery",
				"subscription", sub.ID, "event", event.Type)
		}
	}
}

// Run processes the delivery queue until ctx is done. Call in a goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-d.queue:
			d.deliver(ctx, t.sub, t.event)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.recordError(sub, event, fmt.Sprintf("marshal event: %v", err))
		return
	}

	err = retry.Do(ctx, maxDeliveryAttempts, deliveryBaseDelay, func() error {
		return d.post(ctx, sub, event, payload)
	})
	if err != nil {
		d.recordError(sub, event, err.Error())
		return
	}

	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	_ = d.store.Update(sub)
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-PayGate-Event", string(event.Type))
	req.Header.Set("X-PayGate-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if sub.Secret != "" {
		req.Header.Set("X-PayGate-Signature", sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The endpoint rejected the payload; retrying will not help.
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

func (d *Dispatcher) recordError(sub *Subscription, event *Event, msg string) {
	emitErrors.WithLabelValues(string(event.Type)).Inc()
	sub.LastError = msg
	_ = d.store.Update(sub)

	d.mu.Lock()
	d.dead = append(d.dead, DeadLetter{
		SubscriptionID: sub.ID,
		URL:            sub.URL,
		Event:          event,
		LastError:      msg,
		FailedAt:       time.Now(),
	})
	if over := len(d.dead) - maxDeadLetters; over > 0 {
		d.dead = append(d.dead[:0:0], d.dead[over:]...)
	}
	d.mu.Unlock()

	d.logger.Warn("webhook delivery failed permanently",
		"subscription", sub.ID, "event", event.Type, "error", msg)
}

// DeadLetters returns a copy of the dead-letter list.
func (d *Dispatcher) DeadLetters() []DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DeadLetter(nil), d.dead...)
}

// ReplayDeadLetters re-enqueues every dead letter whose subscription still
// exists and clears the list. Returns the number requeued.
func (d *Dispatcher) ReplayDeadLetters() int {
	d.mu.Lock()
	pending := d.dead
	d.dead = nil
	d.mu.Unlock()

	requeued := 0
	for _, dl := range pending {
		sub, err := d.store.Get(dl.SubscriptionID)
		if err != nil || !sub.Active {
			continue
		}
		select {
		case d.queue <- task{sub: sub, event: dl.Event}:
			requeued++
		default:
			d.mu.Lock()
			d.dead = append(d.dead, dl)
			d.mu.Unlock()
		}
	}
	return requeued
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// MemoryStore is the in-memory Store used by the single-process gateway.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Get(id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return sub, nil
	}
	return nil, fmt.Errorf("webhooks: subscription %s not found", id)
}

func (m *MemoryStore) List() []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, sub)
	}
	return out
}

func (m *MemoryStore) Update(sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}
