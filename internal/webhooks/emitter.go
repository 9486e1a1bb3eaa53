package webhooks

import (
	"time"

	"github.com/mbd888/paygate/internal/idgen"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	emitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paygate",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	emitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paygate",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(emitTotal, emitErrors)
}

// Emitter wraps a Dispatcher to emit lifecycle events across subsystems.
// All methods are fire-and-forget: errors are logged by the dispatcher but
// never returned. A nil Emitter is safe to call.
type Emitter struct {
	d *Dispatcher
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher) *Emitter {
	return &Emitter{d: d}
}

func (e *Emitter) emit(namespace string, eventType EventType, data map[string]any) {
	if e == nil || e.d == nil {
		return
	}
	emitTotal.WithLabelValues(string(eventType)).Inc()
	e.d.Dispatch(&Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}, namespace)
}

// EmitKeyCreated emits a key.created event.
func (e *Emitter) EmitKeyCreated(namespace, key, name string) {
	e.emit(namespace, EventKeyCreated, map[string]any{
		"key":  key,
		"name": name,
	})
}

// EmitKeyRevoked emits a key.revoked event.
func (e *Emitter) EmitKeyRevoked(namespace, key string) {
	e.emit(namespace, EventKeyRevoked, map[string]any{
		"key": key,
	})
}

// EmitKeySuspended emits a key.suspended event.
func (e *Emitter) EmitKeySuspended(namespace, key string) {
	e.emit(namespace, EventKeySuspended, map[string]any{
		"key": key,
	})
}

// EmitCreditsLow emits a credits.low event when a balance crosses below the
// warning threshold.
func (e *Emitter) EmitCreditsLow(namespace, key string, remaining int64) {
	e.emit(namespace, EventCreditsLow, map[string]any{
		"key":       key,
		"remaining": remaining,
	})
}

// EmitTopup emits a credits.topup event for manual and automatic topups.
func (e *Emitter) EmitTopup(namespace, key string, amount, balance int64, auto bool) {
	e.emit(namespace, EventCreditsTopup, map[string]any{
		"key":     key,
		"amount":  amount,
		"balance": balance,
		"auto":    auto,
	})
}

// EmitCallDenied emits a call.denied event.
func (e *Emitter) EmitCallDenied(namespace, key, tool, reason string) {
	e.emit(namespace, EventCallDenied, map[string]any{
		"key":    key,
		"tool":   tool,
		"reason": reason,
	})
}

// EmitQuotaExceeded emits a quota.exceeded event.
func (e *Emitter) EmitQuotaExceeded(namespace, key, dimension string) {
	e.emit(namespace, EventQuotaExceeded, map[string]any{
		"key":       key,
		"dimension": dimension,
	})
}

// EmitTokenRevoked emits a token.revoked event keyed by fingerprint.
func (e *Emitter) EmitTokenRevoked(namespace, fingerprint string) {
	e.emit(namespace, EventTokenRevoked, map[string]any{
		"fingerprint": fingerprint,
	})
}
