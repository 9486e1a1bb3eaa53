// Package keystore owns the live API key records: identity, policy, credit
// balances, and counters. All mutations flow through the Store so the
// secondary indexes, ledger, and snapshot stay in lockstep.
package keystore

import (
	"time"

	"github.com/mbd888/paygate/internal/quota"
)

// Caps on unbounded per-key lists.
const (
	MaxNotes = 50
	MaxTags  = 50
)

// AutoTopup configures automatic credit refills. When the balance drops
// below Threshold, Amount credits are added, subject to a per-UTC-day cap
// on the total amount topped up.
type AutoTopup struct {
	Threshold     int64  `json:"threshold"`
	Amount        int64  `json:"amount"`
	MaxDaily      int64  `json:"maxDaily,omitempty"` // 0 = uncapped
	PerDayCharged int64  `json:"perDayCharged"`
	LastChargeDay string `json:"lastChargeDay,omitempty"` // YYYY-MM-DD (UTC)
}

// Note is a timestamped admin annotation on a key.
type Note struct {
	CreatedAt time.Time `json:"createdAt"`
	Text      string    `json:"text"`
}

// Record is one caller's identity, policy, and counters.
//
// Invariants the Store maintains: Credits >= 0 always; TotalSpent <=
// SpendingLimit while SpendingLimit > 0; Alias unique across records.
type Record struct {
	Key       string `json:"key"`             // immutable, "pg_" prefixed
	Alias     string `json:"alias,omitempty"` // optional, globally unique
	Name      string `json:"name,omitempty"`
	Namespace string `json:"namespace,omitempty"`
	Group     string `json:"group,omitempty"`
	Tags      []string `json:"tags,omitempty"`

	Credits    int64 `json:"credits"`
	TotalSpent int64 `json:"totalSpent"`
	TotalCalls int64 `json:"totalCalls"`

	SpendingLimit int64 `json:"spendingLimit,omitempty"` // 0 = unlimited

	AllowedTools []string `json:"allowedTools,omitempty"` // empty = allow all
	DeniedTools  []string `json:"deniedTools,omitempty"`  // deny dominates
	IPAllowlist  []string `json:"ipAllowlist,omitempty"`  // IPs or CIDRs; empty = any

	Quota         *quota.Limits  `json:"quota,omitempty"` // override of the global quota
	QuotaCounters quota.Counters `json:"quotaCounters"`

	AutoTopup *AutoTopup `json:"autoTopup,omitempty"`

	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	Suspended  bool       `json:"suspended"`
	Active     bool       `json:"active"` // false = revoked, permanent
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt time.Time  `json:"lastUsedAt,omitempty"`
	Notes      []Note     `json:"notes,omitempty"`
}

// Usable reports whether the key may be used at the given instant.
// Reaching ExpiresAt exactly makes the key unusable.
func (r *Record) Usable(now time.Time) bool {
	if !r.Active || r.Suspended {
		return false
	}
	if r.ExpiresAt != nil && !now.Before(*r.ExpiresAt) {
		return false
	}
	return true
}

// clone returns a deep copy so callers never hold a pointer into the live map.
func (r *Record) clone() *Record {
	cp := *r
	cp.Tags = append([]string(nil), r.Tags...)
	cp.AllowedTools = append([]string(nil), r.AllowedTools...)
	cp.DeniedTools = append([]string(nil), r.DeniedTools...)
	cp.IPAllowlist = append([]string(nil), r.IPAllowlist...)
	cp.Notes = append([]Note(nil), r.Notes...)
	if r.Quota != nil {
		q := *r.Quota
		cp.Quota = &q
	}
	if r.AutoTopup != nil {
		at := *r.AutoTopup
		cp.AutoTopup = &at
	}
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}
