package keystore

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/paygate/internal/idgen"
	"github.com/mbd888/paygate/internal/quota"
)

// Errors
var (
	ErrNotFound      = errors.New("keystore: key not found")
	ErrAliasTaken    = errors.New("keystore: alias already in use")
	ErrRevokedKey    = errors.New("keystore: key is revoked")
	ErrTooManyNotes  = errors.New("keystore: note cap reached")
	ErrTooManyTags   = errors.New("keystore: tag cap reached")
	ErrInvalidAmount = errors.New("keystore: amount must be positive")
)

// Store is the in-memory map of key records plus secondary indexes.
// It is the single owner of record mutation; everything else holds copies.
type Store struct {
	mu      sync.RWMutex
	keys    map[string]*Record
	aliases map[string]string              // alias → key
	byNS    map[string]map[string]struct{} // namespace → key set
	byGroup map[string]map[string]struct{} // group → key set
	ledgers map[string][]LedgerEntry

	tracker *quota.Tracker

	dirty atomic.Bool

	// OnMutate observes every record mutation with a detached copy, for
	// mirroring to Redis. Called outside the lock.
	OnMutate func(rec *Record)

	// OnAutoTopup observes automatic refills. Called outside the lock.
	OnAutoTopup func(key string, amount, newBalance int64)

	now func() time.Time // test hook
}

// New creates an empty store evaluating quotas with the given tracker.
func New(tracker *quota.Tracker) *Store {
	return &Store{
		keys:    make(map[string]*Record),
		aliases: make(map[string]string),
		byNS:    make(map[string]map[string]struct{}),
		byGroup: make(map[string]map[string]struct{}),
		ledgers: make(map[string][]LedgerEntry),
		tracker: tracker,
		now:     time.Now,
	}
}

// CreateParams describes a new key.
type CreateParams struct {
	Alias         string
	Name          string
	Namespace     string
	Group         string
	Tags          []string
	Credits       int64
	SpendingLimit int64
	AllowedTools  []string
	DeniedTools   []string
	IPAllowlist   []string
	Quota         *quota.Limits
	AutoTopup     *AutoTopup
	ExpiresAt     *time.Time
}

// Create mints a new key record. The generated key string is in Record.Key.
func (s *Store) Create(p CreateParams) (*Record, error) {
	if len(p.Tags) > MaxTags {
		return nil, ErrTooManyTags
	}

	s.mu.Lock()
	if p.Alias != "" {
		if _, taken := s.aliases[p.Alias]; taken {
			s.mu.Unlock()
			return nil, ErrAliasTaken
		}
	}

	rec := &Record{
		Key:           idgen.APIKey(),
		Alias:         p.Alias,
		Name:          p.Name,
		Namespace:     p.Namespace,
		Group:         p.Group,
		Tags:          append([]string(nil), p.Tags...),
		Credits:       p.Credits,
		SpendingLimit: p.SpendingLimit,
		AllowedTools:  append([]string(nil), p.AllowedTools...),
		DeniedTools:   append([]string(nil), p.DeniedTools...),
		IPAllowlist:   append([]string(nil), p.IPAllowlist...),
		Quota:         p.Quota,
		AutoTopup:     p.AutoTopup,
		ExpiresAt:     p.ExpiresAt,
		Active:        true,
		CreatedAt:     s.now(),
	}

	s.indexLocked(rec)
	if p.Credits > 0 {
		s.appendLedgerLocked(rec.Key, EntryInitial, p.Credits, 0, p.Credits, "initial balance")
	}
	cp := rec.clone()
	s.mu.Unlock()

	s.mutated(cp)
	return cp, nil
}

// indexLocked inserts a record into the primary map and all indexes.
func (s *Store) indexLocked(rec *Record) {
	s.keys[rec.Key] = rec
	if rec.Alias != "" {
		s.aliases[rec.Alias] = rec.Key
	}
	if rec.Namespace != "" {
		set, ok := s.byNS[rec.Namespace]
		if !ok {
			set = make(map[string]struct{})
			s.byNS[rec.Namespace] = set
		}
		set[rec.Key] = struct{}{}
	}
	if rec.Group != "" {
		set, ok := s.byGroup[rec.Group]
		if !ok {
			set = make(map[string]struct{})
			s.byGroup[rec.Group] = set
		}
		set[rec.Key] = struct{}{}
	}
}

// Get returns a copy of a usable record, or nil if the key is unknown,
// revoked, suspended, or expired.
func (s *Store) Get(key string) *Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.keys[key]
	if !ok || !rec.Usable(s.now()) {
		return nil
	}
	return rec.clone()
}

// GetRaw returns a copy of a record regardless of state, for admin views and
// for the gate, which reports revoked/suspended/expired as distinct denials.
func (s *Store) GetRaw(key string) *Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.keys[key]
	if !ok {
		return nil
	}
	return rec.clone()
}

// GetByAlias resolves an alias to its record copy (raw).
func (s *Store) GetByAlias(alias string) *Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.aliases[alias]
	if !ok {
		return nil
	}
	rec, ok := s.keys[key]
	if !ok {
		return nil
	}
	return rec.clone()
}

// update runs fn on the live record under the write lock, marks the snapshot
// dirty, and fires OnMutate with a copy.
func (s *Store) update(key string, fn func(rec *Record) error) error {
	s.mu.Lock()
	rec, ok := s.keys[key]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if err := fn(rec); err != nil {
		s.mu.Unlock()
		return err
	}
	cp := rec.clone()
	s.mu.Unlock()

	s.mutated(cp)
	return nil
}

func (s *Store) mutated(cp *Record) {
	s.dirty.Store(true)
	if s.OnMutate != nil {
		s.OnMutate(cp)
	}
}

// TryDeduct is the single local decrement path: if the key exists, is
// usable, has at least amount credits, and the deduction would not breach
// the spending limit, it deducts, bumps TotalSpent and TotalCalls, and
// writes a charge ledger entry, all as one step under the lock.
func (s *Store) TryDeduct(key string, amount int64) bool {
	if amount < 0 {
		return false
	}

	s.mu.Lock()
	rec, ok := s.keys[key]
	if !ok || !rec.Usable(s.now()) || rec.Credits < amount {
		s.mu.Unlock()
		return false
	}
	if rec.SpendingLimit > 0 && rec.TotalSpent+amount > rec.SpendingLimit {
		s.mu.Unlock()
		return false
	}

	before := rec.Credits
	rec.Credits -= amount
	rec.TotalSpent += amount
	rec.TotalCalls++
	rec.LastUsedAt = s.now()
	s.appendLedgerLocked(key, EntryCharge, amount, before, rec.Credits, "")
	cp := rec.clone()
	s.mu.Unlock()

	s.mutated(cp)
	return true
}

// ApplyDeduct force-applies a deduction decided elsewhere (the Redis atomic
// counter), flooring credits at zero. It keeps the local cache coherent and
// writes the same ledger trail as TryDeduct.
func (s *Store) ApplyDeduct(key string, amount int64) {
	_ = s.update(key, func(rec *Record) error {
		before := rec.Credits
		rec.Credits -= amount
		if rec.Credits < 0 {
			rec.Credits = 0
		}
		rec.TotalSpent += amount
		rec.TotalCalls++
		rec.LastUsedAt = s.now()
		s.appendLedgerLocked(key, EntryCharge, amount, before, rec.Credits, "redis-decided")
		return nil
	})
}

// Refund reverses a charge: credits go back, TotalSpent is reduced (floored
// at zero), and a refund entry is written. TotalCalls stands; the call
// happened.
func (s *Store) Refund(key string, amount int64, memo string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return s.update(key, func(rec *Record) error {
		before := rec.Credits
		rec.Credits += amount
		rec.TotalSpent -= amount
		if rec.TotalSpent < 0 {
			rec.TotalSpent = 0
		}
		s.appendLedgerLocked(key, EntryRefund, amount, before, rec.Credits, memo)
		return nil
	})
}

// AddCredits raises the balance with the given ledger entry type.
func (s *Store) AddCredits(key string, amount int64, typ EntryType, memo string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	var newBalance int64
	err := s.update(key, func(rec *Record) error {
		before := rec.Credits
		rec.Credits += amount
		newBalance = rec.Credits
		s.appendLedgerLocked(key, typ, amount, before, rec.Credits, memo)
		return nil
	})
	return newBalance, err
}

// Transfer moves credits between keys, writing paired ledger entries.
func (s *Store) Transfer(fromKey, toKey string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	s.mu.Lock()
	from, ok := s.keys[fromKey]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	to, ok := s.keys[toKey]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if from.Credits < amount {
		s.mu.Unlock()
		return fmt.Errorf("keystore: insufficient credits for transfer")
	}

	fromBefore, toBefore := from.Credits, to.Credits
	from.Credits -= amount
	to.Credits += amount
	s.appendLedgerLocked(fromKey, EntryTransferOut, amount, fromBefore, from.Credits, "to "+toKey)
	s.appendLedgerLocked(toKey, EntryTransferIn, amount, toBefore, to.Credits, "from "+fromKey)
	fromCp, toCp := from.clone(), to.clone()
	s.mu.Unlock()

	s.mutated(fromCp)
	s.mutated(toCp)
	return nil
}

// MaybeAutoTopup refills the balance when it has dropped below the
// configured threshold and the per-day cap permits. Returns the topped-up
// amount (0 if nothing happened).
func (s *Store) MaybeAutoTopup(key string) int64 {
	var (
		topped     int64
		newBalance int64
	)
	err := s.update(key, func(rec *Record) error {
		at := rec.AutoTopup
		if at == nil || at.Amount <= 0 || rec.Credits >= at.Threshold {
			return nil
		}

		day := s.now().UTC().Format("2006-01-02")
		if at.LastChargeDay != day {
			at.LastChargeDay = day
			at.PerDayCharged = 0
		}
		if at.MaxDaily > 0 && at.PerDayCharged+at.Amount > at.MaxDaily {
			return nil
		}

		before := rec.Credits
		rec.Credits += at.Amount
		at.PerDayCharged += at.Amount
		s.appendLedgerLocked(key, EntryAutoTopup, at.Amount, before, rec.Credits, "")
		topped = at.Amount
		newBalance = rec.Credits
		return nil
	})
	if err != nil || topped == 0 {
		return 0
	}
	if s.OnAutoTopup != nil {
		s.OnAutoTopup(key, topped, newBalance)
	}
	return topped
}

// CheckQuota evaluates the effective quota (record override, else global)
// for a prospective charge. Usage is not consumed; call RecordQuota after
// the backend call succeeds.
func (s *Store) CheckQuota(key string, creditsRequired int64) (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.keys[key]
	if !ok {
		return false, "unknown_key"
	}
	// Rollover mutates the reset markers, so this holds the write lock.
	allowed, reason := s.tracker.Check(&rec.QuotaCounters, rec.Quota, creditsRequired)
	return allowed, reason
}

// RecordQuota consumes quota after a successful charged call.
func (s *Store) RecordQuota(key string, creditsCharged int64) {
	_ = s.update(key, func(rec *Record) error {
		s.tracker.Record(&rec.QuotaCounters, creditsCharged)
		return nil
	})
}

// UnrecordQuota reverses RecordQuota for refunds.
func (s *Store) UnrecordQuota(key string, creditsCharged int64) {
	_ = s.update(key, func(rec *Record) error {
		s.tracker.Unrecord(&rec.QuotaCounters, creditsCharged)
		return nil
	})
}

// Suspend blocks use of the key without invalidating it.
func (s *Store) Suspend(key string) error {
	return s.update(key, func(rec *Record) error {
		rec.Suspended = true
		return nil
	})
}

// Resume lifts a suspension.
func (s *Store) Resume(key string) error {
	return s.update(key, func(rec *Record) error {
		rec.Suspended = false
		return nil
	})
}

// Revoke permanently deactivates a key. Returns true on the first
// revocation, false if the key was already revoked.
func (s *Store) Revoke(key string) (bool, error) {
	var first bool
	err := s.update(key, func(rec *Record) error {
		first = rec.Active
		rec.Active = false
		return nil
	})
	return first, err
}

// Rotate replaces a key string with a fresh one, preserving policy and
// counters. The old record is revoked.
func (s *Store) Rotate(key string) (*Record, error) {
	s.mu.Lock()
	old, ok := s.keys[key]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if !old.Active {
		s.mu.Unlock()
		return nil, ErrRevokedKey
	}

	succ := old.clone()
	succ.Key = idgen.APIKey()
	succ.CreatedAt = s.now()

	// The alias moves with the rotation.
	old.Active = false
	alias := old.Alias
	old.Alias = ""
	if alias != "" {
		s.aliases[alias] = succ.Key
	}

	s.ledgers[succ.Key] = append([]LedgerEntry(nil), s.ledgers[key]...)
	s.indexLocked(succ)
	oldCp, succCp := old.clone(), succ.clone()
	s.mu.Unlock()

	s.mutated(oldCp)
	s.mutated(succCp)
	return succCp, nil
}

// Clone creates a new key with the same policy as an existing one but fresh
// counters and a zero balance.
func (s *Store) Clone(key, name string) (*Record, error) {
	src := s.GetRaw(key)
	if src == nil {
		return nil, ErrNotFound
	}
	return s.Create(CreateParams{
		Name:          name,
		Namespace:     src.Namespace,
		Group:         src.Group,
		Tags:          src.Tags,
		SpendingLimit: src.SpendingLimit,
		AllowedTools:  src.AllowedTools,
		DeniedTools:   src.DeniedTools,
		IPAllowlist:   src.IPAllowlist,
		Quota:         src.Quota,
		ExpiresAt:     src.ExpiresAt,
	})
}

// SetAlias changes or clears ("" clears) the alias, keeping the index
// consistent.
func (s *Store) SetAlias(key, alias string) error {
	s.mu.Lock()
	rec, ok := s.keys[key]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if alias != "" {
		if owner, taken := s.aliases[alias]; taken && owner != key {
			s.mu.Unlock()
			return ErrAliasTaken
		}
	}
	if rec.Alias != "" {
		delete(s.aliases, rec.Alias)
	}
	rec.Alias = alias
	if alias != "" {
		s.aliases[alias] = key
	}
	cp := rec.clone()
	s.mu.Unlock()

	s.mutated(cp)
	return nil
}

// SetACL replaces the tool allow/deny lists.
func (s *Store) SetACL(key string, allowed, denied []string) error {
	return s.update(key, func(rec *Record) error {
		rec.AllowedTools = append([]string(nil), allowed...)
		rec.DeniedTools = append([]string(nil), denied...)
		return nil
	})
}

// SetQuota replaces the per-key quota override (nil reverts to global).
func (s *Store) SetQuota(key string, limits *quota.Limits) error {
	return s.update(key, func(rec *Record) error {
		rec.Quota = limits
		return nil
	})
}

// SetTags replaces the tag list.
func (s *Store) SetTags(key string, tags []string) error {
	if len(tags) > MaxTags {
		return ErrTooManyTags
	}
	return s.update(key, func(rec *Record) error {
		rec.Tags = append([]string(nil), tags...)
		return nil
	})
}

// SetIPAllowlist replaces the client IP allowlist.
func (s *Store) SetIPAllowlist(key string, entries []string) error {
	return s.update(key, func(rec *Record) error {
		rec.IPAllowlist = append([]string(nil), entries...)
		return nil
	})
}

// SetExpiry sets or clears the expiry instant.
func (s *Store) SetExpiry(key string, at *time.Time) error {
	return s.update(key, func(rec *Record) error {
		rec.ExpiresAt = at
		return nil
	})
}

// SetSpendingLimit sets the lifetime spend cap (0 = unlimited).
func (s *Store) SetSpendingLimit(key string, limit int64) error {
	return s.update(key, func(rec *Record) error {
		rec.SpendingLimit = limit
		return nil
	})
}

// SetAutoTopup sets or clears the auto-topup policy.
func (s *Store) SetAutoTopup(key string, at *AutoTopup) error {
	return s.update(key, func(rec *Record) error {
		rec.AutoTopup = at
		return nil
	})
}

// AddNote appends an admin note, capped at MaxNotes per key.
func (s *Store) AddNote(key, text string) error {
	return s.update(key, func(rec *Record) error {
		if len(rec.Notes) >= MaxNotes {
			return ErrTooManyNotes
		}
		rec.Notes = append(rec.Notes, Note{CreatedAt: s.now(), Text: text})
		return nil
	})
}

// ApplyRemote overwrites the local record with state learned from a peer
// replica. Counters are taken as-is: Redis is authoritative for them.
func (s *Store) ApplyRemote(rec *Record) {
	if rec == nil || rec.Key == "" {
		return
	}
	s.mu.Lock()
	if old, ok := s.keys[rec.Key]; ok && old.Alias != "" && old.Alias != rec.Alias {
		delete(s.aliases, old.Alias)
	}
	s.indexLocked(rec.clone())
	s.mu.Unlock()
	s.dirty.Store(true) // local snapshot only; no OnMutate, or replicas would echo forever
}

// ListOptions filters and paginates List.
type ListOptions struct {
	Namespace string
	Group     string
	SortBy    string // "created" (default), "lastUsed", "credits", "spent"
	Offset    int
	Limit     int // 0 = no limit
	Predicate func(*Record) bool
}

// List returns matching record copies.
func (s *Store) List(opts ListOptions) []*Record {
	s.mu.RLock()
	var out []*Record
	for _, rec := range s.keys {
		if opts.Namespace != "" && rec.Namespace != opts.Namespace {
			continue
		}
		if opts.Group != "" && rec.Group != opts.Group {
			continue
		}
		if opts.Predicate != nil && !opts.Predicate(rec) {
			continue
		}
		out = append(out, rec.clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		switch opts.SortBy {
		case "lastUsed":
			return out[i].LastUsedAt.After(out[j].LastUsedAt)
		case "credits":
			return out[i].Credits > out[j].Credits
		case "spent":
			return out[i].TotalSpent > out[j].TotalSpent
		default:
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

// Stats reports aggregate gauges: total keys, usable keys, summed credits.
func (s *Store) Stats() (total, active int, credits int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	for _, rec := range s.keys {
		total++
		if rec.Usable(now) {
			active++
		}
		credits += rec.Credits
	}
	return total, active, credits
}
