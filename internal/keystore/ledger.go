package keystore

import "time"

// EntryType classifies a credit ledger entry.
type EntryType string

const (
	EntryInitial     EntryType = "initial"
	EntryTopup       EntryType = "topup"
	EntryAutoTopup   EntryType = "auto_topup"
	EntryCharge      EntryType = "charge"
	EntryRefund      EntryType = "refund"
	EntryTransferIn  EntryType = "transfer_in"
	EntryTransferOut EntryType = "transfer_out"
)

// maxLedgerEntries bounds per-key ledger history; older entries roll off.
const maxLedgerEntries = 1000

// LedgerEntry records one credit movement with before/after balances.
type LedgerEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	Type          EntryType `json:"type"`
	Amount        int64     `json:"amount"`
	BalanceBefore int64     `json:"balanceBefore"`
	BalanceAfter  int64     `json:"balanceAfter"`
	Memo          string    `json:"memo,omitempty"`
}

// appendLedgerLocked records a credit movement. Caller holds the store lock.
func (s *Store) appendLedgerLocked(key string, typ EntryType, amount, before, after int64, memo string) {
	entries := append(s.ledgers[key], LedgerEntry{
		Timestamp:     s.now(),
		Type:          typ,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Memo:          memo,
	})
	if len(entries) > maxLedgerEntries {
		entries = entries[len(entries)-maxLedgerEntries:]
	}
	s.ledgers[key] = entries
}

// Ledger returns a copy of the credit ledger for a key, newest last.
func (s *Store) Ledger(key string) []LedgerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]LedgerEntry(nil), s.ledgers[key]...)
}
