package keystore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// snapshotVersion guards against loading snapshots from incompatible builds.
const snapshotVersion = 1

// Snapshot is the on-disk layout. Aliases are redundant with the records but
// stored explicitly so a load rebuilds the index without a scan ordering
// dependency.
type Snapshot struct {
	Version int                      `json:"version"`
	Keys    []*Record                `json:"keys"`
	Aliases map[string]string        `json:"aliases"`
	Ledgers map[string][]LedgerEntry `json:"ledgers,omitempty"`
}

// Export captures the full store state.
func (s *Store) Export() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{
		Version: snapshotVersion,
		Keys:    make([]*Record, 0, len(s.keys)),
		Aliases: make(map[string]string, len(s.aliases)),
		Ledgers: make(map[string][]LedgerEntry, len(s.ledgers)),
	}
	for _, rec := range s.keys {
		snap.Keys = append(snap.Keys, rec.clone())
	}
	// Deterministic order so repeated exports of the same state are
	// byte-identical.
	sort.Slice(snap.Keys, func(i, j int) bool { return snap.Keys[i].Key < snap.Keys[j].Key })
	for alias, key := range s.aliases {
		snap.Aliases[alias] = key
	}
	for key, entries := range s.ledgers {
		snap.Ledgers[key] = append([]LedgerEntry(nil), entries...)
	}
	return snap
}

// Import replaces the store contents with the snapshot and rebuilds all
// indexes.
func (s *Store) Import(snap *Snapshot) error {
	if snap.Version != snapshotVersion {
		return fmt.Errorf("keystore: unsupported snapshot version %d", snap.Version)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.keys = make(map[string]*Record, len(snap.Keys))
	s.aliases = make(map[string]string, len(snap.Aliases))
	s.byNS = make(map[string]map[string]struct{})
	s.byGroup = make(map[string]map[string]struct{})
	s.ledgers = make(map[string][]LedgerEntry, len(snap.Ledgers))

	for _, rec := range snap.Keys {
		s.indexLocked(rec.clone())
	}
	for key, entries := range snap.Ledgers {
		s.ledgers[key] = append([]LedgerEntry(nil), entries...)
	}
	return nil
}

// Save writes the snapshot atomically: marshal to a temp file in the same
// directory, then rename over the target. Readers never see a torn file.
func (s *Store) Save(path string) error {
	snap := s.Export()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("keystore: marshal snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".paygate-snapshot-*")
	if err != nil {
		return fmt.Errorf("keystore: create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("keystore: write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("keystore: sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("keystore: close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("keystore: replace snapshot: %w", err)
	}

	s.dirty.Store(false)
	return nil
}

// Load reads a snapshot from disk. A missing file is not an error: the
// store starts empty.
func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("keystore: read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("keystore: parse snapshot: %w", err)
	}
	return s.Import(&snap)
}

// StartFlusher coalesces snapshot writes: mutations mark the store dirty,
// and the flusher persists at most once per interval. Call in a goroutine;
// exits (after a final flush) when ctx is done.
func (s *Store) StartFlusher(ctx context.Context, path string, interval time.Duration, onErr func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	flush := func() {
		if !s.dirty.Load() {
			return
		}
		if err := s.Save(path); err != nil && onErr != nil {
			onErr(err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-ticker.C:
			flush()
		}
	}
}
