package oauth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

const snapshotVersion = 1

// Snapshot is the on-disk layout for OAuth state. Pending authorization
// codes are not persisted; they are short-lived enough that losing them on
// restart just means the client retries the flow.
type Snapshot struct {
	Version int                      `json:"version"`
	Clients []*Client                `json:"clients"`
	Access  map[string]*grant        `json:"access,omitempty"`
	Refresh map[string]*refreshGrant `json:"refresh,omitempty"`
}

// Export captures registrations and live grants, dropping anything expired.
func (p *Provider) Export() *Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneLocked()

	snap := &Snapshot{
		Version: snapshotVersion,
		Clients: make([]*Client, 0, len(p.clients)),
		Access:  make(map[string]*grant, len(p.access)),
		Refresh: make(map[string]*refreshGrant, len(p.refresh)),
	}
	for _, c := range p.clients {
		cp := *c
		snap.Clients = append(snap.Clients, &cp)
	}
	sort.Slice(snap.Clients, func(i, j int) bool { return snap.Clients[i].ID < snap.Clients[j].ID })
	for h, g := range p.access {
		gp := *g
		snap.Access[h] = &gp
	}
	for h, rg := range p.refresh {
		rp := *rg
		snap.Refresh[h] = &rp
	}
	return snap
}

// Import replaces provider state with the snapshot.
func (p *Provider) Import(snap *Snapshot) error {
	if snap.Version != snapshotVersion {
		return fmt.Errorf("oauth: unsupported snapshot version %d", snap.Version)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.clients = make(map[string]*Client, len(snap.Clients))
	p.codes = make(map[string]*authCode)
	p.access = make(map[string]*grant, len(snap.Access))
	p.refresh = make(map[string]*refreshGrant, len(snap.Refresh))

	for _, c := range snap.Clients {
		cp := *c
		p.clients[cp.ID] = &cp
	}
	for h, g := range snap.Access {
		gp := *g
		p.access[h] = &gp
	}
	for h, rg := range snap.Refresh {
		rp := *rg
		p.refresh[h] = &rp
	}
	return nil
}

// Save writes the snapshot atomically next to the target path.
func (p *Provider) Save(path string) error {
	data, err := json.MarshalIndent(p.Export(), "", "  ")
	if err != nil {
		return fmt.Errorf("oauth: marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".paygate-oauth-*")
	if err != nil {
		return fmt.Errorf("oauth: create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("oauth: write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("oauth: sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("oauth: close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("oauth: replace snapshot: %w", err)
	}
	return nil
}

// Load reads a snapshot from disk; a missing file leaves the provider empty.
func (p *Provider) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("oauth: read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("oauth: parse snapshot: %w", err)
	}
	return p.Import(&snap)
}
