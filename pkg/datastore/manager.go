package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zhaopengme/mobclaw/pkg/logger"
)

const (
	// claimWait bounds how long Download waits for another node to
	// release its claim before forcing the download.
	claimWait     = 30 * time.Second
	claimPoll     = 6 * time.Second
	staleAfter    = time.Hour
	datastoreRoot = "signal-data"
)

// Manager owns one account's key material on this node: it downloads and
// claims the record at startup, re-uploads it at shutdown, and keeps the
// fleet honest via the hourly sweep.
type Manager struct {
	store  Store
	number string
	node   string
	root   string

	// shrunk by tests
	wait time.Duration
	poll time.Duration

	registered bool
}

func NewManager(store Store, number, node, stateDir string) *Manager {
	return &Manager{
		store:  store,
		number: number,
		node:   node,
		root:   filepath.Join(stateDir, datastoreRoot),
		wait:   claimWait,
		poll:   claimPoll,
	}
}

// Root is the directory the Signal client is pointed at (--config).
func (m *Manager) Root() string { return m.root }

// Download fetches the account record, waiting out a competing claim, then
// extracts the tarball into the working tree and marks this node as
// claimant. Fails with ErrNoSuchAccount when the record is absent.
func (m *Manager) Download(ctx context.Context) error {
	if _, err := m.Sweep(ctx); err != nil {
		logger.WarnCF("datastore", "Sweep before download failed", map[string]interface{}{"error": err.Error()})
	}

	deadline := time.Now().Add(m.wait)
	var rec *Record
	for {
		var err error
		rec, err = m.store.Get(ctx, m.number)
		if err != nil {
			return err
		}
		if rec.LastClaimMs == 0 || rec.ActiveNodeName == "" || rec.ActiveNodeName == m.node {
			break
		}
		if time.Now().After(deadline) {
			// The claimant may be dead; proceeding is the recovery
			// path for a crashed download-extract-mark sequence.
			logger.WarnCF("datastore", "Claim not released in time, forcing download",
				map[string]interface{}{"claimant": rec.ActiveNodeName, "number": m.number})
			break
		}
		logger.InfoCF("datastore", "Waiting for claim to clear",
			map[string]interface{}{"claimant": rec.ActiveNodeName})
		select {
		case <-time.After(m.poll):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if len(rec.Datastore) > 0 {
		if err := os.RemoveAll(m.root); err != nil {
			return fmt.Errorf("failed to clear working tree: %w", err)
		}
		if err := ExtractTarball(rec.Datastore, m.root); err != nil {
			return fmt.Errorf("failed to extract datastore: %w", err)
		}
	}

	if err := m.store.Claim(ctx, m.number, m.node, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to mark claim: %w", err)
	}

	m.registered = m.isRegistered()
	logger.InfoCF("datastore", "Downloaded and claimed account",
		map[string]interface{}{"number": m.number, "registered": m.registered, "root": m.root})
	return nil
}

// Upload packs the key directory and upserts it. Refuses to overwrite the
// stored copy with key material that was never registered.
func (m *Manager) Upload(ctx context.Context) error {
	if !m.isRegistered() {
		return ErrNotRegistered
	}

	data, err := PackTarball(m.root)
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	rec := &Record{
		ID:             m.number,
		Datastore:      data,
		LastUpdateMs:   now,
		LastClaimMs:    now,
		ActiveNodeName: m.node,
	}
	if err := m.store.Upsert(ctx, rec); err != nil {
		return err
	}

	logger.InfoCF("datastore", "Uploaded datastore",
		map[string]interface{}{"number": m.number, "bytes": len(data)})
	return nil
}

// MarkFreed releases this node's claim.
func (m *Manager) MarkFreed(ctx context.Context) error {
	return m.store.Free(ctx, m.number)
}

// Sweep frees every record that has not been updated within the last hour.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-staleAfter).UnixMilli()
	n, err := m.store.Sweep(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.InfoCF("datastore", "Freed stale claims", map[string]interface{}{"count": n})
	}
	return n, nil
}

// isRegistered inspects the signal-cli account file for this number. The
// client keeps a JSON blob per account under data/<number>.
func (m *Manager) isRegistered() bool {
	raw, err := os.ReadFile(filepath.Join(m.root, "data", m.number))
	if err != nil {
		return false
	}
	var account struct {
		Registered bool `json:"registered"`
	}
	if err := json.Unmarshal(raw, &account); err != nil {
		return false
	}
	return account.Registered
}
