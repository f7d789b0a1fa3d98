package datastore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/zhaopengme/mobclaw/pkg/logger"
)

const recordPrefix = "account:"

// PebbleStore is the bundled single-host Store. Fleet deployments point
// DATABASE_URL at the external Postgres store instead.
type PebbleStore struct {
	db *pebble.DB
}

func OpenPebble(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open account store at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func recordKey(id string) []byte {
	return []byte(recordPrefix + id)
}

func (s *PebbleStore) Get(_ context.Context, id string) (*Record, error) {
	value, closer, err := s.db.Get(recordKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNoSuchAccount
	}
	if err != nil {
		return nil, fmt.Errorf("account store get: %w", err)
	}
	defer closer.Close()

	var rec Record
	if err := json.Unmarshal(value, &rec); err != nil {
		return nil, fmt.Errorf("corrupt account record for %s: %w", id, err)
	}
	return &rec, nil
}

func (s *PebbleStore) Upsert(_ context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal account record: %w", err)
	}
	if err := s.db.Set(recordKey(rec.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("account store set: %w", err)
	}
	return nil
}

func (s *PebbleStore) Claim(ctx context.Context, id, node string, claimMs int64) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	rec.LastClaimMs = claimMs
	rec.ActiveNodeName = node
	return s.Upsert(ctx, rec)
}

func (s *PebbleStore) Free(ctx context.Context, id string) error {
	rec, err := s.Get(ctx, id)
	if errors.Is(err, ErrNoSuchAccount) {
		return nil
	}
	if err != nil {
		return err
	}
	rec.LastClaimMs = 0
	rec.ActiveNodeName = ""
	return s.Upsert(ctx, rec)
}

func (s *PebbleStore) Sweep(ctx context.Context, cutoffMs int64) (int, error) {
	prefix := []byte(recordPrefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, fmt.Errorf("account store iter: %w", err)
	}
	defer iter.Close()

	var stale []string
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			logger.WarnCF("datastore", "Skipping corrupt record during sweep",
				map[string]interface{}{"key": string(iter.Key())})
			continue
		}
		if rec.LastClaimMs != 0 && rec.LastUpdateMs < cutoffMs {
			stale = append(stale, rec.ID)
		}
	}

	for _, id := range stale {
		if err := s.Free(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
