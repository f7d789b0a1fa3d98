// MobClaw - Signal chatbot framework with MobileCoin payments
// License: MIT
//
// Copyright (c) 2026 MobClaw contributors

// Package datastore persists a Signal account's key material as an opaque
// tarball and coordinates single-writer ownership of it across a fleet.
//
// The canonical backing table (for deployments running the external
// Postgres store) is:
//
//	CREATE TABLE signal_accounts (
//	    id               TEXT PRIMARY KEY,
//	    datastore        BYTEA,
//	    last_update_ms   BIGINT,
//	    last_claim_ms    BIGINT,
//	    active_node_name TEXT
//	);
//
// The bundled implementation stores the same records in a local pebble
// database; both sit behind the Store interface.
package datastore

import (
	"context"
	"errors"
)

var (
	// ErrNoSuchAccount means the store has no record for the requested
	// number. Fatal at startup.
	ErrNoSuchAccount = errors.New("no such account in datastore")

	// ErrNotRegistered refuses an upload of key material that was never
	// registered with Signal.
	ErrNotRegistered = errors.New("refusing to upload unregistered datastore")
)

// Record is one account's persisted state. A record is free iff
// LastClaimMs == 0; at most one node holds ActiveNodeName at a time.
type Record struct {
	ID             string `json:"id"`
	Datastore      []byte `json:"datastore"`
	LastUpdateMs   int64  `json:"last_update_ms"`
	LastClaimMs    int64  `json:"last_claim_ms"`
	ActiveNodeName string `json:"active_node_name"`
}

// Store is the record table. Implementations must make Upsert atomic per id.
type Store interface {
	// Get returns the record for id, or ErrNoSuchAccount.
	Get(ctx context.Context, id string) (*Record, error)

	// Upsert writes the full record keyed on id.
	Upsert(ctx context.Context, rec *Record) error

	// Claim marks id as owned by node at claimMs without touching the
	// tarball.
	Claim(ctx context.Context, id, node string, claimMs int64) error

	// Free clears the claim: last_claim_ms = 0, active_node_name = "".
	Free(ctx context.Context, id string) error

	// Sweep frees every record whose last_update_ms is older than
	// cutoffMs and returns how many it freed.
	Sweep(ctx context.Context, cutoffMs int64) (int, error)

	Close() error
}
