// MobClaw - Signal chatbot framework with MobileCoin payments
// License: MIT
//
// Copyright (c) 2026 MobClaw contributors

package signal

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/zhaopengme/mobclaw/pkg/message"
)

// ErrAbandoned resolves futures whose responses will never arrive: requests
// cancelled at shutdown or evicted by the TTL sweep.
var ErrAbandoned = errors.New("request abandoned")

// Request is one outbound JSON-RPC request to the Signal client.
type Request struct {
	JSONRPC string                 `json:"jsonrpc"`
	ID      string                 `json:"id"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Future is the single-resolution result of an outbound request.
type Future struct {
	ch   chan *message.Message
	once sync.Once
}

func newFuture() *Future {
	return &Future{ch: make(chan *message.Message, 1)}
}

// Wait blocks until the correlated response arrives. ErrAbandoned means no
// response will ever arrive; ctx errors pass through.
func (f *Future) Wait(ctx context.Context) (*message.Message, error) {
	select {
	case msg, ok := <-f.ch:
		if !ok {
			return nil, ErrAbandoned
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolve completes the future at most once. Later calls are dropped.
func (f *Future) resolve(msg *message.Message) {
	f.once.Do(func() {
		f.ch <- msg
		close(f.ch)
	})
}

func (f *Future) abandon() {
	f.once.Do(func() { close(f.ch) })
}

// ResolvedFuture returns a future already resolved with msg. Used by the
// local console sender and in tests.
func ResolvedFuture(msg *message.Message) *Future {
	f := newFuture()
	f.resolve(msg)
	return f
}

type pendingEntry struct {
	future  *Future
	request Request
	created time.Time
}

// pendingTable correlates request ids with their futures and keeps the
// original request around for the 413 retry path.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingEntry)}
}

func (t *pendingTable) add(req Request) *Future {
	f := newFuture()
	t.mu.Lock()
	t.entries[req.ID] = &pendingEntry{future: f, request: req, created: time.Now()}
	t.mu.Unlock()
	return f
}

// take removes and returns the entry for id, if any.
func (t *pendingTable) take(id string) (*pendingEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return e, ok
}

// lookup returns the entry without removing it.
func (t *pendingTable) lookup(id string) (*pendingEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	return e, ok
}

func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// sweep abandons entries older than ttl and returns how many it evicted.
// Futures whose subprocess died mid-request would otherwise leak forever.
func (t *pendingTable) sweep(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	t.mu.Lock()
	var evicted []*pendingEntry
	for id, e := range t.entries {
		if e.created.Before(cutoff) {
			evicted = append(evicted, e)
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()

	for _, e := range evicted {
		e.future.abandon()
	}
	return len(evicted)
}

// abandonAll resolves every outstanding future with cancellation. Used at
// shutdown.
func (t *pendingTable) abandonAll() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*pendingEntry)
	t.mu.Unlock()

	for _, e := range entries {
		e.future.abandon()
	}
}

// isRateLimited recognizes the Signal service's 413 in an RPC error payload.
func isRateLimited(err *message.RPCError) bool {
	if err == nil {
		return false
	}
	return strings.Contains(string(err.Data), "status: 413") ||
		strings.Contains(err.Message, "status: 413")
}
