// MobClaw - Signal chatbot framework with MobileCoin payments
// License: MIT
//
// Copyright (c) 2026 MobClaw contributors

// Package pmap is a persistent key→JSON map for bot state. Every mutation
// reaches the backend before the call returns, so a crashed process never
// holds unflushed state. The backend only ever sees salted key hashes and
// encrypted, compressed value blobs.
package pmap

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/nacl/secretbox"
)

// envelope is the plaintext form of one stored value. Keeping the original
// key inside lets Keys and Dict recover names the backend cannot.
type envelope struct {
	K string          `json:"k"`
	V json.RawMessage `json:"v"`
}

// Map is one named persistent map. Multiple maps share a backend,
// distinguished by tag.
type Map struct {
	backend Backend
	tag     string
	salt    string
	key     [32]byte

	mu  sync.Mutex
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// New builds a map over backend. aesKey and salt come from config; the
// same pair must be used to read values back.
func New(backend Backend, tag, aesKey, salt string) (*Map, error) {
	if aesKey == "" {
		return nil, fmt.Errorf("pmap requires an encryption key")
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	m := &Map{
		backend: backend,
		tag:     tag,
		salt:    salt,
		key:     sha256.Sum256([]byte(aesKey)),
		enc:     enc,
		dec:     dec,
	}
	return m, nil
}

// storageKey hides the original key from the backend: a salted hash with
// the tag as a listable prefix.
func (m *Map) storageKey(k string) string {
	sum := sha256.Sum256([]byte(m.salt + m.tag + k))
	return m.tag + ":" + hex.EncodeToString(sum[:])
}

func (m *Map) seal(k string, value json.RawMessage) ([]byte, error) {
	plain, err := json.Marshal(envelope{K: k, V: value})
	if err != nil {
		return nil, err
	}
	compressed := m.enc.EncodeAll(plain, nil)

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], compressed, &nonce, &m.key), nil
}

func (m *Map) open(blob []byte) (*envelope, error) {
	if len(blob) < 24 {
		return nil, fmt.Errorf("stored blob too short")
	}
	var nonce [24]byte
	copy(nonce[:], blob[:24])
	compressed, ok := secretbox.Open(nil, blob[24:], &nonce, &m.key)
	if !ok {
		return nil, fmt.Errorf("stored blob failed authentication")
	}
	plain, err := m.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("stored blob failed decompression: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(plain, &env); err != nil {
		return nil, fmt.Errorf("stored blob is not an envelope: %w", err)
	}
	return &env, nil
}

// Set stores v under k, serialized to the backend before returning.
func (m *Map) Set(k string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("pmap value for %q not serializable: %w", k, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setLocked(k, raw)
}

func (m *Map) setLocked(k string, raw json.RawMessage) error {
	blob, err := m.seal(k, raw)
	if err != nil {
		return err
	}
	return m.backend.Put(m.storageKey(k), blob)
}

// Get loads k into out. False means the key is absent and out is untouched,
// so callers pre-fill out with their default.
func (m *Map) Get(k string, out interface{}) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, ok, err := m.getLocked(k)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("pmap value for %q does not fit: %w", k, err)
	}
	return true, nil
}

func (m *Map) getLocked(k string) (json.RawMessage, bool, error) {
	blob, ok, err := m.backend.Get(m.storageKey(k))
	if err != nil || !ok {
		return nil, false, err
	}
	env, err := m.open(blob)
	if err != nil {
		return nil, false, err
	}
	return env.V, true, nil
}

// Remove deletes k. Removing an absent key is not an error.
func (m *Map) Remove(k string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backend.Delete(m.storageKey(k))
}

// Increment adds n to the integer at k, treating an absent key as zero, and
// returns the new value.
func (m *Map) Increment(k string, n int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current int64
	raw, ok, err := m.getLocked(k)
	if err != nil {
		return 0, err
	}
	if ok {
		if err := json.Unmarshal(raw, &current); err != nil {
			return 0, fmt.Errorf("pmap value for %q is not an integer: %w", k, err)
		}
	}
	current += n

	updated, err := json.Marshal(current)
	if err != nil {
		return 0, err
	}
	return current, m.setLocked(k, updated)
}

// Extend appends item to the list at k, creating the list when absent.
func (m *Map) Extend(k string, item interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var list []json.RawMessage
	raw, ok, err := m.getLocked(k)
	if err != nil {
		return err
	}
	if ok {
		if err := json.Unmarshal(raw, &list); err != nil {
			return fmt.Errorf("pmap value for %q is not a list: %w", k, err)
		}
	}
	encoded, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("pmap list item for %q not serializable: %w", k, err)
	}
	list = append(list, encoded)

	updated, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return m.setLocked(k, updated)
}

// Keys lists the original key names of this map.
func (m *Map) Keys() ([]string, error) {
	dict, err := m.Dict()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(dict))
	for k := range dict {
		keys = append(keys, k)
	}
	return keys, nil
}

// Dict returns the whole map with original keys and raw JSON values.
func (m *Map) Dict() (map[string]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	blobs, err := m.backend.List(m.tag + ":")
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(blobs))
	for storageKey, blob := range blobs {
		env, err := m.open(blob)
		if err != nil {
			return nil, fmt.Errorf("pmap entry %s unreadable: %w", storageKey, err)
		}
		out[env.K] = env.V
	}
	return out, nil
}
