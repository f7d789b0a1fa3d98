// MobClaw - Signal chatbot framework with MobileCoin payments
// License: MIT
//
// Copyright (c) 2026 MobClaw contributors

package pmap

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/valyala/fasthttp"
)

// ErrStorageUnavailable surfaces after the bounded retries against the
// backend are exhausted. Callers decide whether stale data is acceptable.
var ErrStorageUnavailable = errors.New("storage unavailable")

// Backend stores opaque blobs under opaque keys. Implementations never see
// plaintext: the Map encrypts values and hashes keys before they get here.
type Backend interface {
	Put(key string, value []byte) error
	Get(key string) ([]byte, bool, error)
	Delete(key string) error
	// List returns every key/value pair whose key starts with prefix.
	List(prefix string) (map[string][]byte, error)
}

// HTTPBackend talks to a remote KV endpoint:
//
//	PUT    {base}/{key}         store body
//	GET    {base}/{key}         fetch (404 = absent)
//	DELETE {base}/{key}         remove
//	GET    {base}/?prefix={p}   JSON object of base64 values
type HTTPBackend struct {
	base     string
	client   *fasthttp.Client
	attempts int
	backoff  time.Duration
}

func NewHTTPBackend(base string) *HTTPBackend {
	return &HTTPBackend{
		base:     base,
		client:   &fasthttp.Client{},
		attempts: 4,
		backoff:  100 * time.Millisecond,
	}
}

// do retries transient failures with jittered backoff before giving up.
func (b *HTTPBackend) do(method, uri string, body []byte) (int, []byte, error) {
	var lastErr error
	for attempt := 0; attempt < b.attempts; attempt++ {
		if attempt > 0 {
			sleep := b.backoff << (attempt - 1)
			time.Sleep(sleep + time.Duration(rand.Int63n(int64(sleep))))
		}

		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		req.SetRequestURI(uri)
		req.Header.SetMethod(method)
		if body != nil {
			req.SetBody(body)
		}

		err := b.client.DoTimeout(req, resp, 10*time.Second)
		status := resp.StatusCode()
		respBody := append([]byte(nil), resp.Body()...)
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)

		if err != nil {
			lastErr = err
			continue
		}
		if status >= 500 {
			lastErr = fmt.Errorf("kv endpoint returned HTTP %d", status)
			continue
		}
		return status, respBody, nil
	}
	return 0, nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, lastErr)
}

func (b *HTTPBackend) keyURI(key string) string {
	return b.base + "/" + url.PathEscape(key)
}

func (b *HTTPBackend) Put(key string, value []byte) error {
	status, _, err := b.do(fasthttp.MethodPut, b.keyURI(key), value)
	if err != nil {
		return err
	}
	if status != fasthttp.StatusOK && status != fasthttp.StatusCreated && status != fasthttp.StatusNoContent {
		return fmt.Errorf("kv put %s returned HTTP %d", key, status)
	}
	return nil
}

func (b *HTTPBackend) Get(key string) ([]byte, bool, error) {
	status, body, err := b.do(fasthttp.MethodGet, b.keyURI(key), nil)
	if err != nil {
		return nil, false, err
	}
	if status == fasthttp.StatusNotFound {
		return nil, false, nil
	}
	if status != fasthttp.StatusOK {
		return nil, false, fmt.Errorf("kv get %s returned HTTP %d", key, status)
	}
	return body, true, nil
}

func (b *HTTPBackend) Delete(key string) error {
	status, _, err := b.do(fasthttp.MethodDelete, b.keyURI(key), nil)
	if err != nil {
		return err
	}
	if status != fasthttp.StatusOK && status != fasthttp.StatusNoContent && status != fasthttp.StatusNotFound {
		return fmt.Errorf("kv delete %s returned HTTP %d", key, status)
	}
	return nil
}

func (b *HTTPBackend) List(prefix string) (map[string][]byte, error) {
	status, body, err := b.do(fasthttp.MethodGet, b.base+"/?prefix="+url.QueryEscape(prefix), nil)
	if err != nil {
		return nil, err
	}
	if status != fasthttp.StatusOK {
		return nil, fmt.Errorf("kv list returned HTTP %d", status)
	}

	var encoded map[string]string
	if err := json.Unmarshal(body, &encoded); err != nil {
		return nil, fmt.Errorf("kv list returned garbage: %w", err)
	}
	out := make(map[string][]byte, len(encoded))
	for k, v := range encoded {
		raw, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("kv list value for %s is not base64: %w", k, err)
		}
		out[k] = raw
	}
	return out, nil
}

// PebbleBackend is the bundled local Backend for single-host deployments.
type PebbleBackend struct {
	db *pebble.DB
}

const pebblePrefix = "pmap:"

func OpenPebbleBackend(path string) (*PebbleBackend, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pmap store at %s: %w", path, err)
	}
	return &PebbleBackend{db: db}, nil
}

// NewPebbleBackend wraps an already-open database, letting the account store
// and the pmap share one.
func NewPebbleBackend(db *pebble.DB) *PebbleBackend {
	return &PebbleBackend{db: db}
}

func (b *PebbleBackend) Put(key string, value []byte) error {
	return b.db.Set([]byte(pebblePrefix+key), value, pebble.Sync)
}

func (b *PebbleBackend) Get(key string) ([]byte, bool, error) {
	value, closer, err := b.db.Get([]byte(pebblePrefix + key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	return append([]byte(nil), value...), true, nil
}

func (b *PebbleBackend) Delete(key string) error {
	return b.db.Delete([]byte(pebblePrefix+key), pebble.Sync)
}

func (b *PebbleBackend) List(prefix string) (map[string][]byte, error) {
	full := []byte(pebblePrefix + prefix)
	iter, err := b.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make(map[string][]byte)
	for iter.SeekGE(full); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), full) {
			break
		}
		key := string(iter.Key())[len(pebblePrefix):]
		out[key] = append([]byte(nil), iter.Value()...)
	}
	return out, iter.Error()
}

func (b *PebbleBackend) Close() error { return b.db.Close() }
