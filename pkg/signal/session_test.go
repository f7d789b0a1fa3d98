package signal

import (
	"context"
	"encoding/json"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaopengme/mobclaw/pkg/config"
	"github.com/zhaopengme/mobclaw/pkg/message"
)

func testConfig() *config.Config {
	return &config.Config{
		BotNumber:     "+15550001111",
		SignalCLIPath: "signal-cli",
		StateDir:      "./state",
	}
}

func TestBackoffSequence(t *testing.T) {
	want := []time.Duration{
		0,
		500 * time.Millisecond,
		1500 * time.Millisecond,
		3500 * time.Millisecond,
		7500 * time.Millisecond,
	}
	for i, w := range want {
		assert.Equal(t, w, backoffFor(i), "restart %d", i)
	}
	assert.Greater(t, backoffFor(5), maxBackoff, "sixth consecutive crash exhausts the budget")
}

func TestValidRecipient(t *testing.T) {
	assert.True(t, ValidRecipient("+15551234567"))
	assert.True(t, ValidRecipient("11111111-2222-3333-4444-555555555555"))
	assert.False(t, ValidRecipient("15551234567"))
	assert.False(t, ValidRecipient("bob"))
	assert.False(t, ValidRecipient("+0123"))
}

func TestRPCCorrelation(t *testing.T) {
	s := NewSession(testConfig(), nil)

	future := s.RPC("send", map[string]interface{}{"message": "hi"})
	req, ok := s.outbox.Pop(context.Background())
	require.True(t, ok)
	assert.Equal(t, "send", req.Method)
	assert.Contains(t, req.ID, "send-")

	s.route(&message.Message{Kind: message.KindResult, ID: req.ID, Timestamp: 42})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := future.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), resp.Timestamp)
	assert.Equal(t, 0, s.pending.size())

	// A duplicate response for the same id is dropped, not double-resolved.
	s.route(&message.Message{Kind: message.KindResult, ID: req.ID, Timestamp: 43})
}

func TestRouteUnknownIDDropped(t *testing.T) {
	s := NewSession(testConfig(), nil)
	s.route(&message.Message{Kind: message.KindResult, ID: "send-nope"})
	assert.Equal(t, 0, s.Inbox.Len())
}

func TestRouteRateLimitedRequeuesSameFuture(t *testing.T) {
	s := NewSession(testConfig(), nil)

	future := s.RPC("send", map[string]interface{}{"message": "hi"})
	req, ok := s.outbox.Pop(context.Background())
	require.True(t, ok)

	s.route(&message.Message{
		Kind:  message.KindError,
		ID:    req.ID,
		Error: &message.RPCError{Code: -1, Message: "boom", Data: json.RawMessage(`"status: 413"`)},
	})

	assert.True(t, s.limiter.InBackoff())
	requeued, ok := s.outbox.Pop(context.Background())
	require.True(t, ok, "original request re-queued")
	assert.Equal(t, req.ID, requeued.ID)

	// The retry's eventual response still resolves the original future.
	s.route(&message.Message{Kind: message.KindResult, ID: req.ID, Timestamp: 7})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := future.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), resp.Timestamp)
}

func TestRouteSuppressesReceiptsAndTyping(t *testing.T) {
	s := NewSession(testConfig(), nil)
	s.route(&message.Message{Kind: message.KindReceipt, Source: "+1555"})
	s.route(&message.Message{Kind: message.KindTyping, Source: "+1555"})
	assert.Equal(t, 0, s.Inbox.Len())

	s.route(&message.Message{Kind: message.KindData, Source: "+1555", FullText: "hi"})
	assert.Equal(t, 1, s.Inbox.Len())
}

func TestSendMessageValidation(t *testing.T) {
	s := NewSession(testConfig(), nil)

	_, err := s.SendMessage("hi", SendOpts{})
	assert.Error(t, err, "neither recipient nor group")

	_, err = s.SendMessage("hi", SendOpts{Recipient: "+1555", Group: "g"})
	assert.Error(t, err, "both recipient and group")

	_, err = s.SendMessage("hi", SendOpts{Recipient: "not-a-number"})
	assert.ErrorIs(t, err, ErrInvalidRecipient)

	future, err := s.SendMessage("hi", SendOpts{Recipient: "+15551234567"})
	require.NoError(t, err)
	assert.NotNil(t, future)

	req, ok := s.outbox.Pop(context.Background())
	require.True(t, ok)
	assert.Equal(t, []string{"+15551234567"}, req.Params["recipient"])
	assert.Equal(t, "hi", req.Params["message"])
}

func TestLimiterBurstThenBlocks(t *testing.T) {
	l := NewLimiter()
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < bucketCapacity; i++ {
		require.NoError(t, l.Acquire(ctx))
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond, "initial credit is free")

	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Acquire(short), "61st send must wait for refill")
}

func TestLimiterBackoffPause(t *testing.T) {
	l := NewLimiter()
	l.pause = 50 * time.Millisecond
	l.SetBackoff()

	start := time.Now()
	require.NoError(t, l.Acquire(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.False(t, l.InBackoff(), "flag clears after one pause")
}

func TestPendingSweep(t *testing.T) {
	s := NewSession(testConfig(), nil)
	future := s.RPC("send", nil)
	require.Equal(t, 1, s.pending.size())

	assert.Equal(t, 0, s.pending.sweep(time.Minute), "fresh entries survive")
	assert.Equal(t, 1, s.pending.sweep(0))
	assert.Equal(t, 0, s.pending.size())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := future.Wait(ctx)
	assert.ErrorIs(t, err, ErrAbandoned)
}

func TestStartGivesUpOnCrashLoop(t *testing.T) {
	s := NewSession(testConfig(), nil)
	s.max = time.Millisecond // first computed backoff already exceeds this
	s.newCommand = func(ctx context.Context) *exec.Cmd {
		return exec.CommandContext(ctx, "false")
	}

	err := s.Start(context.Background())
	assert.Error(t, err)
}

func TestSubprocessInboundFlow(t *testing.T) {
	line := `{"jsonrpc":"2.0","method":"receive","params":{"envelope":{` +
		`"sourceNumber":"+15551234567","timestamp":1,"dataMessage":{"message":"/ping"}}}}`

	s := NewSession(testConfig(), nil)
	s.newCommand = func(ctx context.Context) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", "echo '"+line+"'; sleep 5")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Start(ctx) }()

	popCtx, popCancel := context.WithTimeout(ctx, 3*time.Second)
	defer popCancel()
	msg, ok := s.Inbox.Pop(popCtx)
	require.True(t, ok, "message from subprocess reached the inbox")
	assert.Equal(t, "ping", msg.Arg0)

	s.Shutdown(context.Background())
}

type orderedStore struct {
	mu    sync.Mutex
	calls []string
}

func (o *orderedStore) record(step string) {
	o.mu.Lock()
	o.calls = append(o.calls, step)
	o.mu.Unlock()
}

func (o *orderedStore) Root() string                    { return "./state" }
func (o *orderedStore) Download(context.Context) error  { o.record("download"); return nil }
func (o *orderedStore) Upload(context.Context) error    { o.record("upload"); return nil }
func (o *orderedStore) MarkFreed(context.Context) error { o.record("freed"); return nil }

// The claim must not be freed while this node's subprocess is still alive:
// upload first, then kill, then mark freed.
func TestShutdownFreesClaimLast(t *testing.T) {
	store := &orderedStore{}
	s := NewSession(testConfig(), store)
	s.newCommand = func(ctx context.Context) *exec.Cmd {
		return exec.CommandContext(ctx, "sleep", "60")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := make(chan struct{})
	go func() {
		_ = s.Start(ctx)
		close(started)
	}()

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.proc != nil && s.proc.Process != nil
	}, 3*time.Second, 10*time.Millisecond, "subprocess never came up")

	s.Shutdown(context.Background())

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown did not kill the subprocess")
	}
	assert.Equal(t, []string{"download", "upload", "freed"}, store.calls)
}

func TestShutdownAbandonsPending(t *testing.T) {
	s := NewSession(testConfig(), nil)
	future := s.RPC("send", nil)

	s.Shutdown(context.Background())
	s.Shutdown(context.Background()) // idempotent

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := future.Wait(ctx)
	assert.ErrorIs(t, err, ErrAbandoned)
}
