// MobClaw - Signal chatbot framework with MobileCoin payments
// License: MIT
//
// Copyright (c) 2026 MobClaw contributors

package signal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"os/signal"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhaopengme/mobclaw/pkg/bus"
	"github.com/zhaopengme/mobclaw/pkg/config"
	"github.com/zhaopengme/mobclaw/pkg/logger"
	"github.com/zhaopengme/mobclaw/pkg/message"
)

const (
	maxBackoff = 15 * time.Second
	// pendingTTL bounds how long an unanswered request may keep its
	// future alive before the sweep evicts it.
	pendingTTL = 30 * time.Minute
)

// ErrInvalidRecipient rejects send targets that are neither E.164 nor a
// Signal account UUID.
var ErrInvalidRecipient = errors.New("recipient is neither E.164 nor a UUID")

var e164 = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// ValidRecipient reports whether who can be addressed on Signal.
func ValidRecipient(who string) bool {
	if e164.MatchString(who) {
		return true
	}
	_, err := uuid.Parse(who)
	return err == nil
}

// SendOpts shapes one outbound Signal message. Exactly one of Recipient and
// Group must be set.
type SendOpts struct {
	Recipient   string
	Group       string
	Attachments []string
	// Content is an opaque JSON payload; Signal ignores the body text
	// when it is present. Used for payment notifications.
	Content    string
	EndSession bool
}

// ProfileOpts shapes a profile update.
type ProfileOpts struct {
	GivenName      string
	FamilyName     string
	PaymentAddress string
	AvatarPath     string
}

// Store is the slice of the account datastore the session drives: download
// before launch, upload and free at shutdown. Satisfied by
// *datastore.Manager.
type Store interface {
	Root() string
	Download(ctx context.Context) error
	Upload(ctx context.Context) error
	MarkFreed(ctx context.Context) error
}

// Session owns the Signal client subprocess: it launches and supervises it,
// frames JSON-RPC over its stdio, correlates responses with requests, and
// throttles outbound writes.
type Session struct {
	cfg    *config.Config
	parser *message.Parser
	store  Store

	// Inbox receives every parsed user-facing message. The bot core
	// drains it.
	Inbox *bus.Queue[*message.Message]

	outbox  *bus.Queue[Request]
	pending *pendingTable
	limiter *Limiter

	mu   sync.Mutex
	proc *exec.Cmd

	exiting      chan struct{}
	exitOnce     sync.Once
	shutdownOnce sync.Once
	sigints      int
	sigintMu     sync.Mutex
	startTime    time.Time

	max time.Duration

	// newCommand is swapped out by tests to run a stand-in subprocess.
	newCommand func(ctx context.Context) *exec.Cmd
}

func NewSession(cfg *config.Config, store Store) *Session {
	s := &Session{
		cfg:       cfg,
		parser:    message.NewParser(cfg.BotNumber),
		store:     store,
		Inbox:     bus.NewQueue[*message.Message](),
		outbox:    bus.NewQueue[Request](),
		pending:   newPendingTable(),
		limiter:   NewLimiter(),
		exiting:   make(chan struct{}),
		startTime: time.Now(),
		max:       maxBackoff,
	}
	s.newCommand = s.signalCLICommand
	return s
}

func (s *Session) signalCLICommand(ctx context.Context) *exec.Cmd {
	root := s.cfg.StateDir
	if s.store != nil {
		root = s.store.Root()
	}
	args := []string{
		"--config", root,
		"--user", s.cfg.BotNumber,
		"--trust-new-identities", "always",
		"jsonRpc",
	}
	return exec.CommandContext(ctx, s.cfg.SignalCLIPath, args...)
}

// Uptime reports how long the session has been running.
func (s *Session) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// PendingRequests reports how many outbound requests still await responses.
func (s *Session) PendingRequests() int { return s.pending.size() }

// SweepPending evicts futures older than the TTL.
func (s *Session) SweepPending() int {
	n := s.pending.sweep(pendingTTL)
	if n > 0 {
		logger.InfoCF("signal", "Evicted stale pending requests", map[string]interface{}{"count": n})
	}
	return n
}

// backoffFor is the restart delay after the nth consecutive crash.
func backoffFor(n int) time.Duration {
	return time.Duration(0.5 * (math.Pow(2, float64(n)) - 1) * float64(time.Second))
}

// Start downloads the account datastore and supervises the subprocess until
// shutdown, the context ends, or the crash budget is spent.
func (s *Session) Start(ctx context.Context) error {
	s.startTime = time.Now()

	if s.store != nil && !s.cfg.NoDownload.Bool() {
		if err := s.store.Download(ctx); err != nil {
			return fmt.Errorf("datastore download: %w", err)
		}
	}

	restartCount := 0
	for {
		select {
		case <-s.exiting:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		launch := time.Now()
		err := s.runOnce(ctx)
		runtime := time.Since(launch)

		select {
		case <-s.exiting:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		if runtime > 4*s.max {
			restartCount = 0
		}
		backoff := backoffFor(restartCount)
		restartCount++
		if backoff > s.max {
			return fmt.Errorf("signal client kept crashing (%d restarts): %w", restartCount, err)
		}

		logger.WarnCF("signal", "Signal client exited, restarting", map[string]interface{}{
			"error":   fmt.Sprint(err),
			"runtime": runtime.String(),
			"backoff": backoff.String(),
			"restart": restartCount,
		})
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		case <-s.exiting:
			return nil
		}
	}
}

// runOnce runs one subprocess generation: spawn, wire up reader and writer,
// block until exit. The writer is cancelled before the next generation so it
// cannot steal from the outbox once a new subprocess is up.
func (s *Session) runOnce(ctx context.Context) error {
	cmd := s.newCommand(ctx)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to launch signal client: %w", err)
	}

	s.mu.Lock()
	s.proc = cmd
	s.mu.Unlock()

	logger.InfoCF("signal", "Signal client launched", map[string]interface{}{
		"pid": cmd.Process.Pid,
	})

	wctx, cancelWriter := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writer(wctx, stdin)
	}()
	go func() {
		defer wg.Done()
		s.drainStderr(stderr)
	}()

	s.reader(stdout)

	err = cmd.Wait()
	cancelWriter()
	stdin.Close()
	wg.Wait()

	s.mu.Lock()
	s.proc = nil
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("signal client exited: %w", err)
	}
	return errors.New("signal client exited")
}

// reader pumps stdout lines through the parser and routes the results. It
// returns at EOF, i.e. when the subprocess dies.
func (s *Session) reader(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		msgs, err := s.parser.Parse(line)
		if err != nil {
			logger.InfoCF("signal", "Dropping unparseable line", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		for _, msg := range msgs {
			s.route(msg)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.WarnCF("signal", "Reader stopped", map[string]interface{}{"error": err.Error()})
	}
}

// route delivers a parsed message either to the future awaiting it or to the
// inbox. Receipt and typing messages never reach dispatch.
func (s *Session) route(msg *message.Message) {
	if msg.ID != "" {
		entry, ok := s.pending.lookup(msg.ID)
		if !ok {
			logger.DebugCF("signal", "Response for unknown request id", map[string]interface{}{
				"id": msg.ID,
			})
			return
		}
		if msg.Kind == message.KindError && isRateLimited(msg.Error) {
			// Re-queue the original request under its original id;
			// the future stays pending and resolves with the retry's
			// response.
			s.limiter.SetBackoff()
			s.outbox.Push(entry.request)
			logger.WarnCF("signal", "Rate limited by upstream, re-queueing request",
				map[string]interface{}{"id": msg.ID})
			return
		}
		s.pending.take(msg.ID)
		entry.future.resolve(msg)
		return
	}

	switch msg.Kind {
	case message.KindReceipt, message.KindTyping:
		logger.DebugCF("signal", "Suppressing non-dispatch message", map[string]interface{}{
			"kind": string(msg.Kind),
			"from": msg.SenderID(),
		})
	default:
		s.Inbox.Push(msg)
	}
}

// writer drains the outbox into subprocess stdin, one JSON line per request,
// throttled for sends. In-flight writes that fail are dropped; retry is the
// caller's decision.
func (s *Session) writer(ctx context.Context, stdin io.Writer) {
	for {
		req, ok := s.outbox.Pop(ctx)
		if !ok {
			return
		}

		if req.Method == "send" {
			if err := s.limiter.Acquire(ctx); err != nil {
				// Nothing was written; hand the request to the
				// next writer.
				s.outbox.Push(req)
				return
			}
		}

		line, err := json.Marshal(req)
		if err != nil {
			logger.ErrorCF("signal", "Failed to encode request", map[string]interface{}{
				"id": req.ID, "error": err.Error(),
			})
			continue
		}
		if _, err := stdin.Write(append(line, '\n')); err != nil {
			logger.WarnCF("signal", "Write to signal client failed", map[string]interface{}{
				"id": req.ID, "error": err.Error(),
			})
			return
		}
		if req.Method != "receive" {
			logger.InfoCF("signal", "Wrote request", map[string]interface{}{
				"method": req.Method, "id": req.ID,
			})
		}
	}
}

func (s *Session) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		logger.DebugCF("signal", "client stderr", map[string]interface{}{
			"line": scanner.Text(),
		})
	}
}

// RPC enqueues a generic request and returns its future.
func (s *Session) RPC(method string, params map[string]interface{}) *Future {
	req := Request{
		JSONRPC: "2.0",
		ID:      method + "-" + uuid.NewString(),
		Method:  method,
		Params:  params,
	}
	future := s.pending.add(req)
	s.outbox.Push(req)
	return future
}

// SendMessage sends body to one recipient or one group.
func (s *Session) SendMessage(body string, opts SendOpts) (*Future, error) {
	if (opts.Recipient == "") == (opts.Group == "") {
		return nil, fmt.Errorf("exactly one of recipient and group must be set")
	}
	if opts.Recipient != "" && !ValidRecipient(opts.Recipient) {
		logger.ErrorCF("signal", "Dropping send to invalid recipient", map[string]interface{}{
			"recipient": opts.Recipient,
		})
		return nil, fmt.Errorf("%w: %q", ErrInvalidRecipient, opts.Recipient)
	}

	params := map[string]interface{}{}
	if body != "" || opts.Content == "" {
		params["message"] = body
	}
	if opts.Recipient != "" {
		params["recipient"] = []string{opts.Recipient}
	} else {
		params["group-id"] = opts.Group
	}
	if len(opts.Attachments) > 0 {
		params["attachments"] = opts.Attachments
	}
	if opts.Content != "" {
		params["content"] = opts.Content
	}
	if opts.EndSession {
		params["end_session"] = true
	}

	return s.RPC("send", params), nil
}

// SendReaction reacts to a previously received message.
func (s *Session) SendReaction(target *message.Message, emoji string) (*Future, error) {
	who := target.SenderID()
	if !ValidRecipient(who) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRecipient, who)
	}
	params := map[string]interface{}{
		"recipient":        []string{who},
		"emoji":            emoji,
		"target-author":    who,
		"target-timestamp": target.Timestamp,
	}
	if target.Group != "" {
		delete(params, "recipient")
		params["group-id"] = target.Group
	}
	return s.RPC("sendReaction", params), nil
}

// SetProfile updates the bot's Signal profile, including the MobileCoin
// payment address peers use to pay it.
func (s *Session) SetProfile(opts ProfileOpts) *Future {
	params := map[string]interface{}{}
	if opts.GivenName != "" {
		params["given-name"] = opts.GivenName
	}
	if opts.FamilyName != "" {
		params["family-name"] = opts.FamilyName
	}
	if opts.PaymentAddress != "" {
		params["mobile-coin-address"] = opts.PaymentAddress
	}
	if opts.AvatarPath != "" {
		params["avatar"] = opts.AvatarPath
	}
	return s.RPC("updateProfile", params)
}

// HandleSigint installs the interrupt ladder: first SIGINT begins a
// cooperative shutdown, the third forces exit(1).
func (s *Session) HandleSigint(shutdown func()) {
	c := make(chan os.Signal, 3)
	signal.Notify(c, os.Interrupt)
	go func() {
		for range c {
			s.sigintMu.Lock()
			s.sigints++
			n := s.sigints
			s.sigintMu.Unlock()

			switch {
			case n == 1:
				logger.InfoC("signal", "Interrupt received, shutting down (press twice more to force)")
				go shutdown()
			case n >= 3:
				logger.ErrorC("signal", "Forced exit")
				os.Exit(1)
			}
		}
	}()
}

// Shutdown uploads the datastore, kills the subprocess, frees the claim and
// releases every waiter. Idempotent; errors are logged, never fatal.
func (s *Session) Shutdown(ctx context.Context) {
	s.shutdownOnce.Do(func() {
		s.exitOnce.Do(func() { close(s.exiting) })

		if s.store != nil {
			if err := s.store.Upload(ctx); err != nil {
				logger.ErrorCF("signal", "Datastore upload at shutdown failed",
					map[string]interface{}{"error": err.Error()})
			}
		}

		// Kill before freeing the claim: another node may claim the
		// account the moment it is marked freed, and two live clients
		// on one datastore corrupt it.
		s.mu.Lock()
		proc := s.proc
		s.mu.Unlock()
		if proc != nil && proc.Process != nil {
			_ = proc.Process.Kill()
		}

		if s.store != nil {
			if err := s.store.MarkFreed(ctx); err != nil {
				logger.ErrorCF("signal", "Freeing claim at shutdown failed",
					map[string]interface{}{"error": err.Error()})
			}
		}

		s.pending.abandonAll()
		s.outbox.Close()
		s.Inbox.Close()
		logger.InfoC("signal", "Session shut down")
	})
}
