// MobClaw - Signal chatbot framework with MobileCoin payments
// License: MIT
//
// Copyright (c) 2026 MobClaw contributors

package bot

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/zhaopengme/mobclaw/pkg/bus"
	"github.com/zhaopengme/mobclaw/pkg/config"
	"github.com/zhaopengme/mobclaw/pkg/logger"
	"github.com/zhaopengme/mobclaw/pkg/message"
	"github.com/zhaopengme/mobclaw/pkg/signal"
)

// Response is what a handler returns: nil (no reply), a string, a []string
// (one message per element), or a map[string]string (flattened to
// "key:\tvalue" lines).
type Response interface{}

// Handler services one inbound message.
type Handler func(ctx context.Context, msg *message.Message) (Response, error)

// Command is one registry entry. Hidden commands are omitted from help;
// Admin commands are gated on the configured admin identifiers.
type Command struct {
	Name    string
	Doc     string
	Handler Handler
	Hidden  bool
	Admin   bool
}

// Sender is the slice of the Signal session the bot needs. Satisfied by
// *signal.Session; faked in tests and by the local console.
type Sender interface {
	SendMessage(body string, opts signal.SendOpts) (*signal.Future, error)
	SendReaction(target *message.Message, emoji string) (*signal.Future, error)
	RPC(method string, params map[string]interface{}) *signal.Future
	Uptime() time.Duration
}

// Bot dispatches inbound messages to registered commands. Handlers run as
// background tasks; a slow or panicking handler never stalls dispatch.
type Bot struct {
	cfg    *config.Config
	sender Sender

	mu       sync.RWMutex
	commands map[string]*Command

	questions *questionTable
	metrics   *Metrics

	pongMu sync.Mutex
	pongs  map[string]string

	paymentHandler func(ctx context.Context, msg *message.Message)
	defaultHandler Handler
	noticeHook     func(text string)

	tasks sync.WaitGroup
}

func NewBot(cfg *config.Config, sender Sender) *Bot {
	b := &Bot{
		cfg:       cfg,
		sender:    sender,
		commands:  make(map[string]*Command),
		questions: newQuestionTable(),
		metrics:   NewMetrics(),
		pongs:     make(map[string]string),
	}
	b.registerBaseline()
	return b
}

// Register adds a command to the registry, replacing any previous entry of
// the same name.
func (b *Bot) Register(cmd Command) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands[strings.ToLower(cmd.Name)] = &cmd
}

// Metrics exposes the latency recorders for the HTTP surface.
func (b *Bot) Metrics() *Metrics { return b.metrics }

// SetPaymentHandler routes inbound payment messages.
func (b *Bot) SetPaymentHandler(h func(ctx context.Context, msg *message.Message)) {
	b.paymentHandler = h
}

// SetDefault routes non-command messages that match no registry entry.
func (b *Bot) SetDefault(h Handler) { b.defaultHandler = h }

// IsAdmin reports whether msg came from a configured admin, by source, UUID
// or admin group.
func (b *Bot) IsAdmin(msg *message.Message) bool {
	for _, id := range b.cfg.AdminIDs() {
		if id != "" && (id == msg.Source || id == msg.UUID) {
			return true
		}
	}
	return b.cfg.AdminGroup != "" && b.cfg.AdminGroup == msg.Group
}

// OnNotice registers a hook observing every admin notification, for
// fan-out beyond Signal.
func (b *Bot) OnNotice(fn func(text string)) { b.noticeHook = fn }

// NotifyAdmin sends text to the configured admin, out of band.
func (b *Bot) NotifyAdmin(text string) {
	if b.noticeHook != nil {
		b.noticeHook(text)
	}
	switch {
	case b.cfg.Admin != "":
		if _, err := b.sender.SendMessage(text, signal.SendOpts{Recipient: b.cfg.Admin}); err != nil {
			logger.ErrorCF("bot", "Failed to notify admin", map[string]interface{}{"error": err.Error()})
		}
	case b.cfg.AdminGroup != "":
		if _, err := b.sender.SendMessage(text, signal.SendOpts{Group: b.cfg.AdminGroup}); err != nil {
			logger.ErrorCF("bot", "Failed to notify admin group", map[string]interface{}{"error": err.Error()})
		}
	default:
		logger.WarnCF("bot", "No admin configured for notification", map[string]interface{}{"text": text})
	}
}

// Run consumes the inbox until it closes or ctx ends, then cancels pending
// questions and waits for in-flight handlers.
func (b *Bot) Run(ctx context.Context, inbox *bus.Queue[*message.Message]) {
	for {
		msg, ok := inbox.Pop(ctx)
		if !ok {
			break
		}
		b.Dispatch(ctx, msg)
	}
	b.questions.cancelAll()
	b.tasks.Wait()
}

// Wait blocks until every in-flight handler task finishes.
func (b *Bot) Wait() { b.tasks.Wait() }

// Dispatch routes one inbound message: payments to the payment handler,
// answers to their pending questions, everything else to handleMessage as a
// background task.
func (b *Bot) Dispatch(ctx context.Context, msg *message.Message) {
	switch msg.Kind {
	case message.KindPayment:
		if b.paymentHandler == nil {
			logger.WarnCF("bot", "Payment received but no payment handler installed",
				map[string]interface{}{"from": msg.SenderID()})
			return
		}
		b.tasks.Add(1)
		go func() {
			defer b.tasks.Done()
			defer b.recoverHandler(msg)
			b.paymentHandler(ctx, msg)
		}()
		return
	case message.KindReaction:
		logger.DebugCF("bot", "Ignoring reaction", map[string]interface{}{"from": msg.SenderID()})
		return
	}

	if b.questions.intercept(msg) {
		return
	}

	b.tasks.Add(1)
	go func() {
		defer b.tasks.Done()
		defer b.recoverHandler(msg)
		b.handleMessage(ctx, msg)
	}()
}

// recoverHandler keeps a panicking handler from taking the process down.
func (b *Bot) recoverHandler(msg *message.Message) {
	if r := recover(); r != nil {
		logger.ErrorCF("bot", "Handler panicked", map[string]interface{}{
			"from": msg.SenderID(), "panic": fmt.Sprint(r), "stack": string(debug.Stack()),
		})
		b.NotifyAdmin(fmt.Sprintf("handler panic on message from %s: %v", msg.SenderID(), r))
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *message.Message) {
	start := time.Now()

	cmd := b.resolveCommand(msg)
	var resp Response
	var err error
	name := "default"

	switch {
	case cmd != nil && cmd.Admin && !b.IsAdmin(msg):
		name = cmd.Name
		resp = "you must be an admin to use this command"
	case cmd != nil:
		name = cmd.Name
		resp, err = cmd.Handler(ctx, msg)
	case msg.IsCommand && msg.Group == "":
		name = "help"
		resp = b.helpText(msg)
	case !msg.IsCommand && b.defaultHandler != nil:
		resp, err = b.defaultHandler(ctx, msg)
	default:
		return
	}

	if err != nil {
		logger.ErrorCF("bot", "Handler failed", map[string]interface{}{
			"command": name, "from": msg.SenderID(), "error": err.Error(),
		})
		b.NotifyAdmin(fmt.Sprintf("handler %s failed for %s: %v", name, msg.SenderID(), err))
		return
	}

	handlerSeconds := time.Since(start).Seconds()
	roundtrip := b.respond(ctx, msg, resp)
	b.metrics.observe(name, handlerSeconds, roundtrip)
}

// respond flattens and sends a handler response, returning the
// server-timestamp round trip in seconds (negative when unknown).
func (b *Bot) respond(ctx context.Context, msg *message.Message, resp Response) float64 {
	bodies := flatten(resp)
	if len(bodies) == 0 {
		return -1
	}

	opts := signal.SendOpts{Recipient: msg.SenderID()}
	if msg.Group != "" {
		opts = signal.SendOpts{Group: msg.Group}
	}

	roundtrip := -1.0
	for _, body := range bodies {
		future, err := b.sender.SendMessage(body, opts)
		if err != nil {
			logger.ErrorCF("bot", "Failed to send response", map[string]interface{}{
				"to": msg.SenderID(), "error": err.Error(),
			})
			return roundtrip
		}
		waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		result, err := future.Wait(waitCtx)
		cancel()
		if err == nil && result.Timestamp > 0 && msg.Timestamp > 0 {
			roundtrip = float64(result.Timestamp-msg.Timestamp) / 1000.0
		}
	}
	return roundtrip
}

// flatten renders a Response into message bodies.
func flatten(resp Response) []string {
	switch v := resp.(type) {
	case nil:
		return nil
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		var out []string
		for _, s := range v {
			if s != "" {
				out = append(out, s)
			}
		}
		return out
	case map[string]string:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var sb strings.Builder
		for _, k := range keys {
			fmt.Fprintf(&sb, "%s:\t%s\n", k, v[k])
		}
		return []string{sb.String()}
	default:
		return []string{fmt.Sprint(v)}
	}
}

// resolveCommand finds the registry entry for msg: exact match on arg0, then
// fuzzy (when enabled, in DMs or on explicit mention), then unique prefix.
func (b *Bot) resolveCommand(msg *message.Message) *Command {
	if msg.Arg0 == "" {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if cmd, ok := b.commands[msg.Arg0]; ok {
		return cmd
	}

	// Inexact matching is a DM affordance; in groups it runs only when
	// the sender explicitly mentioned the bot.
	if msg.Group != "" && !msg.MentionsAccount(b.cfg.BotNumber) {
		return nil
	}

	candidates := b.matchableNamesLocked(msg)
	if b.cfg.EnableMagic.Bool() {
		threshold := b.cfg.TypoRatio
		if threshold <= 0 {
			threshold = 0.3
		}
		if name, ok := closestMatch(msg.Arg0, candidates, threshold); ok {
			logger.DebugCF("bot", "Fuzzy-matched command", map[string]interface{}{
				"input": msg.Arg0, "command": name,
			})
			return b.commands[name]
		}
	}
	if name, ok := uniquePrefix(msg.Arg0, candidates); ok {
		return b.commands[name]
	}
	return nil
}

// matchableNamesLocked lists commands the sender could plausibly have meant.
func (b *Bot) matchableNamesLocked(msg *message.Message) []string {
	admin := b.IsAdmin(msg)
	names := make([]string, 0, len(b.commands))
	for name, cmd := range b.commands {
		if cmd.Admin && !admin {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (b *Bot) helpText(msg *message.Message) string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	admin := b.IsAdmin(msg)
	var names []string
	for name, cmd := range b.commands {
		if cmd.Hidden || (cmd.Admin && !admin) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("Commands:\n")
	for _, name := range names {
		cmd := b.commands[name]
		if cmd.Doc != "" {
			fmt.Fprintf(&sb, "/%s - %s\n", name, cmd.Doc)
		} else {
			fmt.Fprintf(&sb, "/%s\n", name)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// PopPong removes and returns a stashed pong value. Backs GET /pongs/{key}.
func (b *Bot) PopPong(key string) (string, bool) {
	b.pongMu.Lock()
	defer b.pongMu.Unlock()
	v, ok := b.pongs[key]
	if ok {
		delete(b.pongs, key)
	}
	return v, ok
}

func (b *Bot) registerBaseline() {
	b.Register(Command{
		Name: "ping", Doc: "replies with /pong and whatever followed",
		Handler: func(_ context.Context, msg *message.Message) (Response, error) {
			if rest := msg.ArgsAfter(0); rest != "" {
				return "/pong " + rest, nil
			}
			return "/pong", nil
		},
	})
	b.Register(Command{
		Name: "pong", Doc: "stashes a value retrievable over HTTP", Hidden: true,
		Handler: func(_ context.Context, msg *message.Message) (Response, error) {
			key := msg.Arg(1)
			if key == "" {
				return "pong", nil
			}
			b.pongMu.Lock()
			b.pongs[key] = msg.ArgsAfter(1)
			b.pongMu.Unlock()
			return fmt.Sprintf("stashed %s", key), nil
		},
	})
	b.Register(Command{
		Name: "uptime", Doc: "how long the bot has been running",
		Handler: func(_ context.Context, _ *message.Message) (Response, error) {
			return fmt.Sprintf("Uptime: %ds", int(b.sender.Uptime().Seconds())), nil
		},
	})
	b.Register(Command{
		Name: "help", Doc: "lists commands, or documents one: help <command>",
		Handler: func(_ context.Context, msg *message.Message) (Response, error) {
			if name := strings.ToLower(msg.Arg(1)); name != "" {
				b.mu.RLock()
				cmd, ok := b.commands[strings.TrimPrefix(name, "/")]
				b.mu.RUnlock()
				if !ok || cmd.Hidden || (cmd.Admin && !b.IsAdmin(msg)) {
					return fmt.Sprintf("no such command %q", name), nil
				}
				if cmd.Doc == "" {
					return fmt.Sprintf("/%s has no documentation", cmd.Name), nil
				}
				return fmt.Sprintf("/%s - %s", cmd.Name, cmd.Doc), nil
			}
			return b.helpText(msg), nil
		},
	})
	b.Register(Command{
		Name: "eval", Doc: "evaluates an arithmetic expression", Hidden: true, Admin: true,
		Handler: func(_ context.Context, msg *message.Message) (Response, error) {
			expr := msg.ArgsAfter(0)
			if expr == "" {
				return "nothing to evaluate", nil
			}
			v, err := evalExpr(expr)
			if err != nil {
				return fmt.Sprintf("eval error: %v", err), nil
			}
			return fmt.Sprintf("%d", v), nil
		},
	})
	b.Register(Command{
		Name: "printerfact", Doc: "fetches a fact about printers",
		Handler: func(_ context.Context, _ *message.Message) (Response, error) {
			status, body, err := fasthttp.Get(nil, b.cfg.FactSource)
			if err != nil {
				return nil, fmt.Errorf("fact source unreachable: %w", err)
			}
			if status != fasthttp.StatusOK {
				return nil, fmt.Errorf("fact source returned %d", status)
			}
			return strings.TrimSpace(string(body)), nil
		},
	})
}
