package bot

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaopengme/mobclaw/pkg/config"
	"github.com/zhaopengme/mobclaw/pkg/message"
	"github.com/zhaopengme/mobclaw/pkg/signal"
)

const (
	userNumber  = "+15551234567"
	adminNumber = "+15559990000"
)

type sent struct {
	Body string
	Opts signal.SendOpts
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []sent
	start time.Time
}

func newFakeSender() *fakeSender {
	return &fakeSender{start: time.Now()}
}

func (f *fakeSender) SendMessage(body string, opts signal.SendOpts) (*signal.Future, error) {
	f.mu.Lock()
	f.sent = append(f.sent, sent{Body: body, Opts: opts})
	f.mu.Unlock()
	return signal.ResolvedFuture(&message.Message{
		Kind: message.KindResult, ID: "send-test", Timestamp: time.Now().UnixMilli(),
	}), nil
}

func (f *fakeSender) SendReaction(target *message.Message, emoji string) (*signal.Future, error) {
	return signal.ResolvedFuture(&message.Message{Kind: message.KindResult}), nil
}

func (f *fakeSender) RPC(method string, params map[string]interface{}) *signal.Future {
	return signal.ResolvedFuture(&message.Message{Kind: message.KindResult})
}

func (f *fakeSender) Uptime() time.Duration { return time.Since(f.start) }

func (f *fakeSender) bodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.Body
	}
	return out
}

func (f *fakeSender) lastBody() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1].Body
}

func testBot(t *testing.T, mutate ...func(*config.Config)) (*Bot, *fakeSender) {
	t.Helper()
	cfg := &config.Config{
		BotNumber: "+15550001111",
		Admin:     adminNumber,
		TypoRatio: 0.3,
	}
	for _, m := range mutate {
		m(cfg)
	}
	sender := newFakeSender()
	return NewBot(cfg, sender), sender
}

func userMsg(text string) *message.Message {
	msgs, err := message.NewParser("+15550001111").Parse([]byte(
		`{"jsonrpc":"2.0","method":"receive","params":{"envelope":{` +
			`"sourceNumber":"` + userNumber + `","timestamp":1700000000000,` +
			`"dataMessage":{"message":` + jsonString(text) + `}}}}`))
	if err != nil || len(msgs) != 1 {
		panic("bad test message")
	}
	return msgs[0]
}

func jsonString(s string) string {
	out := `"`
	for _, r := range s {
		if r == '"' || r == '\\' {
			out += `\`
		}
		out += string(r)
	}
	return out + `"`
}

func adminMsg(text string) *message.Message {
	m := userMsg(text)
	m.Source = adminNumber
	return m
}

func dispatchAndWait(b *Bot, msgs ...*message.Message) {
	for _, m := range msgs {
		b.Dispatch(context.Background(), m)
	}
	b.Wait()
}

func TestPingEcho(t *testing.T) {
	b, sender := testBot(t)
	dispatchAndWait(b, userMsg("/ping hello"))
	assert.Equal(t, "/pong hello", sender.lastBody())

	dispatchAndWait(b, userMsg("/ping"))
	assert.Equal(t, "/pong", sender.lastBody())
}

func TestUptimeFormat(t *testing.T) {
	b, sender := testBot(t)
	dispatchAndWait(b, userMsg("/uptime"))
	assert.Regexp(t, regexp.MustCompile(`^Uptime: \d+s$`), sender.lastBody())
}

func TestAdminGate(t *testing.T) {
	b, sender := testBot(t)

	dispatchAndWait(b, userMsg("/eval 1+1"))
	assert.Contains(t, sender.lastBody(), "admin")

	dispatchAndWait(b, adminMsg("/eval 1+1"))
	assert.Equal(t, "2", sender.lastBody())
}

func TestAdminGroupCountsAsAdmin(t *testing.T) {
	b, _ := testBot(t, func(c *config.Config) { c.AdminGroup = "g-admin" })
	m := userMsg("/eval 1+1")
	m.Group = "g-admin"
	assert.True(t, b.IsAdmin(m))
}

func TestFuzzyMatch(t *testing.T) {
	b, sender := testBot(t, func(c *config.Config) { c.EnableMagic = true })
	dispatchAndWait(b, userMsg("/pnig hello"))
	assert.Equal(t, "/pong hello", sender.lastBody(), "transposed command reaches ping")
}

func TestFuzzyInGroupNeedsMention(t *testing.T) {
	b, sender := testBot(t, func(c *config.Config) { c.EnableMagic = true })

	m := userMsg("/pnig hello")
	m.Group = "g-1"
	dispatchAndWait(b, m)
	assert.Empty(t, sender.bodies(), "a group typo without a mention stays quiet")

	mentioned := userMsg("/pnig hello")
	mentioned.Group = "g-1"
	mentioned.Mentions = []message.Mention{{Number: "+15550001111"}}
	dispatchAndWait(b, mentioned)
	assert.Equal(t, "/pong hello", sender.lastBody(), "mentioning the bot unlocks fuzzy matching")
}

func TestFuzzyDisabledWithoutMagic(t *testing.T) {
	b, sender := testBot(t)
	dispatchAndWait(b, userMsg("/pnig hello"))
	assert.Contains(t, sender.lastBody(), "Commands:", "falls through to the help listing")
}

func TestUniquePrefixExpansion(t *testing.T) {
	b, sender := testBot(t)
	dispatchAndWait(b, userMsg("/upt"))
	assert.Regexp(t, `^Uptime:`, sender.lastBody())

	// "p" prefixes ping, pong and printerfact: ambiguous.
	dispatchAndWait(b, userMsg("/p"))
	assert.Contains(t, sender.lastBody(), "Commands:")
}

func TestDispatchIsolation(t *testing.T) {
	b, sender := testBot(t)
	b.Register(Command{
		Name: "boom",
		Handler: func(context.Context, *message.Message) (Response, error) {
			panic("kaboom")
		},
	})

	dispatchAndWait(b, userMsg("/boom"))
	dispatchAndWait(b, userMsg("/ping still alive"))
	assert.Equal(t, "/pong still alive", sender.lastBody(), "a panicking handler does not stall dispatch")
}

func TestUnknownCommandGroupStaysQuiet(t *testing.T) {
	b, sender := testBot(t)
	m := userMsg("/nosuch")
	m.Group = "g-1"
	dispatchAndWait(b, m)
	assert.Empty(t, sender.bodies())
}

func TestHelpHidesHiddenAndAdmin(t *testing.T) {
	b, sender := testBot(t)
	dispatchAndWait(b, userMsg("/help"))
	body := sender.lastBody()
	assert.Contains(t, body, "/ping")
	assert.NotContains(t, body, "/pong", "hidden commands stay out of help")
	assert.NotContains(t, body, "/eval", "admin commands stay out of non-admin help")

	dispatchAndWait(b, adminMsg("/help"))
	assert.Contains(t, sender.lastBody(), "/eval")

	dispatchAndWait(b, userMsg("/help uptime"))
	assert.Contains(t, sender.lastBody(), "how long")
}

func TestPongStash(t *testing.T) {
	b, _ := testBot(t)
	dispatchAndWait(b, userMsg("/pong deploy all green"))

	v, ok := b.PopPong("deploy")
	require.True(t, ok)
	assert.Equal(t, "all green", v)

	_, ok = b.PopPong("deploy")
	assert.False(t, ok, "pongs pop once")
}

func TestFlattenMap(t *testing.T) {
	out := flatten(map[string]string{"b": "2", "a": "1"})
	require.Len(t, out, 1)
	assert.Equal(t, "a:\t1\nb:\t2\n", out[0])

	assert.Nil(t, flatten(nil))
	assert.Equal(t, []string{"x"}, flatten("x"))
	assert.Equal(t, []string{"x", "y"}, flatten([]string{"x", "", "y"}))
}

func TestDefaultHandlerForPlainText(t *testing.T) {
	b, sender := testBot(t)
	var got string
	b.SetDefault(func(_ context.Context, msg *message.Message) (Response, error) {
		got = msg.FullText
		return "default says hi", nil
	})

	dispatchAndWait(b, userMsg("just chatting"))
	assert.Equal(t, "just chatting", got)
	assert.Equal(t, "default says hi", sender.lastBody())
}

func TestNoticeHookSeesAdminNotifications(t *testing.T) {
	b, sender := testBot(t)
	var notices []string
	b.OnNotice(func(text string) { notices = append(notices, text) })

	b.NotifyAdmin("disk is full")
	require.Len(t, notices, 1)
	assert.Equal(t, "disk is full", notices[0])
	assert.Equal(t, "disk is full", sender.lastBody(), "the Signal notification still goes out")
}

func TestPaymentRoutesToPaymentHandler(t *testing.T) {
	b, _ := testBot(t)
	done := make(chan string, 1)
	b.SetPaymentHandler(func(_ context.Context, msg *message.Message) {
		done <- msg.Payment.Receipt
	})

	m := userMsg("ignored")
	m.Kind = message.KindPayment
	m.Payment = &message.Payment{Receipt: "r1"}
	dispatchAndWait(b, m)

	select {
	case r := <-done:
		assert.Equal(t, "r1", r)
	case <-time.After(time.Second):
		t.Fatal("payment handler not invoked")
	}
}
