// MobClaw - Signal chatbot framework with MobileCoin payments
// License: MIT
//
// Copyright (c) 2026 MobClaw contributors

package message

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind is the semantic kind of an inbound message. Exactly one kind applies
// to any message produced by the parser.
type Kind string

const (
	KindData     Kind = "data"
	KindReceipt  Kind = "receipt"
	KindTyping   Kind = "typing"
	KindReaction Kind = "reaction"
	KindPayment  Kind = "payment"
	KindResult   Kind = "result"
	KindError    Kind = "error"
)

type Attachment struct {
	ID              string `json:"id"`
	ContentType     string `json:"contentType"`
	Filename        string `json:"filename"`
	Size            int64  `json:"size"`
	UploadTimestamp int64  `json:"uploadTimestamp"`
}

type Mention struct {
	UUID   string `json:"uuid"`
	Number string `json:"number"`
	Start  int    `json:"start"`
	Length int    `json:"length"`
}

type Quote struct {
	ID         int64  `json:"id"`
	Author     string `json:"author"`
	AuthorUUID string `json:"authorUuid"`
	Text       string `json:"text"`
}

type Reaction struct {
	Emoji           string `json:"emoji"`
	TargetAuthor    string `json:"targetAuthor"`
	TargetTimestamp int64  `json:"targetSentTimestamp"`
}

// Payment carries the opaque receiver receipt from a MobileCoin payment
// notification plus the sender's note, both exactly as Signal delivered them.
type Payment struct {
	Receipt string `json:"receipt"`
	Note    string `json:"note"`
}

type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Message is the immutable normalized form of one inbound JSON value from
// the Signal client: either a received envelope, an RPC result, or an RPC
// error.
type Message struct {
	Kind Kind

	Source    string
	UUID      string
	Timestamp int64
	Group     string

	FullText string
	Tokens   []string
	Arg0     string

	Attachments []Attachment
	Mentions    []Mention
	Quote       *Quote
	Reaction    *Reaction
	Payment     *Payment

	// IsCommand reports a slash-prefixed body or an explicit mention of
	// the bot's own number.
	IsCommand bool

	// ID is the RPC correlation id; set only on responses to outbound
	// requests.
	ID     string
	Result json.RawMessage
	Error  *RPCError
}

// SenderID returns the best stable identifier for the sender: the phone
// number when known, the account UUID otherwise.
func (m *Message) SenderID() string {
	if m.Source != "" {
		return m.Source
	}
	return m.UUID
}

// MentionsAccount reports whether the body explicitly mentions the given
// account, by number or UUID.
func (m *Message) MentionsAccount(id string) bool {
	if id == "" {
		return false
	}
	for _, mention := range m.Mentions {
		if mention.Number == id || mention.UUID == id {
			return true
		}
	}
	return false
}

// Arg returns token n (0-based) or "" when absent. Arg(0) is lowercased and
// stripped of a leading slash; higher arguments keep their original case.
func (m *Message) Arg(n int) string {
	if n == 0 {
		return m.Arg0
	}
	if n < 0 || n >= len(m.Tokens) {
		return ""
	}
	return m.Tokens[n]
}

// ArgsAfter returns the raw text following token n, preserving internal
// whitespace of the remainder as single spaces.
func (m *Message) ArgsAfter(n int) string {
	if n+1 >= len(m.Tokens) {
		return ""
	}
	return strings.Join(m.Tokens[n+1:], " ")
}

func (m *Message) String() string {
	switch m.Kind {
	case KindResult:
		return fmt.Sprintf("<result id=%s>", m.ID)
	case KindError:
		return fmt.Sprintf("<error id=%s %v>", m.ID, m.Error)
	default:
		return fmt.Sprintf("<%s from=%s ts=%d text=%q>", m.Kind, m.SenderID(), m.Timestamp, m.FullText)
	}
}

func tokenize(m *Message, botNumber string) {
	text := strings.TrimSpace(m.FullText)
	if text == "" {
		return
	}

	m.Tokens = strings.Fields(text)
	arg0 := strings.ToLower(m.Tokens[0])
	m.Arg0 = strings.TrimPrefix(arg0, "/")

	if strings.HasPrefix(text, "/") {
		m.IsCommand = true
	} else if botNumber != "" {
		for _, mention := range m.Mentions {
			if mention.Number == botNumber {
				m.IsCommand = true
				break
			}
		}
	}
}
