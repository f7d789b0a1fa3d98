package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrParse marks lines the parser could not turn into a Message. Callers log
// these at info level and move on; a malformed line never takes the reader
// down.
var ErrParse = errors.New("unparseable signal line")

// wire shapes of the signal-cli jsonRpc stream.

type rpcLine struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

type receiveParams struct {
	Envelope *envelope `json:"envelope"`
	Account  string    `json:"account"`
}

type envelope struct {
	Source         string       `json:"source"`
	SourceNumber   string       `json:"sourceNumber"`
	SourceUUID     string       `json:"sourceUuid"`
	SourceDevice   int          `json:"sourceDevice"`
	Timestamp      int64        `json:"timestamp"`
	DataMessage    *dataMessage `json:"dataMessage"`
	ReceiptMessage *struct {
		When      int64   `json:"when"`
		IsRead    bool    `json:"isRead"`
		Timestamp []int64 `json:"timestamps"`
	} `json:"receiptMessage"`
	TypingMessage *struct {
		Action    string `json:"action"`
		Timestamp int64  `json:"timestamp"`
	} `json:"typingMessage"`
	ReactionMessage *Reaction `json:"reactionMessage"`
}

type dataMessage struct {
	Timestamp   int64        `json:"timestamp"`
	Message     string       `json:"message"`
	GroupInfo   *groupInfo   `json:"groupInfo"`
	Attachments []Attachment `json:"attachments"`
	Mentions    []Mention    `json:"mentions"`
	Quote       *Quote       `json:"quote"`
	Reaction    *Reaction    `json:"reaction"`
	Payment     *Payment     `json:"payment"`
}

type groupInfo struct {
	GroupID string `json:"groupId"`
	Type    string `json:"type"`
}

type resultEnvelope struct {
	Timestamp int64 `json:"timestamp"`
}

// Parser normalizes raw lines from the Signal client into Messages.
type Parser struct {
	botNumber string
}

func NewParser(botNumber string) *Parser {
	return &Parser{botNumber: botNumber}
}

// Parse decodes one newline-framed JSON value. A receive notification yields
// one Message per envelope; a result whose body is a list yields one Message
// per element, all sharing the correlation id. Unknown envelope kinds are
// dropped silently (nil, nil).
func (p *Parser) Parse(line []byte) ([]*Message, error) {
	var rl rpcLine
	if err := json.Unmarshal(line, &rl); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	switch {
	case rl.Error != nil:
		if rl.ID == "" {
			return nil, fmt.Errorf("%w: error response without id", ErrParse)
		}
		return []*Message{{Kind: KindError, ID: rl.ID, Error: rl.Error}}, nil

	case rl.Result != nil:
		return p.parseResult(rl.ID, rl.Result)

	case rl.Method == "receive":
		var rp receiveParams
		if err := json.Unmarshal(rl.Params, &rp); err != nil {
			return nil, fmt.Errorf("%w: bad receive params: %v", ErrParse, err)
		}
		if rp.Envelope == nil {
			return nil, fmt.Errorf("%w: receive without envelope", ErrParse)
		}
		msg := p.fromEnvelope(rp.Envelope)
		if msg == nil {
			return nil, nil
		}
		return []*Message{msg}, nil

	case rl.Method != "":
		// Notifications other than receive are not ours to interpret.
		return nil, nil
	}

	return nil, fmt.Errorf("%w: no method, result or error", ErrParse)
}

func (p *Parser) parseResult(id string, raw json.RawMessage) ([]*Message, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: result without id", ErrParse)
	}

	// A list-shaped result is an envelope of individual results, each
	// correlated to the same id.
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		msgs := make([]*Message, 0, len(list))
		for _, item := range list {
			sub, err := p.parseResult(id, item)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, sub...)
		}
		return msgs, nil
	}

	msg := &Message{Kind: KindResult, ID: id, Result: raw}
	var re resultEnvelope
	if err := json.Unmarshal(raw, &re); err == nil {
		msg.Timestamp = re.Timestamp
	}
	return []*Message{msg}, nil
}

func (p *Parser) fromEnvelope(env *envelope) *Message {
	msg := &Message{
		Source:    env.SourceNumber,
		UUID:      env.SourceUUID,
		Timestamp: env.Timestamp,
	}
	if msg.Source == "" {
		msg.Source = env.Source
	}
	if msg.Source == "" && msg.UUID == "" {
		return nil
	}

	switch {
	case env.DataMessage != nil:
		dm := env.DataMessage
		if dm.Timestamp != 0 {
			msg.Timestamp = dm.Timestamp
		}
		msg.FullText = dm.Message
		msg.Attachments = dm.Attachments
		msg.Mentions = dm.Mentions
		msg.Quote = dm.Quote
		if dm.GroupInfo != nil {
			msg.Group = dm.GroupInfo.GroupID
		}
		switch {
		case dm.Payment != nil:
			msg.Kind = KindPayment
			msg.Payment = dm.Payment
		case dm.Reaction != nil:
			msg.Kind = KindReaction
			msg.Reaction = dm.Reaction
		case dm.Message == "" && len(dm.Attachments) == 0:
			// Empty body, nothing else: a delivery acknowledgment.
			msg.Kind = KindReceipt
		default:
			msg.Kind = KindData
			tokenize(msg, p.botNumber)
		}

	case env.ReactionMessage != nil:
		msg.Kind = KindReaction
		msg.Reaction = env.ReactionMessage

	case env.ReceiptMessage != nil:
		msg.Kind = KindReceipt

	case env.TypingMessage != nil:
		msg.Kind = KindTyping

	default:
		return nil
	}

	return msg
}
