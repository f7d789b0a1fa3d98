package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const botNumber = "+15550001111"

func parseOne(t *testing.T, line string) *Message {
	t.Helper()
	msgs, err := NewParser(botNumber).Parse([]byte(line))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0]
}

func TestParseDataMessage(t *testing.T) {
	line := `{"jsonrpc":"2.0","method":"receive","params":{"envelope":{
		"sourceNumber":"+15551234567","sourceUuid":"11111111-2222-3333-4444-555555555555",
		"timestamp":1700000000000,
		"dataMessage":{"timestamp":1700000000000,"message":"/Ping hello World"}}}}`

	msg := parseOne(t, line)
	assert.Equal(t, KindData, msg.Kind)
	assert.Equal(t, "+15551234567", msg.Source)
	assert.Equal(t, int64(1700000000000), msg.Timestamp)
	assert.Equal(t, "ping", msg.Arg0, "arg0 is lowercased and slash-stripped")
	assert.Equal(t, "hello", msg.Arg(1), "later args keep their case")
	assert.Equal(t, "World", msg.Arg(2))
	assert.True(t, msg.IsCommand)
}

func TestParseMentionIsCommand(t *testing.T) {
	line := `{"jsonrpc":"2.0","method":"receive","params":{"envelope":{
		"sourceNumber":"+15551234567","timestamp":1,
		"dataMessage":{"message":"ping",
			"mentions":[{"number":"` + botNumber + `","uuid":"u","start":0,"length":1}]}}}}`

	msg := parseOne(t, line)
	assert.True(t, msg.IsCommand)
	assert.False(t, parseOne(t, `{"jsonrpc":"2.0","method":"receive","params":{"envelope":{
		"sourceNumber":"+15551234567","timestamp":1,
		"dataMessage":{"message":"ping"}}}}`).IsCommand)
}

func TestParseReceiptSuppressed(t *testing.T) {
	line := `{"jsonrpc":"2.0","method":"receive","params":{"envelope":{
		"sourceNumber":"+15551234567","timestamp":2,
		"receiptMessage":{"when":2,"isRead":false,"timestamps":[1]}}}}`
	assert.Equal(t, KindReceipt, parseOne(t, line).Kind)

	// An empty data message with no other content is also a receipt.
	empty := `{"jsonrpc":"2.0","method":"receive","params":{"envelope":{
		"sourceNumber":"+15551234567","timestamp":3,"dataMessage":{"message":""}}}}`
	assert.Equal(t, KindReceipt, parseOne(t, empty).Kind)
}

func TestParsePayment(t *testing.T) {
	line := `{"jsonrpc":"2.0","method":"receive","params":{"envelope":{
		"sourceUuid":"abc","timestamp":4,
		"dataMessage":{"message":"","payment":{"receipt":"AAECAw==","note":"hi"}}}}}`

	msg := parseOne(t, line)
	assert.Equal(t, KindPayment, msg.Kind)
	require.NotNil(t, msg.Payment)
	assert.Equal(t, "AAECAw==", msg.Payment.Receipt)
	assert.Equal(t, "abc", msg.SenderID())
}

func TestParseReaction(t *testing.T) {
	line := `{"jsonrpc":"2.0","method":"receive","params":{"envelope":{
		"sourceNumber":"+15551234567","timestamp":5,
		"dataMessage":{"reaction":{"emoji":"👍","targetAuthor":"+1555","targetSentTimestamp":9}}}}}`

	msg := parseOne(t, line)
	assert.Equal(t, KindReaction, msg.Kind)
	require.NotNil(t, msg.Reaction)
	assert.Equal(t, "👍", msg.Reaction.Emoji)
}

func TestParseResult(t *testing.T) {
	msg := parseOne(t, `{"jsonrpc":"2.0","id":"send-1","result":{"timestamp":1700000000123}}`)
	assert.Equal(t, KindResult, msg.Kind)
	assert.Equal(t, "send-1", msg.ID)
	assert.Equal(t, int64(1700000000123), msg.Timestamp)
}

func TestParseResultList(t *testing.T) {
	msgs, err := NewParser(botNumber).Parse(
		[]byte(`{"jsonrpc":"2.0","id":"x","result":[{"timestamp":1},{"timestamp":2}]}`))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "x", msgs[0].ID)
	assert.Equal(t, "x", msgs[1].ID)
	assert.Equal(t, int64(2), msgs[1].Timestamp)
}

func TestParseError(t *testing.T) {
	msg := parseOne(t, `{"jsonrpc":"2.0","id":"send-2","error":{"code":-32602,"message":"boom","data":"status: 413"}}`)
	assert.Equal(t, KindError, msg.Kind)
	require.NotNil(t, msg.Error)
	assert.Equal(t, -32602, msg.Error.Code)
}

func TestParseMalformed(t *testing.T) {
	p := NewParser(botNumber)

	_, err := p.Parse([]byte(`{not json`))
	assert.ErrorIs(t, err, ErrParse)

	_, err = p.Parse([]byte(`{"jsonrpc":"2.0"}`))
	assert.ErrorIs(t, err, ErrParse)

	// Unknown notification methods are dropped without error.
	msgs, err := p.Parse([]byte(`{"jsonrpc":"2.0","method":"somethingElse","params":{}}`))
	assert.NoError(t, err)
	assert.Nil(t, msgs)
}

func TestParseTypingAndUnknownEnvelope(t *testing.T) {
	typing := `{"jsonrpc":"2.0","method":"receive","params":{"envelope":{
		"sourceNumber":"+1555","timestamp":6,"typingMessage":{"action":"STARTED"}}}}`
	assert.Equal(t, KindTyping, parseOne(t, typing).Kind)

	unknown := `{"jsonrpc":"2.0","method":"receive","params":{"envelope":{
		"sourceNumber":"+1555","timestamp":7}}}`
	msgs, err := NewParser(botNumber).Parse([]byte(unknown))
	assert.NoError(t, err)
	assert.Nil(t, msgs, "envelopes with no recognized kind are discarded")
}

func TestArgsAfter(t *testing.T) {
	msg := parseOne(t, `{"jsonrpc":"2.0","method":"receive","params":{"envelope":{
		"sourceNumber":"+1555","timestamp":8,
		"dataMessage":{"message":"/help   send   payment"}}}}`)
	assert.Equal(t, "send payment", msg.ArgsAfter(0))
	assert.Equal(t, "payment", msg.ArgsAfter(1))
	assert.Equal(t, "", msg.ArgsAfter(2))
}
