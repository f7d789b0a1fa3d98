// MobClaw - Signal chatbot framework with MobileCoin payments
// License: MIT
//
// Copyright (c) 2026 MobClaw contributors

package payments

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/zhaopengme/mobclaw/pkg/ledger"
	"github.com/zhaopengme/mobclaw/pkg/logger"
	"github.com/zhaopengme/mobclaw/pkg/message"
	"github.com/zhaopengme/mobclaw/pkg/signal"
)

// Canonical user-visible failure text.
const paymentFailureMessage = "Failed to process your payment; contact admin with a screenshot."

// Sender is the slice of the Signal session the payment flows need.
type Sender interface {
	SendMessage(body string, opts signal.SendOpts) (*signal.Future, error)
	RPC(method string, params map[string]interface{}) *signal.Future
}

// ResponseFunc decides what happens after an inbound payment lands: refund,
// credit a balance, fulfill an order. The returned string, when non-empty,
// is sent to the payer.
type ResponseFunc func(ctx context.Context, msg *message.Message, amountPmob int64) (string, error)

// SendPaymentOpts tunes one outbound payment.
type SendPaymentOpts struct {
	// Note rides inside the Signal payment notification.
	Note string
	// ReceiptMessage is sent to the recipient once the transaction
	// confirms. Requires ConfirmTimeout > 0.
	ReceiptMessage string
	// ConfirmTimeout > 0 polls the wallet until the transaction reaches a
	// terminal state or the timeout passes. It also makes the wallet log
	// the transaction; zero leaves the send unlogged for privacy.
	ConfirmTimeout time.Duration
}

// SendResult reports the outcome of SendPayment.
type SendResult struct {
	Status           string
	TransactionLogID string
	// Msg is the resolved response of the Signal send, when one arrived.
	Msg *message.Message
}

// PayBot owns the payment flows of one bot: outbound sends, inbound receipt
// handling, and the refund policy.
type PayBot struct {
	wallet *Wallet
	sender Sender
	ledger *ledger.Ledger
	price  *PriceCache

	// payLock serializes build+submit+receipt-encode; concurrent
	// submissions contend over the same UTXOs.
	payLock sync.Mutex

	pollInterval   time.Duration
	receiptTimeout time.Duration
	sendWait       time.Duration

	mu       sync.Mutex
	noRepay  map[string]bool
	response ResponseFunc

	notifyAdmin func(string)
	onEvent     func(event, who string, amountPmob int64)
}

func NewPayBot(wallet *Wallet, sender Sender, l *ledger.Ledger, price *PriceCache) *PayBot {
	return &PayBot{
		wallet:         wallet,
		sender:         sender,
		ledger:         l,
		price:          price,
		pollInterval:   time.Second,
		receiptTimeout: 30 * time.Second,
		sendWait:       10 * time.Second,
		noRepay:        make(map[string]bool),
	}
}

// SetResponse installs the application hook invoked after each inbound
// payment. Without one the payment is acknowledged and kept.
func (p *PayBot) SetResponse(fn ResponseFunc) { p.response = fn }

// SetNotifyAdmin installs the out-of-band admin notification hook.
func (p *PayBot) SetNotifyAdmin(fn func(string)) {
	p.notifyAdmin = fn
	p.wallet.OnError(func(err error) { fn("wallet error: " + err.Error()) })
}

// SetOnEvent installs an observer for payment lifecycle events.
func (p *PayBot) SetOnEvent(fn func(event, who string, amountPmob int64)) { p.onEvent = fn }

// NoRepay exempts who from automatic refunds, typically because an order of
// theirs is in flight.
func (p *PayBot) NoRepay(who string) {
	p.mu.Lock()
	p.noRepay[who] = true
	p.mu.Unlock()
}

// AllowRepay clears a NoRepay registration.
func (p *PayBot) AllowRepay(who string) {
	p.mu.Lock()
	delete(p.noRepay, who)
	p.mu.Unlock()
}

func (p *PayBot) isNoRepay(who string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.noRepay[who]
}

func (p *PayBot) admin(text string) {
	if p.notifyAdmin != nil {
		p.notifyAdmin(text)
	}
}

func (p *PayBot) event(event, who string, amountPmob int64) {
	if p.onEvent != nil {
		p.onEvent(event, who, amountPmob)
	}
}

// GetAddress resolves a peer's MobileCoin address via Signal and returns it
// in b58 form. Empty string (no error) means the peer has no payment
// address.
func (p *PayBot) GetAddress(ctx context.Context, peer string) (string, error) {
	future := p.sender.RPC("getPayAddress", map[string]interface{}{"recipient": peer})
	msg, err := future.Wait(ctx)
	if err != nil {
		return "", fmt.Errorf("address lookup for %s failed: %w", peer, err)
	}
	if msg.Error != nil || msg.Result == nil {
		return "", nil
	}

	var decoded struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(msg.Result, &decoded); err != nil || decoded.Address == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(decoded.Address)
	if err != nil {
		logger.WarnCF("payments", "Peer has an undecodable payment address", map[string]interface{}{
			"peer": peer,
		})
		return "", nil
	}
	return B58FromPublicAddress(raw), nil
}

// notificationContent builds the opaque Signal content JSON that carries a
// receiver receipt.
func notificationContent(note string, receipt *Receipt) (string, error) {
	raw := receipt.Marshal()
	bytes := make([]int, len(raw))
	for i, b := range raw {
		bytes[i] = int(b)
	}
	content, err := json.Marshal(map[string]interface{}{
		"notification": map[string]interface{}{
			"note": note,
			"Transaction": map[string]interface{}{
				"mobileCoin": map[string]interface{}{
					"receipt": bytes,
				},
			},
		},
	})
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// SendPayment pays amountPmob to recipient. A nil result with nil error
// means the recipient has payments disabled and was told so.
func (p *PayBot) SendPayment(ctx context.Context, recipient string, amountPmob int64, opts SendPaymentOpts) (*SendResult, error) {
	address, err := p.GetAddress(ctx, recipient)
	if err != nil {
		return nil, err
	}
	if address == "" {
		_, _ = p.sender.SendMessage(
			"I tried to send you a payment, but you don't have Signal payments enabled.",
			signal.SendOpts{Recipient: recipient})
		return nil, nil
	}

	logTx := opts.ConfirmTimeout > 0
	build, receipt, err := p.buildAndSubmit(address, amountPmob, logTx, opts.Note)
	if err != nil {
		logger.ErrorCF("payments", "Payment build/submit failed", map[string]interface{}{
			"recipient": recipient,
			"pmob":      amountPmob,
			"error":     err.Error(),
		})
		_, _ = p.sender.SendMessage(paymentFailureMessage, signal.SendOpts{Recipient: recipient})
		p.admin(fmt.Sprintf("payment of %d pmob to %s failed: %v", amountPmob, recipient, err))
		return &SendResult{Status: TxStatusFailed}, nil
	}

	content, err := notificationContent(opts.Note, receipt)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payment notification: %w", err)
	}
	future, err := p.sender.SendMessage("", signal.SendOpts{Recipient: recipient, Content: content})
	if err != nil {
		return nil, err
	}

	result := &SendResult{Status: TxStatusSubmitted, TransactionLogID: build.TransactionLogID}
	waitCtx, cancel := context.WithTimeout(ctx, p.sendWait)
	result.Msg, _ = future.Wait(waitCtx)
	cancel()

	if logTx {
		result.Status = p.confirm(ctx, build.TransactionLogID, recipient, opts)
	}

	if p.ledger != nil {
		if _, err := p.ledger.RecordOutbound(recipient, amountPmob, opts.Note, build.TransactionLogID); err != nil {
			logger.ErrorC("payments", "Failed to record outbound payment: "+err.Error())
		}
	}
	p.event("payment_sent", recipient, amountPmob)
	return result, nil
}

func (p *PayBot) buildAndSubmit(address string, amountPmob int64, logTx bool, comment string) (*BuildResult, *Receipt, error) {
	p.payLock.Lock()
	defer p.payLock.Unlock()

	build, err := p.wallet.BuildTransaction(address, amountPmob)
	if err != nil {
		return nil, nil, err
	}
	if err := p.wallet.SubmitTransaction(build.TxProposal, logTx, comment); err != nil {
		return nil, nil, err
	}
	receipts, err := p.wallet.CreateReceiverReceipts(build.TxProposal)
	if err != nil {
		return nil, nil, err
	}
	if len(receipts) == 0 {
		return nil, nil, fmt.Errorf("wallet returned no receiver receipts")
	}
	return build, receipts[0], nil
}

// confirm polls the transaction log until a terminal state or the timeout.
// On success the receipt message, if any, goes to the recipient exactly
// once.
func (p *PayBot) confirm(ctx context.Context, transactionLogID, recipient string, opts SendPaymentOpts) string {
	deadline := time.Now().Add(opts.ConfirmTimeout)
	for {
		status, err := p.wallet.GetTransactionLog(transactionLogID)
		if err == nil {
			switch status {
			case TxStatusSucceeded:
				if opts.ReceiptMessage != "" {
					_, _ = p.sender.SendMessage(opts.ReceiptMessage, signal.SendOpts{Recipient: recipient})
				}
				return TxStatusSucceeded
			case TxStatusFailed:
				return TxStatusFailed
			}
		}

		if time.Now().After(deadline) {
			logger.WarnCF("payments", "Payment confirmation timed out", map[string]interface{}{
				"transaction_log_id": transactionLogID,
			})
			return TxStatusPending
		}
		select {
		case <-ctx.Done():
			return TxStatusPending
		case <-time.After(p.pollInterval):
		}
	}
}

// HandlePayment processes one inbound payment notification: verify the
// receipt with the wallet, record it, acknowledge it, and hand it to the
// application hook.
func (p *PayBot) HandlePayment(ctx context.Context, msg *message.Message) error {
	sender := msg.SenderID()
	if msg.Payment == nil || msg.Payment.Receipt == "" {
		return fmt.Errorf("payment message from %s has no receipt", sender)
	}

	status, err := p.verifyReceipt(ctx, msg.Payment.Receipt)
	if err != nil {
		_, _ = p.sender.SendMessage(paymentFailureMessage, signal.SendOpts{Recipient: sender})
		p.admin(fmt.Sprintf("inbound payment from %s failed verification: %v", sender, err))
		return err
	}

	amount := status.ValuePmob
	cents := p.price.USDCents(amount)
	if p.ledger != nil {
		if _, err := p.ledger.RecordInbound(sender, amount, cents, ""); err != nil {
			logger.ErrorC("payments", "Failed to record inbound payment: "+err.Error())
		}
	}
	logger.InfoCF("payments", "Payment received", map[string]interface{}{
		"from":      sender,
		"pmob":      amount,
		"usd_cents": cents,
	})
	p.event("payment_received", sender, amount)

	_, _ = p.sender.SendMessage(
		fmt.Sprintf("Got your payment of %s MOB (~$%d.%02d). Thanks!", MOBString(amount), cents/100, cents%100),
		signal.SendOpts{Recipient: sender})

	if p.response == nil {
		return nil
	}
	reply, err := p.response(ctx, msg, amount)
	if err != nil {
		_, _ = p.sender.SendMessage(
			fmt.Sprintf("%s Amount: %s MOB.", paymentFailureMessage, MOBString(amount)),
			signal.SendOpts{Recipient: sender})
		p.admin(fmt.Sprintf("payment response hook for %s failed: %v", sender, err))
		return err
	}
	if reply != "" {
		_, _ = p.sender.SendMessage(reply, signal.SendOpts{Recipient: sender})
	}
	return nil
}

// verifyReceipt polls the wallet until the receipt leaves the pending state.
func (p *PayBot) verifyReceipt(ctx context.Context, receiptB64 string) (*ReceiptStatus, error) {
	raw, err := base64.StdEncoding.DecodeString(receiptB64)
	if err != nil {
		return nil, fmt.Errorf("receipt is not valid base64: %w", err)
	}
	receipt, err := UnmarshalReceipt(raw)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(p.receiptTimeout)
	for {
		status, err := p.wallet.CheckReceiverReceiptStatus(receipt)
		if err != nil {
			return nil, err
		}
		if status.Status != ReceiptPending {
			if status.Status != ReceiptSuccess {
				return nil, fmt.Errorf("receipt resolved to %s", status.Status)
			}
			return status, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("receipt still pending after %s", p.receiptTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.pollInterval):
		}
	}
}

// RefundResponse is the stock response hook: return the payment minus the
// network fee, unless the sender is on the no-repay list. Refunds that
// would not cover the fee are declined.
func (p *PayBot) RefundResponse(ctx context.Context, msg *message.Message, amountPmob int64) (string, error) {
	sender := msg.SenderID()
	if p.isNoRepay(sender) {
		return "", nil
	}

	refund := amountPmob - FeePmob
	if refund <= 0 {
		return fmt.Sprintf("Your payment of %s MOB is below the %s MOB network fee, so I can't refund it.",
			MOBString(amountPmob), MOBString(FeePmob)), nil
	}

	result, err := p.SendPayment(ctx, sender, refund, SendPaymentOpts{
		Note: "refund; this bot was not expecting a payment",
	})
	if err != nil {
		return "", err
	}
	if result != nil && result.Status == TxStatusFailed {
		return "", fmt.Errorf("refund of %d pmob to %s failed", refund, sender)
	}

	p.annotateLastInbound(sender, "refunded")
	p.event("payment_refunded", sender, refund)
	return "", nil
}

func (p *PayBot) annotateLastInbound(sender, note string) {
	if p.ledger == nil {
		return
	}
	entries, err := p.ledger.For(sender, 5)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.Direction == ledger.DirectionInbound {
			_ = p.ledger.Annotate(e.ID, note)
			return
		}
	}
}

// MOBString renders picoMOB as a trimmed decimal MOB amount.
func MOBString(amountPmob int64) string {
	neg := ""
	if amountPmob < 0 {
		neg = "-"
		amountPmob = -amountPmob
	}
	whole := amountPmob / PmobPerMOB
	frac := amountPmob % PmobPerMOB
	if frac == 0 {
		return fmt.Sprintf("%s%d", neg, whole)
	}
	s := fmt.Sprintf("%012d", frac)
	for len(s) > 1 && s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	return fmt.Sprintf("%s%d.%s", neg, whole, s)
}
