// MobClaw - Signal chatbot framework with MobileCoin payments
// License: MIT
//
// Copyright (c) 2026 MobClaw contributors

// Package payments talks to a MobileCoin full-service wallet and drives the
// send / receive / refund flows over Signal payment notifications.
package payments

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/zhaopengme/mobclaw/pkg/logger"
)

const (
	// FeePmob is the fixed network fee: 0.0004 MOB.
	FeePmob int64 = 400_000_000

	// PmobPerMOB converts between MOB and picoMOB.
	PmobPerMOB int64 = 1_000_000_000_000
)

// WalletError is a JSON-RPC level error returned by the wallet.
type WalletError struct {
	Method  string
	Code    int
	Message string
}

func (e *WalletError) Error() string {
	return fmt.Sprintf("wallet %s failed: %d %s", e.Method, e.Code, e.Message)
}

// Wallet is a client for the full-service wallet JSON-RPC API. The first
// account the wallet reports is memoized and used for everything.
type Wallet struct {
	url     string
	client  *fasthttp.Client
	timeout time.Duration

	mu          sync.Mutex
	accountID   string
	mainAddress string

	// onError, when set, is told about every failed wallet call so the
	// admin can be notified out-of-band.
	onError func(error)
}

func NewWallet(url string) *Wallet {
	return &Wallet{
		url:     url,
		client:  &fasthttp.Client{},
		timeout: 30 * time.Second,
	}
}

// OnError installs the out-of-band failure hook.
func (w *Wallet) OnError(fn func(error)) { w.onError = fn }

type walletRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type walletResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Req posts one JSON-RPC call to the wallet and returns the decoded result.
func (w *Wallet) Req(method string, params interface{}) (json.RawMessage, error) {
	result, err := w.req(method, params)
	if err != nil {
		logger.ErrorCF("payments", "Wallet call failed", map[string]interface{}{
			"method": method,
			"error":  err.Error(),
		})
		if w.onError != nil {
			w.onError(err)
		}
	}
	return result, err
}

func (w *Wallet) req(method string, params interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(walletRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to encode wallet request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(w.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	if err := w.client.DoTimeout(req, resp, w.timeout); err != nil {
		return nil, fmt.Errorf("wallet %s unreachable: %w", method, err)
	}
	if code := resp.StatusCode(); code != fasthttp.StatusOK {
		return nil, fmt.Errorf("wallet %s returned HTTP %d", method, code)
	}

	var decoded walletResponse
	if err := json.Unmarshal(resp.Body(), &decoded); err != nil {
		return nil, fmt.Errorf("wallet %s returned garbage: %w", method, err)
	}
	if decoded.Error != nil {
		return nil, &WalletError{Method: method, Code: decoded.Error.Code, Message: decoded.Error.Message}
	}
	return decoded.Result, nil
}

// loadAccount fetches and memoizes the first account id and its main
// address.
func (w *Wallet) loadAccount() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.accountID != "" {
		return nil
	}

	result, err := w.Req("get_all_accounts", nil)
	if err != nil {
		return err
	}
	var accounts struct {
		AccountIDs []string `json:"account_ids"`
		AccountMap map[string]struct {
			MainAddress string `json:"main_address"`
		} `json:"account_map"`
	}
	if err := json.Unmarshal(result, &accounts); err != nil {
		return fmt.Errorf("failed to decode accounts: %w", err)
	}
	if len(accounts.AccountIDs) == 0 {
		return fmt.Errorf("wallet has no accounts")
	}
	w.accountID = accounts.AccountIDs[0]
	w.mainAddress = accounts.AccountMap[w.accountID].MainAddress
	return nil
}

// AccountID returns the memoized first account id.
func (w *Wallet) AccountID() (string, error) {
	if err := w.loadAccount(); err != nil {
		return "", err
	}
	return w.accountID, nil
}

// MainAddress returns the b58 main address of the memoized account.
func (w *Wallet) MainAddress() (string, error) {
	if err := w.loadAccount(); err != nil {
		return "", err
	}
	return w.mainAddress, nil
}

// BuildResult is what build_transaction hands back.
type BuildResult struct {
	TxProposal       json.RawMessage `json:"tx_proposal"`
	TransactionLogID string          `json:"transaction_log_id"`
}

// BuildTransaction constructs an unsigned transaction paying amountPmob to
// recipientB58 with the fixed network fee.
func (w *Wallet) BuildTransaction(recipientB58 string, amountPmob int64) (*BuildResult, error) {
	accountID, err := w.AccountID()
	if err != nil {
		return nil, err
	}
	result, err := w.Req("build_transaction", map[string]interface{}{
		"account_id":               accountID,
		"recipient_public_address": recipientB58,
		"value_pmob":               strconv.FormatInt(amountPmob, 10),
		"fee":                      strconv.FormatInt(FeePmob, 10),
	})
	if err != nil {
		return nil, err
	}
	var build BuildResult
	if err := json.Unmarshal(result, &build); err != nil {
		return nil, fmt.Errorf("failed to decode build_transaction result: %w", err)
	}
	return &build, nil
}

// SubmitTransaction broadcasts a built transaction. With logTx the wallet
// records a transaction log queryable later; without, the send is unlogged.
func (w *Wallet) SubmitTransaction(txProposal json.RawMessage, logTx bool, comment string) error {
	params := map[string]interface{}{"tx_proposal": txProposal}
	if logTx {
		accountID, err := w.AccountID()
		if err != nil {
			return err
		}
		params["account_id"] = accountID
	}
	if comment != "" {
		params["comment"] = comment
	}
	_, err := w.Req("submit_transaction", params)
	return err
}

// walletReceipt is the full-service JSON shape of a receiver receipt.
type walletReceipt struct {
	PublicKey      string `json:"public_key"`
	Confirmation   string `json:"confirmation"`
	TombstoneBlock string `json:"tombstone_block"`
	Amount         struct {
		Commitment    string `json:"commitment"`
		MaskedValue   string `json:"masked_value"`
		MaskedTokenID string `json:"masked_token_id"`
	} `json:"amount"`
}

func (wr *walletReceipt) toProto() (*Receipt, error) {
	r := &Receipt{}
	var err error
	if r.PublicKey, err = hex.DecodeString(wr.PublicKey); err != nil {
		return nil, fmt.Errorf("bad receipt public_key: %w", err)
	}
	if r.Confirmation, err = hex.DecodeString(wr.Confirmation); err != nil {
		return nil, fmt.Errorf("bad receipt confirmation: %w", err)
	}
	if r.Commitment, err = hex.DecodeString(wr.Amount.Commitment); err != nil {
		return nil, fmt.Errorf("bad receipt commitment: %w", err)
	}
	if wr.TombstoneBlock != "" {
		if r.TombstoneBlock, err = strconv.ParseUint(wr.TombstoneBlock, 10, 64); err != nil {
			return nil, fmt.Errorf("bad receipt tombstone_block: %w", err)
		}
	}
	if wr.Amount.MaskedValue != "" {
		if r.MaskedValue, err = strconv.ParseUint(wr.Amount.MaskedValue, 10, 64); err != nil {
			return nil, fmt.Errorf("bad receipt masked_value: %w", err)
		}
	}
	if wr.Amount.MaskedTokenID != "" {
		if r.MaskedTokenID, err = hex.DecodeString(wr.Amount.MaskedTokenID); err != nil {
			return nil, fmt.Errorf("bad receipt masked_token_id: %w", err)
		}
	}
	return r, nil
}

func walletReceiptFromProto(r *Receipt) *walletReceipt {
	wr := &walletReceipt{
		PublicKey:      hex.EncodeToString(r.PublicKey),
		Confirmation:   hex.EncodeToString(r.Confirmation),
		TombstoneBlock: strconv.FormatUint(r.TombstoneBlock, 10),
	}
	wr.Amount.Commitment = hex.EncodeToString(r.Commitment)
	wr.Amount.MaskedValue = strconv.FormatUint(r.MaskedValue, 10)
	if len(r.MaskedTokenID) > 0 {
		wr.Amount.MaskedTokenID = hex.EncodeToString(r.MaskedTokenID)
	}
	return wr
}

// CreateReceiverReceipts asks the wallet for the receipts proving a built
// transaction to its recipients.
func (w *Wallet) CreateReceiverReceipts(txProposal json.RawMessage) ([]*Receipt, error) {
	result, err := w.Req("create_receiver_receipts", map[string]interface{}{
		"tx_proposal": txProposal,
	})
	if err != nil {
		return nil, err
	}
	var decoded struct {
		ReceiverReceipts []walletReceipt `json:"receiver_receipts"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode receiver receipts: %w", err)
	}
	receipts := make([]*Receipt, 0, len(decoded.ReceiverReceipts))
	for i := range decoded.ReceiverReceipts {
		r, err := decoded.ReceiverReceipts[i].toProto()
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	return receipts, nil
}

// ReceiptStatus is the wallet's view of one inbound receipt.
type ReceiptStatus struct {
	Status    string
	ValuePmob int64
}

// Receipt transaction statuses reported by check_receiver_receipt_status.
const (
	ReceiptPending = "TransactionPending"
	ReceiptSuccess = "TransactionSuccess"
)

// CheckReceiverReceiptStatus asks whether a receipt addressed to us has
// landed on chain yet.
func (w *Wallet) CheckReceiverReceiptStatus(r *Receipt) (*ReceiptStatus, error) {
	address, err := w.MainAddress()
	if err != nil {
		return nil, err
	}
	result, err := w.Req("check_receiver_receipt_status", map[string]interface{}{
		"address":          address,
		"receiver_receipt": walletReceiptFromProto(r),
	})
	if err != nil {
		return nil, err
	}
	var decoded struct {
		ReceiptTransactionStatus string `json:"receipt_transaction_status"`
		Txo                      *struct {
			ValuePmob string `json:"value_pmob"`
		} `json:"txo"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode receipt status: %w", err)
	}
	status := &ReceiptStatus{Status: decoded.ReceiptTransactionStatus}
	if decoded.Txo != nil && decoded.Txo.ValuePmob != "" {
		if status.ValuePmob, err = strconv.ParseInt(decoded.Txo.ValuePmob, 10, 64); err != nil {
			return nil, fmt.Errorf("bad receipt value_pmob: %w", err)
		}
	}
	return status, nil
}

// Transaction statuses. The wallet reports the last three from
// get_transaction_log; submitted covers unlogged sends that were accepted
// but never polled.
const (
	TxStatusSubmitted = "tx_status_submitted"
	TxStatusSucceeded = "tx_status_succeeded"
	TxStatusFailed    = "tx_status_failed"
	TxStatusPending   = "tx_status_pending"
)

// GetTransactionLog returns the current status of a logged transaction.
func (w *Wallet) GetTransactionLog(transactionLogID string) (string, error) {
	result, err := w.Req("get_transaction_log", map[string]interface{}{
		"transaction_log_id": transactionLogID,
	})
	if err != nil {
		return "", err
	}
	var decoded struct {
		TransactionLog struct {
			Status string `json:"status"`
		} `json:"transaction_log"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil {
		return "", fmt.Errorf("failed to decode transaction log: %w", err)
	}
	return decoded.TransactionLog.Status, nil
}

// GetAllTransactionLogs dumps every logged transaction for the account.
func (w *Wallet) GetAllTransactionLogs() (json.RawMessage, error) {
	accountID, err := w.AccountID()
	if err != nil {
		return nil, err
	}
	return w.Req("get_all_transaction_logs_for_account", map[string]interface{}{
		"account_id": accountID,
	})
}

// Balance returns the spendable balance in picoMOB.
func (w *Wallet) Balance() (int64, error) {
	accountID, err := w.AccountID()
	if err != nil {
		return 0, err
	}
	result, err := w.Req("get_balance_for_account", map[string]interface{}{
		"account_id": accountID,
	})
	if err != nil {
		return 0, err
	}
	var decoded struct {
		Balance struct {
			UnspentPmob string `json:"unspent_pmob"`
		} `json:"balance"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil {
		return 0, fmt.Errorf("failed to decode balance: %w", err)
	}
	return strconv.ParseInt(decoded.Balance.UnspentPmob, 10, 64)
}

// CheckB58Type classifies a b58 string: public address, gift code or
// payment request.
func (w *Wallet) CheckB58Type(b58 string) (string, error) {
	result, err := w.Req("check_b58_type", map[string]interface{}{"b58_code": b58})
	if err != nil {
		return "", err
	}
	var decoded struct {
		B58Type string `json:"b58_type"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil {
		return "", fmt.Errorf("failed to decode b58 type: %w", err)
	}
	return decoded.B58Type, nil
}

// GiftCode is a built but not yet funded gift code.
type GiftCode struct {
	B58        string          `json:"gift_code_b58"`
	TxProposal json.RawMessage `json:"tx_proposal"`
}

// BuildGiftCode constructs a gift code holding valuePmob.
func (w *Wallet) BuildGiftCode(valuePmob int64, memo string) (*GiftCode, error) {
	accountID, err := w.AccountID()
	if err != nil {
		return nil, err
	}
	result, err := w.Req("build_gift_code", map[string]interface{}{
		"account_id": accountID,
		"value_pmob": strconv.FormatInt(valuePmob, 10),
		"memo":       memo,
	})
	if err != nil {
		return nil, err
	}
	var code GiftCode
	if err := json.Unmarshal(result, &code); err != nil {
		return nil, fmt.Errorf("failed to decode gift code: %w", err)
	}
	return &code, nil
}

// SubmitGiftCode funds a built gift code.
func (w *Wallet) SubmitGiftCode(code *GiftCode) error {
	_, err := w.Req("submit_gift_code", map[string]interface{}{
		"gift_code_b58": code.B58,
		"tx_proposal":   code.TxProposal,
	})
	return err
}

// CheckGiftCodeStatus reports whether a gift code is still redeemable and
// how much it holds.
func (w *Wallet) CheckGiftCodeStatus(b58 string) (status string, valuePmob int64, err error) {
	result, err := w.Req("check_gift_code_status", map[string]interface{}{"gift_code_b58": b58})
	if err != nil {
		return "", 0, err
	}
	var decoded struct {
		GiftCodeStatus string `json:"gift_code_status"`
		GiftCodeValue  int64  `json:"gift_code_value"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil {
		return "", 0, fmt.Errorf("failed to decode gift code status: %w", err)
	}
	return decoded.GiftCodeStatus, decoded.GiftCodeValue, nil
}

// ClaimGiftCode redeems a gift code into the account.
func (w *Wallet) ClaimGiftCode(b58 string) (string, error) {
	accountID, err := w.AccountID()
	if err != nil {
		return "", err
	}
	result, err := w.Req("claim_gift_code", map[string]interface{}{
		"account_id":    accountID,
		"gift_code_b58": b58,
	})
	if err != nil {
		return "", err
	}
	var decoded struct {
		TxoID string `json:"txo_id"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil {
		return "", fmt.Errorf("failed to decode gift code claim: %w", err)
	}
	return decoded.TxoID, nil
}
