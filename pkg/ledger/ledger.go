// MobClaw - Signal chatbot framework with MobileCoin payments
// License: MIT
//
// Copyright (c) 2026 MobClaw contributors

// Package ledger records every inbound payment and outbound refund in a
// local sqlite database. Amounts are picoMOB; usd_cents is the approximate
// value at receipt time.
package ledger

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

const schema = `
CREATE TABLE IF NOT EXISTS payments (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	direction          TEXT    NOT NULL,
	counterparty       TEXT    NOT NULL,
	amount_pmob        INTEGER NOT NULL,
	usd_cents          INTEGER NOT NULL DEFAULT 0,
	note               TEXT    NOT NULL DEFAULT '',
	transaction_log_id TEXT    NOT NULL DEFAULT '',
	created_ms         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS payments_counterparty ON payments(counterparty);
`

// Entry is one ledger row.
type Entry struct {
	ID               int64
	Direction        string
	Counterparty     string
	AmountPmob       int64
	USDCents         int64
	Note             string
	TransactionLogID string
	CreatedMs        int64
}

type Ledger struct {
	db *sql.DB
}

// Open creates or opens the ledger database at path.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) insert(e Entry) (int64, error) {
	res, err := l.db.Exec(
		`INSERT INTO payments (direction, counterparty, amount_pmob, usd_cents, note, transaction_log_id, created_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Direction, e.Counterparty, e.AmountPmob, e.USDCents, e.Note, e.TransactionLogID, time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record payment: %w", err)
	}
	return res.LastInsertId()
}

// RecordInbound stores a received payment and returns the row id.
func (l *Ledger) RecordInbound(sender string, amountPmob, usdCents int64, note string) (int64, error) {
	return l.insert(Entry{
		Direction:    DirectionInbound,
		Counterparty: sender,
		AmountPmob:   amountPmob,
		USDCents:     usdCents,
		Note:         note,
	})
}

// RecordOutbound stores a sent payment or refund and returns the row id.
func (l *Ledger) RecordOutbound(recipient string, amountPmob int64, note, transactionLogID string) (int64, error) {
	return l.insert(Entry{
		Direction:        DirectionOutbound,
		Counterparty:     recipient,
		AmountPmob:       amountPmob,
		Note:             note,
		TransactionLogID: transactionLogID,
	})
}

// Annotate replaces the note on an existing row.
func (l *Ledger) Annotate(id int64, note string) error {
	_, err := l.db.Exec(`UPDATE payments SET note = ? WHERE id = ?`, note, id)
	if err != nil {
		return fmt.Errorf("failed to annotate payment %d: %w", id, err)
	}
	return nil
}

// For returns the most recent entries involving counterparty, newest first.
func (l *Ledger) For(counterparty string, limit int) ([]Entry, error) {
	rows, err := l.db.Query(
		`SELECT id, direction, counterparty, amount_pmob, usd_cents, note, transaction_log_id, created_ms
		 FROM payments WHERE counterparty = ? ORDER BY id DESC LIMIT ?`,
		counterparty, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Recent returns the most recent entries across all counterparties.
func (l *Ledger) Recent(limit int) ([]Entry, error) {
	rows, err := l.db.Query(
		`SELECT id, direction, counterparty, amount_pmob, usd_cents, note, transaction_log_id, created_ms
		 FROM payments ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Direction, &e.Counterparty, &e.AmountPmob,
			&e.USDCents, &e.Note, &e.TransactionLogID, &e.CreatedMs); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *Ledger) Close() error { return l.db.Close() }
