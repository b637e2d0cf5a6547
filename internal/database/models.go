// Package database records transactions received by the acquirer's RPC
// intake and the lifecycle events that follow them.
package database

import (
	"context"
	"errors"
	"time"

	"github.com/ocx/isosim/internal/iso8583"
)

// ErrNotFound is returned when no transaction matches.
var ErrNotFound = errors.New("database: transaction not found")

// Status is a transaction's current state. Event types share the same set.
type Status string

const (
	StatusReceived  Status = "RECEIVED"
	StatusBroadcast Status = "BROADCAST"
	StatusApproved  Status = "APPROVED"
	StatusTimeout   Status = "TIMEOUT"
	StatusFailed    Status = "FAILED"
)

// unknownParty fills source and target numbers missing from the message.
const unknownParty = "UNKNOWN"

// Transaction is one row of the transactions table.
type Transaction struct {
	ID              int64     `json:"id"`
	SourceNumber    string    `json:"sourceNumber"`
	TargetNumber    string    `json:"targetNumber"`
	Status          Status    `json:"status"`
	Amount          string    `json:"amount"`
	RRN             string    `json:"rrn"`
	STAN            string    `json:"stan"`
	MTI             string    `json:"mti"`
	TransactionTime time.Time `json:"transactionTime"`
	UpdateTime      time.Time `json:"updateTime"`
}

// Event is one row of the transaction_events table.
type Event struct {
	ID            int64     `json:"id"`
	TransactionID int64     `json:"transactionId"`
	Type          Status    `json:"eventType"`
	ISOMessage    string    `json:"isoMessage"`
	EventTime     time.Time `json:"eventTime"`
}

// Store persists transactions and their events.
type Store interface {
	EnsureSchema(ctx context.Context) error
	SaveTransaction(ctx context.Context, tx *Transaction) (int64, error)
	SaveEvent(ctx context.Context, ev *Event) error
	// UpdateStatusByRRN moves the most recent transaction carrying rrn to
	// status and returns its id.
	UpdateStatusByRRN(ctx context.Context, rrn string, status Status) (int64, error)
	ListTransactions(ctx context.Context, limit int) ([]Transaction, error)
	ListEvents(ctx context.Context, transactionID int64) ([]Event, error)
	Close() error
}

// TransactionFromMessage maps an authorization request onto a RECEIVED row.
// Field 4 carries minor units; Amount holds the major-unit decimal text.
func TransactionFromMessage(msg *iso8583.Message, now time.Time) *Transaction {
	tx := &Transaction{
		SourceNumber:    msg.Get(iso8583.FieldPAN),
		TargetNumber:    msg.Get(iso8583.FieldCardAcceptorID),
		Status:          StatusReceived,
		Amount:          iso8583.FormatAmount(msg.Get(iso8583.FieldAmount)),
		RRN:             msg.Get(iso8583.FieldRRN),
		STAN:            msg.Get(iso8583.FieldSTAN),
		MTI:             msg.MTI,
		TransactionTime: now,
		UpdateTime:      now,
	}
	if tx.SourceNumber == "" {
		tx.SourceNumber = unknownParty
	}
	if tx.TargetNumber == "" {
		tx.TargetNumber = unknownParty
	}
	return tx
}
