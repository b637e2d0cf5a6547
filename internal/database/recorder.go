package database

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const recordTimeout = 3 * time.Second

// StatusRecorder writes timer outcomes back to the store: the matching
// transaction's status changes and an event row is appended.
type StatusRecorder struct {
	store Store
}

// NewStatusRecorder creates a recorder over store.
func NewStatusRecorder(store Store) *StatusRecorder {
	return &StatusRecorder{store: store}
}

func (r *StatusRecorder) RecordSuccess(rrn string, _ time.Duration) {
	r.record(rrn, StatusApproved)
}

func (r *StatusRecorder) RecordTimeout(rrn string) {
	r.record(rrn, StatusTimeout)
}

func (r *StatusRecorder) RecordFailure(rrn string, _ string) {
	r.record(rrn, StatusFailed)
}

func (r *StatusRecorder) record(rrn string, status Status) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	id, err := r.store.UpdateStatusByRRN(ctx, rrn, status)
	if errors.Is(err, ErrNotFound) {
		// Broadcasts that did not come through the RPC intake have no row.
		slog.Debug("[Database] No transaction for outcome", "rrn", rrn, "status", status)
		return
	}
	if err != nil {
		slog.Warn("[Database] Status update failed", "rrn", rrn, "status", status, "error", err)
		return
	}
	if err := r.store.SaveEvent(ctx, &Event{TransactionID: id, Type: status}); err != nil {
		slog.Warn("[Database] Event insert failed", "rrn", rrn, "status", status, "error", err)
	}
}
