package database

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps everything in process. Selected with
// database.url=memory and used in tests.
type MemoryStore struct {
	mu     sync.RWMutex
	txs    []Transaction
	events []Event
	nextTx int64
	nextEv int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) EnsureSchema(context.Context) error { return nil }

func (s *MemoryStore) SaveTransaction(_ context.Context, tx *Transaction) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTx++
	tx.ID = s.nextTx
	s.txs = append(s.txs, *tx)
	return tx.ID, nil
}

func (s *MemoryStore) SaveEvent(_ context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.EventTime.IsZero() {
		ev.EventTime = time.Now()
	}
	s.nextEv++
	ev.ID = s.nextEv
	s.events = append(s.events, *ev)
	return nil
}

func (s *MemoryStore) UpdateStatusByRRN(_ context.Context, rrn string, status Status) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.txs) - 1; i >= 0; i-- {
		if s.txs[i].RRN == rrn {
			s.txs[i].Status = status
			s.txs[i].UpdateTime = time.Now()
			return s.txs[i].ID, nil
		}
	}
	return 0, fmt.Errorf("%w: rrn %s", ErrNotFound, rrn)
}

func (s *MemoryStore) ListTransactions(_ context.Context, limit int) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		return nil, nil
	}
	out := make([]Transaction, 0, min(limit, len(s.txs)))
	for i := len(s.txs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.txs[i])
	}
	return out, nil
}

func (s *MemoryStore) ListEvents(_ context.Context, transactionID int64) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, ev := range s.events {
		if ev.TransactionID == transactionID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
