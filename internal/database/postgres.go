package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	id               BIGSERIAL PRIMARY KEY,
	source_number    VARCHAR(20),
	target_number    VARCHAR(20),
	status           VARCHAR(10) NOT NULL,
	amount           NUMERIC(15, 2) NOT NULL DEFAULT 0,
	rrn              VARCHAR(12),
	stan             VARCHAR(6),
	mti              VARCHAR(4),
	transaction_time TIMESTAMPTZ NOT NULL DEFAULT now(),
	update_time      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS transactions_rrn_idx ON transactions (rrn);
CREATE TABLE IF NOT EXISTS transaction_events (
	id             BIGSERIAL PRIMARY KEY,
	transaction_id BIGINT REFERENCES transactions (id) ON DELETE CASCADE,
	event_type     VARCHAR(20) NOT NULL,
	iso_message    TEXT,
	event_time     TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresStore is the Postgres-backed Store.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects with dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	slog.Info("[Database] Connected to Postgres")
	return &PostgresStore{db: db}, nil
}

// NewPostgresStore wraps an open handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveTransaction(ctx context.Context, tx *Transaction) (int64, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO transactions
			(source_number, target_number, status, amount, rrn, stan, mti, transaction_time, update_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		tx.SourceNumber, tx.TargetNumber, string(tx.Status), tx.Amount,
		tx.RRN, tx.STAN, tx.MTI, tx.TransactionTime, tx.UpdateTime,
	).Scan(&tx.ID)
	if err != nil {
		return 0, fmt.Errorf("insert transaction: %w", err)
	}
	return tx.ID, nil
}

func (s *PostgresStore) SaveEvent(ctx context.Context, ev *Event) error {
	if ev.EventTime.IsZero() {
		ev.EventTime = time.Now()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO transaction_events (transaction_id, event_type, iso_message, event_time)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		ev.TransactionID, string(ev.Type), ev.ISOMessage, ev.EventTime,
	).Scan(&ev.ID)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateStatusByRRN(ctx context.Context, rrn string, status Status) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE transactions SET status = $1, update_time = now()
		WHERE id = (SELECT id FROM transactions WHERE rrn = $2 ORDER BY id DESC LIMIT 1)
		RETURNING id`,
		string(status), rrn,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: rrn %s", ErrNotFound, rrn)
	}
	if err != nil {
		return 0, fmt.Errorf("update status: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, limit int) ([]Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_number, target_number, status, amount::text,
		       COALESCE(rrn, ''), COALESCE(stan, ''), COALESCE(mti, ''),
		       transaction_time, update_time
		FROM transactions ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var tx Transaction
		var status string
		if err := rows.Scan(&tx.ID, &tx.SourceNumber, &tx.TargetNumber, &status, &tx.Amount,
			&tx.RRN, &tx.STAN, &tx.MTI, &tx.TransactionTime, &tx.UpdateTime); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		tx.Status = Status(status)
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListEvents(ctx context.Context, transactionID int64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, event_type, COALESCE(iso_message, ''), event_time
		FROM transaction_events WHERE transaction_id = $1 ORDER BY id`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var typ string
		if err := rows.Scan(&ev.ID, &ev.TransactionID, &typ, &ev.ISOMessage, &ev.EventTime); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = Status(typ)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
