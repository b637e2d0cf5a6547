package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/isosim/internal/iso8583"
)

const request = "0200|2=4000123456789012|3=000000|4=000000012345|7=0920123456|11=000042|37=123456789012|42=SIMULATOR000001"

func TestTransactionFromMessage(t *testing.T) {
	now := time.Date(2024, 9, 20, 12, 34, 56, 0, time.UTC)
	tx := TransactionFromMessage(iso8583.Parse(request), now)

	assert.Equal(t, "4000123456789012", tx.SourceNumber)
	assert.Equal(t, "SIMULATOR000001", tx.TargetNumber)
	assert.Equal(t, StatusReceived, tx.Status)
	assert.Equal(t, "123.45", tx.Amount)
	assert.Equal(t, "123456789012", tx.RRN)
	assert.Equal(t, "000042", tx.STAN)
	assert.Equal(t, "0200", tx.MTI)
	assert.Equal(t, now, tx.TransactionTime)

	bare := TransactionFromMessage(iso8583.NewMessage("0200"), now)
	assert.Equal(t, "UNKNOWN", bare.SourceNumber)
	assert.Equal(t, "UNKNOWN", bare.TargetNumber)
}

// exerciseStore runs the same lifecycle against any Store.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.EnsureSchema(ctx))

	msg := iso8583.Parse(request)
	rrn := msg.Get(iso8583.FieldRRN)
	first := TransactionFromMessage(msg, time.Now())
	id1, err := s.SaveTransaction(ctx, first)
	require.NoError(t, err)
	require.NoError(t, s.SaveEvent(ctx, &Event{TransactionID: id1, Type: StatusReceived, ISOMessage: request}))

	// A later transaction reusing the RRN is the one updated.
	second := TransactionFromMessage(msg, time.Now())
	id2, err := s.SaveTransaction(ctx, second)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	updated, err := s.UpdateStatusByRRN(ctx, rrn, StatusApproved)
	require.NoError(t, err)
	assert.Equal(t, id2, updated)

	_, err = s.UpdateStatusByRRN(ctx, "000000000000", StatusTimeout)
	assert.ErrorIs(t, err, ErrNotFound)

	txs, err := s.ListTransactions(ctx, 10)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(txs), 2)
	assert.Equal(t, id2, txs[0].ID)
	assert.Equal(t, StatusApproved, txs[0].Status)
	assert.Equal(t, StatusReceived, txs[1].Status)

	events, err := s.ListEvents(ctx, id1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, StatusReceived, events[0].Type)
	assert.Equal(t, request, events[0].ISOMessage)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStore_ListLimit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.SaveTransaction(ctx, &Transaction{RRN: "x"})
		require.NoError(t, err)
	}
	txs, err := s.ListTransactions(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, txs, 3)
	assert.Equal(t, int64(5), txs[0].ID)
}

// TestPostgresStore runs against a live database when ISOSIM_TEST_DATABASE_URL
// is set.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("ISOSIM_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("ISOSIM_TEST_DATABASE_URL not set")
	}
	s, err := OpenPostgres(context.Background(), dsn)
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestOpenPostgres_Unreachable(t *testing.T) {
	_, err := OpenPostgres(context.Background(), "postgres://isosim@127.0.0.1:1/isosim?sslmode=disable&connect_timeout=1")
	assert.Error(t, err)
}

func TestStatusRecorder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	id, err := s.SaveTransaction(ctx, TransactionFromMessage(iso8583.Parse(request), time.Now()))
	require.NoError(t, err)

	r := NewStatusRecorder(s)
	r.RecordSuccess("123456789012", 40*time.Millisecond)

	txs, _ := s.ListTransactions(ctx, 1)
	assert.Equal(t, StatusApproved, txs[0].Status)
	events, _ := s.ListEvents(ctx, id)
	require.Len(t, events, 1)
	assert.Equal(t, StatusApproved, events[0].Type)

	r.RecordTimeout("123456789012")
	txs, _ = s.ListTransactions(ctx, 1)
	assert.Equal(t, StatusTimeout, txs[0].Status)

	r.RecordFailure("123456789012", "no terminal")
	txs, _ = s.ListTransactions(ctx, 1)
	assert.Equal(t, StatusFailed, txs[0].Status)

	// Unknown RRNs are ignored.
	r.RecordTimeout("999999999999")
	events, _ = s.ListEvents(ctx, id)
	assert.Len(t, events, 3)
}
