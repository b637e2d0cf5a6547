package rpc

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"

	"github.com/ocx/isosim/internal/database"
	"github.com/ocx/isosim/internal/iso8583"
	"github.com/ocx/isosim/internal/validation"
)

// Broadcaster pushes a wire message to every connected terminal.
type Broadcaster interface {
	Broadcast(payload string)
}

// IntakeServer validates submitted messages and broadcasts them. When a
// store is set each accepted message is recorded with RECEIVED and
// BROADCAST events.
type IntakeServer struct {
	validator   *validation.Validator
	broadcaster Broadcaster
	store       database.Store
	now         func() time.Time
}

// NewIntakeServer creates the intake. store may be nil.
func NewIntakeServer(v *validation.Validator, b Broadcaster, store database.Store) *IntakeServer {
	return &IntakeServer{validator: v, broadcaster: b, store: store, now: time.Now}
}

// SendTransaction implements Iso8583ServiceServer. Rejections are reported
// in the response body, never as RPC errors.
func (s *IntakeServer) SendTransaction(ctx context.Context, req *TransactionRequest) (*TransactionResponse, error) {
	slog.Info("[Intake] Received", "client", req.ClientID, "message", req.Message)

	msg := iso8583.Parse(req.Message)
	if result := s.validator.Validate(msg); !result.Valid {
		detail := "Invalid message: " + strings.Join(result.Errors, ", ")
		slog.Warn("[Intake] Rejected", "client", req.ClientID, "errors", result.Errors)
		return &TransactionResponse{Success: false, Message: detail}, nil
	}

	txID := s.record(ctx, msg, req.Message)

	// Broadcast may resolve the transaction synchronously (no terminals), so
	// the transaction row must exist first and its status is not touched
	// afterwards.
	s.broadcaster.Broadcast(req.Message)

	if txID != 0 {
		s.event(ctx, txID, database.StatusBroadcast, req.Message)
	}
	return &TransactionResponse{Success: true, Message: "Transaction sent to clients"}, nil
}

func (s *IntakeServer) record(ctx context.Context, msg *iso8583.Message, raw string) int64 {
	if s.store == nil {
		return 0
	}
	id, err := s.store.SaveTransaction(ctx, database.TransactionFromMessage(msg, s.now()))
	if err != nil {
		slog.Warn("[Intake] Transaction insert failed", "error", err)
		return 0
	}
	s.event(ctx, id, database.StatusReceived, raw)
	return id
}

func (s *IntakeServer) event(ctx context.Context, txID int64, typ database.Status, raw string) {
	err := s.store.SaveEvent(ctx, &database.Event{
		TransactionID: txID,
		Type:          typ,
		ISOMessage:    raw,
		EventTime:     s.now(),
	})
	if err != nil {
		slog.Warn("[Intake] Event insert failed", "type", typ, "error", err)
	}
}

// NewServer returns a grpc.Server with the intake registered and every call
// logged.
func NewServer(intake Iso8583ServiceServer, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(loggingInterceptor)}, opts...)
	srv := grpc.NewServer(opts...)
	RegisterIso8583ServiceServer(srv, intake)
	return srv
}

func loggingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	slog.Debug("[RPC] Call", "method", info.FullMethod, "duration", time.Since(start), "error", err)
	return resp, err
}
