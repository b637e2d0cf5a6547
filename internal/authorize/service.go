// Package authorize is the standalone authorization service. It consumes
// authorization requests from the message queue and publishes an approval
// for each one.
package authorize

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ocx/isosim/internal/bridge"
	"github.com/ocx/isosim/internal/iso8583"
)

// Stats counts what the service has seen.
type Stats struct {
	Approved int64 `json:"approved"`
	Ignored  int64 `json:"ignored"`
}

// Service approves every authorization request it receives.
type Service struct {
	bridge *bridge.Bridge

	approved atomic.Int64
	ignored  atomic.Int64

	now          func() time.Time
	approvalCode func() string
}

// NewService creates a service publishing through b.
func NewService(b *bridge.Bridge) *Service {
	return &Service{
		bridge:       b,
		now:          time.Now,
		approvalCode: iso8583.RandomApprovalCode,
	}
}

// Authorize builds the approval for req. Only 0200 requests are answered.
func (s *Service) Authorize(req *iso8583.Message) (*iso8583.Message, bool) {
	if req.MTI != iso8583.MTIAuthorizationRequest {
		return nil, false
	}
	resp := iso8583.NewMessage(iso8583.MTIAuthorizationResponse).CopyFields(req,
		iso8583.FieldPAN,
		iso8583.FieldProcessingCode,
		iso8583.FieldAmount,
		iso8583.FieldSTAN,
		iso8583.FieldRRN,
	)
	resp.Set(iso8583.FieldTransmissionTime, iso8583.TransmissionTime(s.now()))
	resp.Set(iso8583.FieldApprovalCode, s.approvalCode())
	resp.Set(iso8583.FieldResponseCode, iso8583.ResponseApproved)
	return resp, true
}

// Handle processes one queued request.
func (s *Service) Handle(ctx context.Context, raw string) {
	req := iso8583.Parse(raw)
	resp, ok := s.Authorize(req)
	if !ok {
		s.ignored.Add(1)
		slog.Info("[Authorizer] Ignoring message", "mti", req.MTI)
		return
	}
	s.approved.Add(1)
	slog.Info("[Authorizer] Approved", "rrn", req.Get(iso8583.FieldRRN), "stan", req.Get(iso8583.FieldSTAN))
	s.bridge.Publish(ctx, bridge.TopicResponses, resp.String(), true)
}

// Run consumes the request topic until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	stop, err := s.bridge.Consume(ctx, bridge.TopicRequests, s.Handle)
	if err != nil {
		return err
	}
	defer stop()

	slog.Info("[Authorizer] Consuming", "topic", bridge.TopicRequests)
	<-ctx.Done()
	return nil
}

// Stats returns a snapshot of the counters.
func (s *Service) Stats() Stats {
	return Stats{Approved: s.approved.Load(), Ignored: s.ignored.Load()}
}
