// Package acquirer is the server side of the network: it accepts terminal
// connections, answers their requests, and broadcasts authorization requests
// handed to it by the RPC intake.
package acquirer

import (
	"log/slog"
	"strings"
	"time"

	"github.com/ocx/isosim/internal/correlation"
	"github.com/ocx/isosim/internal/iso8583"
	"github.com/ocx/isosim/internal/validation"
)

// Observer receives per-message accounting from the processor.
type Observer interface {
	IncrementFailed()
	RecordMessage(mti, responseCode string)
	RecordField37Mismatch(expected, actual string)
}

type nopObserver struct{}

func (nopObserver) IncrementFailed() {}
func (nopObserver) RecordMessage(string, string) {}
func (nopObserver) RecordField37Mismatch(string, string) {}

// Processor turns one inbound message into the acquirer's reply.
type Processor struct {
	validator *validation.Validator
	timer     *correlation.Timer
	observer  Observer

	now          func() time.Time
	approvalCode func() string
}

// NewProcessor wires a processor. observer may be nil.
func NewProcessor(v *validation.Validator, timer *correlation.Timer, observer Observer) *Processor {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Processor{
		validator:    v,
		timer:        timer,
		observer:     observer,
		now:          time.Now,
		approvalCode: iso8583.RandomApprovalCode,
	}
}

// Process returns the reply for req and whether one should be sent.
//
// An authorization response (0210) arriving at the acquirer is the answer to
// a request this acquirer broadcast. It resolves the pending timer for its
// RRN and is not replied to.
func (p *Processor) Process(req *iso8583.Message) (*iso8583.Message, bool) {
	if req.MTI == iso8583.MTIAuthorizationResponse {
		p.absorbResponse(req)
		return nil, false
	}

	result := p.validator.Validate(req)
	if !result.Valid {
		slog.Warn("[Acquirer] Invalid message", "mti", req.MTI, "errors", strings.Join(result.Errors, ", "))
		p.observer.IncrementFailed()
		return p.reply(req, p.formatError(req)), true
	}

	switch req.MTI {
	case iso8583.MTIAuthorizationRequest:
		return p.reply(req, p.authorize(req)), true
	case iso8583.MTINetworkRequest:
		return p.reply(req, p.echo(req)), true
	default:
		slog.Warn("[Acquirer] Unsupported message type", "mti", req.MTI)
		p.observer.IncrementFailed()
		return p.reply(req, p.formatError(req)), true
	}
}

func (p *Processor) authorize(req *iso8583.Message) *iso8583.Message {
	resp := iso8583.NewMessage(iso8583.MTIAuthorizationResponse).CopyFields(req,
		iso8583.FieldPAN,
		iso8583.FieldProcessingCode,
		iso8583.FieldAmount,
		iso8583.FieldTransmissionTime,
		iso8583.FieldSTAN,
		iso8583.FieldRRN,
	)
	resp.Set(iso8583.FieldApprovalCode, p.approvalCode())
	resp.Set(iso8583.FieldResponseCode, iso8583.ResponseApproved)
	slog.Info("[Acquirer] Authorization approved", "stan", req.Get(iso8583.FieldSTAN), "rrn", req.Get(iso8583.FieldRRN))
	return resp
}

func (p *Processor) echo(req *iso8583.Message) *iso8583.Message {
	resp := iso8583.NewMessage(iso8583.MTINetworkResponse).CopyFields(req,
		iso8583.FieldSTAN,
		iso8583.FieldNetworkManagementCode,
	)
	resp.Set(iso8583.FieldTransmissionTime, iso8583.TransmissionTime(p.now()))
	slog.Debug("[Acquirer] Echo answered", "stan", req.Get(iso8583.FieldSTAN))
	return resp
}

func (p *Processor) formatError(req *iso8583.Message) *iso8583.Message {
	return iso8583.NewMessage(iso8583.MTIAuthorizationResponse).
		CopyFields(req, iso8583.FieldSTAN, iso8583.FieldRRN).
		Set(iso8583.FieldResponseCode, iso8583.ResponseFormatError)
}

func (p *Processor) absorbResponse(resp *iso8583.Message) {
	rrn, ok := resp.Field(iso8583.FieldRRN)
	if !ok {
		slog.Warn("[Acquirer] Authorization response without RRN")
		p.observer.RecordField37Mismatch("", "")
		return
	}
	if !p.timer.CheckResponse(rrn) {
		p.observer.RecordField37Mismatch("", rrn)
	}
	p.observer.RecordMessage(resp.MTI, resp.Get(iso8583.FieldResponseCode))
}

func (p *Processor) reply(req, resp *iso8583.Message) *iso8583.Message {
	p.observer.RecordMessage(req.MTI, resp.Get(iso8583.FieldResponseCode))
	return resp
}
