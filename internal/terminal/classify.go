package terminal

import (
	"errors"
	"fmt"

	"github.com/ocx/isosim/internal/iso8583"
	"github.com/ocx/isosim/internal/protocol"
)

// Outcome is the terminal's reading of one exchange.
type Outcome string

const (
	OutcomeApproved     Outcome = "APPROVED"
	OutcomeDeclined     Outcome = "DECLINED"
	OutcomeTimeout      Outcome = "TIMEOUT"
	OutcomeDisconnected Outcome = "DISCONNECTED"
	OutcomeEchoOK       Outcome = "ECHO_OK"
	OutcomeUnsolicited  Outcome = "UNSOLICITED"
	OutcomeUnknown      Outcome = "UNKNOWN"
	OutcomeError        Outcome = "ERROR"
)

// Result is a classified exchange.
type Result struct {
	Outcome      Outcome `json:"outcome"`
	ResponseCode string  `json:"responseCode,omitempty"`
	ApprovalCode string  `json:"approvalCode,omitempty"`
	Amount       string  `json:"amount,omitempty"`
	Text         string  `json:"text"`
}

// Classify interprets a reply, or the error that replaced it.
func Classify(response []byte, err error) Result {
	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrResponseTimeout):
			return Result{Outcome: OutcomeTimeout, Text: "No response within the timeout"}
		case errors.Is(err, protocol.ErrDisconnected), errors.Is(err, protocol.ErrConnectionClosed):
			return Result{Outcome: OutcomeDisconnected, Text: "Connection lost"}
		default:
			return Result{Outcome: OutcomeError, Text: err.Error()}
		}
	}

	msg := iso8583.Parse(string(response))
	switch msg.MTI {
	case iso8583.MTIAuthorizationResponse:
		return classifyAuthorization(msg)
	case iso8583.MTINetworkResponse:
		return Result{Outcome: OutcomeEchoOK, Text: "Echo successful, connection alive"}
	case iso8583.MTIAuthorizationRequest:
		return Result{Outcome: OutcomeUnsolicited, Text: "Unsolicited transaction from acquirer"}
	default:
		return Result{Outcome: OutcomeUnknown, Text: fmt.Sprintf("Unknown message type: %q", msg.MTI)}
	}
}

func classifyAuthorization(msg *iso8583.Message) Result {
	code := msg.Get(iso8583.FieldResponseCode)
	if code != iso8583.ResponseApproved {
		return Result{
			Outcome:      OutcomeDeclined,
			ResponseCode: code,
			Text:         "Transaction DECLINED, response code " + code,
		}
	}

	r := Result{
		Outcome:      OutcomeApproved,
		ResponseCode: code,
		ApprovalCode: msg.Get(iso8583.FieldApprovalCode),
		Text:         "Transaction APPROVED",
	}
	if r.ApprovalCode != "" {
		r.Text += ", approval code " + r.ApprovalCode
	}
	if amount, ok := msg.Field(iso8583.FieldAmount); ok {
		r.Amount = iso8583.FormatAmount(amount)
		r.Text += ", amount $" + r.Amount
	}
	return r
}
