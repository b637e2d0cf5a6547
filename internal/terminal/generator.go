// Package terminal is the point-of-sale side of the network: it manages
// framed connections to the acquirer, builds requests, classifies replies
// and forwards queued authorization responses back to the acquirer.
package terminal

import (
	"fmt"
	mrand "math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/ocx/isosim/internal/iso8583"
)

// Fixed request values used by every generated authorization.
const (
	ProcessingCodePurchase = "000000"
	MerchantTypeDefault    = "5999"
	POSEntryModeDefault    = "012"
	POSConditionNormal     = "00"
	CurrencyUSD            = "840"
	NetworkCodeEcho        = "001"

	panPrefix = "4000"
	maxSTAN   = 999999
)

// Generator builds requests for one terminal. STANs increase per generator
// and wrap after 999999.
type Generator struct {
	terminalID string
	merchantID string
	stan       atomic.Uint32
	now        func() time.Time
}

// NewGenerator creates a generator. terminalID is padded or cut to the
// 8-character field 41 width.
func NewGenerator(terminalID, merchantID string) *Generator {
	return &Generator{
		terminalID: fmt.Sprintf("%-8.8s", terminalID),
		merchantID: merchantID,
		now:        time.Now,
	}
}

// NextSTAN returns the next system trace audit number.
func (g *Generator) NextSTAN() string {
	for {
		cur := g.stan.Load()
		next := cur + 1
		if next > maxSTAN {
			next = 1
		}
		if g.stan.CompareAndSwap(cur, next) {
			return fmt.Sprintf("%06d", next)
		}
	}
}

// AuthorizationRequest builds a 0200 for amount minor units.
func (g *Generator) AuthorizationRequest(amount int64) *iso8583.Message {
	now := g.now()
	return iso8583.NewMessage(iso8583.MTIAuthorizationRequest).
		Set(iso8583.FieldPAN, RandomPAN()).
		Set(iso8583.FieldProcessingCode, ProcessingCodePurchase).
		Set(iso8583.FieldAmount, iso8583.Amount(amount)).
		Set(iso8583.FieldTransmissionTime, iso8583.TransmissionTime(now)).
		Set(iso8583.FieldSTAN, g.NextSTAN()).
		Set(iso8583.FieldLocalTime, now.Format("150405")).
		Set(iso8583.FieldLocalDate, now.Format("0102")).
		Set(iso8583.FieldMerchantType, MerchantTypeDefault).
		Set(iso8583.FieldPOSEntryMode, POSEntryModeDefault).
		Set(iso8583.FieldPOSConditionCode, POSConditionNormal).
		Set(iso8583.FieldRRN, RandomRRN()).
		Set(iso8583.FieldTerminalID, g.terminalID).
		Set(iso8583.FieldCardAcceptorID, g.merchantID).
		Set(iso8583.FieldCurrencyCode, CurrencyUSD)
}

// RandomAuthorizationRequest builds a 0200 for 10.00 to 1009.99.
func (g *Generator) RandomAuthorizationRequest() *iso8583.Message {
	return g.AuthorizationRequest(1000 + mrand.Int64N(100000))
}

// EchoRequest builds a 0800 network echo.
func (g *Generator) EchoRequest() *iso8583.Message {
	return iso8583.NewMessage(iso8583.MTINetworkRequest).
		Set(iso8583.FieldTransmissionTime, iso8583.TransmissionTime(g.now())).
		Set(iso8583.FieldSTAN, g.NextSTAN()).
		Set(iso8583.FieldNetworkManagementCode, NetworkCodeEcho)
}

// RandomPAN returns a 16-digit test card number.
func RandomPAN() string {
	return panPrefix + iso8583.RandomDigits(12)
}

// RandomRRN returns a 12-digit retrieval reference number.
func RandomRRN() string {
	return iso8583.RandomDigits(12)
}
