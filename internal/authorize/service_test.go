package authorize

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/isosim/internal/bridge"
	"github.com/ocx/isosim/internal/iso8583"
)

const request = "0200|2=4000123456789012|3=000000|4=000000001000|7=0920123456|11=123456|12=101010|37=123456789012|41=TERM0001"

func fixedService(b *bridge.Bridge) *Service {
	s := NewService(b)
	s.now = func() time.Time { return time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC) }
	s.approvalCode = func() string { return "654321" }
	return s
}

func TestAuthorize_CopiesKeyFields(t *testing.T) {
	s := fixedService(nil)

	resp, ok := s.Authorize(iso8583.Parse(request))
	require.True(t, ok)

	assert.Equal(t,
		"0210|2=4000123456789012|3=000000|4=000000001000|7=0305140709|11=123456|37=123456789012|38=654321|39=00",
		resp.String())
	assert.False(t, resp.Has(iso8583.FieldTerminalID))
}

func TestAuthorize_IgnoresOtherMTIs(t *testing.T) {
	s := fixedService(nil)
	for _, wire := range []string{"0800|11=000001|70=001", "0210|39=00", "bad"} {
		_, ok := s.Authorize(iso8583.Parse(wire))
		assert.False(t, ok, wire)
	}
}

func TestService_RunPublishesResponses(t *testing.T) {
	b := bridge.New(bridge.NewLocalBroker())
	defer b.Close()
	s := fixedService(b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	responses := make(chan string, 4)
	_, err := b.Consume(ctx, bridge.TopicResponses, func(_ context.Context, raw string) {
		select {
		case responses <- raw:
		default:
		}
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Run subscribes asynchronously; keep publishing until the first answer.
	var got string
	require.Eventually(t, func() bool {
		b.Publish(ctx, bridge.TopicRequests, request, true)
		select {
		case got = <-responses:
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 2*time.Second, time.Millisecond)

	resp := iso8583.Parse(got)
	assert.Equal(t, "0210", resp.MTI)
	assert.Equal(t, "123456789012", resp.Get(iso8583.FieldRRN))
	assert.Equal(t, "00", resp.Get(iso8583.FieldResponseCode))

	b.Publish(ctx, bridge.TopicRequests, "0800|11=000001|70=001", true)
	require.Eventually(t, func() bool { return s.Stats().Ignored == 1 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, s.Stats().Approved, int64(1))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
