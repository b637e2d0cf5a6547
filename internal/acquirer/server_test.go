package acquirer

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/isosim/internal/correlation"
	"github.com/ocx/isosim/internal/fabric"
	"github.com/ocx/isosim/internal/iso8583"
	"github.com/ocx/isosim/internal/monitoring"
	"github.com/ocx/isosim/internal/protocol"
	"github.com/ocx/isosim/internal/validation"
)

type testAcquirer struct {
	server  *Server
	timer   *correlation.Timer
	metrics *monitoring.Metrics
	addr    string
	served  chan error
}

func startAcquirer(t *testing.T, window time.Duration) *testAcquirer {
	t.Helper()

	metrics := monitoring.NewMetrics()
	timer := correlation.NewTimer(window, metrics)
	hub := fabric.NewHub("test")
	processor := NewProcessor(validation.NewValidator(validation.DefaultRules()), timer, metrics)
	server := NewServer(Config{WriteTimeout: time.Second}, hub, timer, processor, metrics)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	a := &testAcquirer{
		server:  server,
		timer:   timer,
		metrics: metrics,
		addr:    ln.Addr().String(),
		served:  make(chan error, 1),
	}
	go func() { a.served <- server.Serve(ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		timer.Stop()
	})
	return a
}

func (a *testAcquirer) connect(t *testing.T, handler protocol.UnsolicitedHandler) *protocol.Session {
	t.Helper()
	ch, err := protocol.Dial(a.addr, time.Second)
	require.NoError(t, err)
	s := protocol.NewSession(ch, handler)
	t.Cleanup(func() { s.Close() })

	require.Eventually(t, func() bool { return a.server.Hub().Len() > 0 }, time.Second, 5*time.Millisecond)
	return s
}

func exchange(t *testing.T, s *protocol.Session, wire string) *iso8583.Message {
	t.Helper()
	resp, err := s.SendAndAwait(context.Background(), []byte(wire), 2*time.Second)
	require.NoError(t, err)
	return iso8583.Parse(string(resp))
}

func TestServer_AuthorizationScenario(t *testing.T) {
	a := startAcquirer(t, time.Minute)
	s := a.connect(t, nil)

	resp := exchange(t, s, authRequest)

	req := iso8583.Parse(authRequest)
	assert.Equal(t, "0210", resp.MTI)
	for _, f := range []int{2, 3, 4, 7, 11, 37} {
		assert.Equal(t, req.Get(f), resp.Get(f), "field %d", f)
	}
	assert.True(t, resp.Has(iso8583.FieldApprovalCode))
	assert.Equal(t, "00", resp.Get(iso8583.FieldResponseCode))
}

func TestServer_EchoScenario(t *testing.T) {
	a := startAcquirer(t, time.Minute)
	s := a.connect(t, nil)

	resp := exchange(t, s, "0800|7=0920123456|11=000001|70=001")

	assert.Equal(t, "0810", resp.MTI)
	assert.Equal(t, "000001", resp.Get(iso8583.FieldSTAN))
	assert.Equal(t, "001", resp.Get(iso8583.FieldNetworkManagementCode))
	assert.Regexp(t, `^[0-9]{10}$`, resp.Get(iso8583.FieldTransmissionTime))
}

func TestServer_UnknownMTIScenario(t *testing.T) {
	a := startAcquirer(t, time.Minute)
	s := a.connect(t, nil)

	resp := exchange(t, s, "9999|2=x")

	assert.Equal(t, "0210", resp.MTI)
	assert.Equal(t, "30", resp.Get(iso8583.FieldResponseCode))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.TransactionsFailed))
}

func TestServer_BroadcastAndResponseResolveTimer(t *testing.T) {
	a := startAcquirer(t, time.Minute)

	pushed := make(chan string, 1)
	terminal := a.connect(t, func(p []byte) { pushed <- string(p) })

	a.server.Broadcast(authRequest)
	assert.True(t, a.timer.IsPending("123456789012"))

	var got string
	select {
	case got = <-pushed:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast not received")
	}
	assert.Equal(t, authRequest, got)

	// The authorization response travels back over a separate connection.
	ch, err := protocol.Dial(a.addr, time.Second)
	require.NoError(t, err)
	defer ch.Close()
	require.NoError(t, ch.SendString("0210|11=123456|37=123456789012|38=000111|39=00"))

	require.Eventually(t, func() bool { return !a.timer.IsPending("123456789012") }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.TransactionsSuccessful))
	assert.True(t, terminal.Connected())
}

func TestServer_BroadcastTimesOut(t *testing.T) {
	a := startAcquirer(t, 50*time.Millisecond)
	a.connect(t, func([]byte) {})

	a.server.Broadcast(authRequest)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(a.metrics.ResponseTimeouts) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(a.metrics.TransactionsSuccessful))
}

func TestServer_BroadcastWithoutTerminalsFailsImmediately(t *testing.T) {
	a := startAcquirer(t, time.Minute)

	a.server.Broadcast(authRequest)

	assert.False(t, a.timer.IsPending("123456789012"))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.TransactionsFailed))
	assert.Equal(t, 0.0, testutil.ToFloat64(a.metrics.ResponseTimeouts))
}

func TestServer_DisconnectUnregisters(t *testing.T) {
	a := startAcquirer(t, time.Minute)
	s := a.connect(t, nil)

	require.NoError(t, s.Close())

	require.Eventually(t, func() bool { return a.server.Hub().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(a.metrics.ConnectedTerminals))
}

func TestServer_ShutdownClosesTerminals(t *testing.T) {
	a := startAcquirer(t, time.Minute)
	s := a.connect(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.server.Shutdown(ctx))

	select {
	case <-s.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("terminal session not closed by shutdown")
	}
	assert.True(t, errors.Is(<-a.served, ErrServerClosed))
	assert.Zero(t, a.server.Hub().Len())
}

func TestServer_ConcurrentTerminals(t *testing.T) {
	a := startAcquirer(t, time.Minute)

	const terminals = 5
	errs := make(chan error, terminals)
	for i := 0; i < terminals; i++ {
		go func() {
			ch, err := protocol.Dial(a.addr, time.Second)
			if err != nil {
				errs <- err
				return
			}
			s := protocol.NewSession(ch, nil)
			defer s.Close()
			for j := 0; j < 20; j++ {
				resp, err := s.SendAndAwait(context.Background(), []byte("0800|7=0920123456|11=000001|70=001"), 2*time.Second)
				if err != nil {
					errs <- err
					return
				}
				if iso8583.Parse(string(resp)).MTI != "0810" {
					errs <- errors.New("unexpected response " + string(resp))
					return
				}
			}
			errs <- nil
		}()
	}
	for i := 0; i < terminals; i++ {
		assert.NoError(t, <-errs)
	}
}
