package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/isosim/internal/acquirer"
	"github.com/ocx/isosim/internal/correlation"
	"github.com/ocx/isosim/internal/database"
	"github.com/ocx/isosim/internal/fabric"
	"github.com/ocx/isosim/internal/monitoring"
	"github.com/ocx/isosim/internal/protocol"
	"github.com/ocx/isosim/internal/rpc"
	"github.com/ocx/isosim/internal/simulator"
	"github.com/ocx/isosim/internal/terminal"
	"github.com/ocx/isosim/internal/validation"
)

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]interface{}
	if strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func testValidator() *validation.Validator {
	return validation.NewValidator(validation.DefaultRules())
}

// ============================================================================
// Middleware
// ============================================================================

func TestRouter_CORSPreflight(t *testing.T) {
	r := NewRouter()
	r.HandleFunc("/api/x", func(http.ResponseWriter, *http.Request) {}).Methods(http.MethodPost)

	rec, _ := do(t, r, http.MethodOptions, "/api/x", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "DELETE")
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(0.001, 2)
	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))

	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	r := NewRouter()
	r.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) { writeJSON(w, http.StatusOK, Response{Success: true}) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, ln, r) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/ping")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

// ============================================================================
// Acquirer
// ============================================================================

func acquirerRouter(t *testing.T, store database.Store, bus fabric.EventBus) (*mux.Router, *fabric.Hub) {
	t.Helper()
	hub := fabric.NewHub("api-test")
	timer := correlation.NewTimer(time.Second, nil)
	t.Cleanup(timer.Stop)

	a := &AcquirerAPI{Hub: hub, Timer: timer, Metrics: monitoring.NewMetrics(), Store: store}
	if bus != nil {
		a.Stream = fabric.NewEventStream(bus)
	}
	r := NewRouter()
	a.Register(r)
	return r, hub
}

func TestAcquirerAPI_HealthAndTerminals(t *testing.T) {
	r, hub := acquirerRouter(t, nil, nil)

	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	hub.Register(protocol.NewChannel(server))

	rec, body := do(t, r, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(1), body["terminals"])
	assert.Equal(t, float64(0), body["pendingTransactions"])

	rec, body = do(t, r, http.MethodGet, "/api/acquirer/terminals", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])
	assert.Len(t, body["terminals"], 1)

	rec, _ = do(t, r, http.MethodGet, "/api/acquirer/terminals?hub=elsewhere", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, r, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "iso8583_transactions_successful_total")
}

func TestAcquirerAPI_Transactions(t *testing.T) {
	store := database.NewMemoryStore()
	ctx := context.Background()
	id, err := store.SaveTransaction(ctx, &database.Transaction{RRN: "123456789012", Status: database.StatusReceived, MTI: "0200"})
	require.NoError(t, err)
	require.NoError(t, store.SaveEvent(ctx, &database.Event{TransactionID: id, Type: database.StatusReceived, ISOMessage: "0200|37=123456789012"}))

	r, _ := acquirerRouter(t, store, nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/acquirer/transactions?limit=10", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var txs []database.Transaction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &txs))
	require.Len(t, txs, 1)
	assert.Equal(t, "123456789012", txs[0].RRN)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/acquirer/transactions/"+strconv.FormatInt(id, 10)+"/events", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var events []database.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, database.StatusReceived, events[0].Type)

	rec, body := do(t, r, http.MethodGet, "/api/acquirer/transactions?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, body["success"])
}

func TestAcquirerAPI_TransactionsWithoutStore(t *testing.T) {
	r, _ := acquirerRouter(t, nil, nil)
	rec, body := do(t, r, http.MethodGet, "/api/acquirer/transactions", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "Persistence is disabled", body["message"])
}

func TestAcquirerAPI_EventStream(t *testing.T) {
	bus := fabric.NewLocalEventBus()
	t.Cleanup(func() { bus.Close() })
	r, _ := acquirerRouter(t, nil, bus)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/events", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		_, body := do(t, r, http.MethodGet, "/health", "")
		return body["streamClients"] == float64(1)
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, bus.Publish(context.Background(), &fabric.Event{
		Type:    fabric.EventTransactionTimeout,
		Source:  "api-test",
		Payload: map[string]interface{}{"rrn": "123456789012"},
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev fabric.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, fabric.EventTransactionTimeout, ev.Type)
	assert.Equal(t, "123456789012", ev.Payload["rrn"])
}

// ============================================================================
// Terminal
// ============================================================================

func startAcquirer(t *testing.T) (string, int) {
	t.Helper()
	timer := correlation.NewTimer(5*time.Second, nil)
	processor := acquirer.NewProcessor(testValidator(), timer, nil)
	server := acquirer.NewServer(acquirer.Config{WriteTimeout: time.Second}, fabric.NewHub("api-terminal"), timer, processor, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go server.Serve(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		timer.Stop()
	})

	host, portText, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portText)
	return host, port
}

func terminalRouter(t *testing.T) (*mux.Router, *terminal.Manager) {
	t.Helper()
	m := terminal.NewManager(terminal.Config{ResponseTimeout: 2 * time.Second}, testValidator(), nil)
	t.Cleanup(m.Close)
	r := NewRouter()
	(&TerminalAPI{Manager: m}).Register(r)
	return r, m
}

func TestTerminalAPI_ConnectionLifecycle(t *testing.T) {
	host, port := startAcquirer(t)
	r, _ := terminalRouter(t)

	rec, body := do(t, r, http.MethodPost, "/api/iso8583/connections",
		`{"name":"acq","host":"`+host+`","port":`+strconv.Itoa(port)+`}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "Connection added successfully", body["message"])
	id := body["connection"].(map[string]interface{})["connectionId"].(string)
	base := "/api/iso8583/connections/" + id

	rec, _ = do(t, r, http.MethodPost, base+"/echo", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, body = do(t, r, http.MethodPost, base+"/connect", "")
	require.Equal(t, http.StatusOK, rec.Code, body)
	assert.Equal(t, "Connected successfully", body["message"])

	rec, body = do(t, r, http.MethodPost, base+"/echo", "")
	require.Equal(t, http.StatusOK, rec.Code, body)
	assert.Equal(t, true, body["success"])
	assert.True(t, strings.HasPrefix(body["request"].(string), "0800|"))
	assert.True(t, strings.HasPrefix(body["response"].(string), "0810|"))

	rec, body = do(t, r, http.MethodPost, base+"/send", `{"amount":2500}`)
	require.Equal(t, http.StatusOK, rec.Code, body)
	assert.Contains(t, body["request"], "4=000000002500")
	assert.Contains(t, body["response"], "39=00")

	rec, body = do(t, r, http.MethodPost, base+"/send", `{"message":"0200|3=000000"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["message"], "invalid message")

	rec, _ = do(t, r, http.MethodPost, base+"/send", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, list := doList(t, r, "/api/iso8583/connections")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, list, 1)
	assert.Equal(t, true, list[0]["connected"])

	rec, body = do(t, r, http.MethodPost, base+"/disconnect", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Disconnected successfully", body["message"])

	rec, body = do(t, r, http.MethodDelete, base, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Connection removed successfully", body["message"])

	rec, _ = do(t, r, http.MethodPost, base+"/connect", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTerminalAPI_RejectsBadConnection(t *testing.T) {
	r, _ := terminalRouter(t)

	rec, _ := do(t, r, http.MethodPost, "/api/iso8583/connections", `{"host":"localhost"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, r, http.MethodPost, "/api/iso8583/connections", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func doList(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, []map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var out []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return rec, out
}

// ============================================================================
// Simulator
// ============================================================================

type stubSender struct {
	resp *rpc.TransactionResponse
	err  error
}

func (s *stubSender) SendTransaction(context.Context, string, string) (*rpc.TransactionResponse, error) {
	return s.resp, s.err
}

func simulatorRouter(mode simulator.Mode, sender simulator.Sender, limiter *RateLimiter) (*mux.Router, *simulator.Simulator) {
	cfg := simulator.DefaultConfig()
	cfg.Mode = mode
	cfg.LoadTest.Duration = time.Minute
	sim := simulator.New(cfg, sender, nil)
	r := NewRouter()
	(&SimulatorAPI{Simulator: sim, Limiter: limiter}).Register(r)
	return r, sim
}

func TestSimulatorAPI_Send(t *testing.T) {
	r, sim := simulatorRouter(simulator.ModeManual, &stubSender{resp: &rpc.TransactionResponse{Success: true}}, nil)

	rec, body := do(t, r, http.MethodPost, "/api/simulator/send", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Transaction sent", body["message"])
	assert.Equal(t, int64(1), sim.Status().Succeeded)

	rec, body = do(t, r, http.MethodGet, "/api/simulator/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MANUAL", body["mode"])
	assert.Equal(t, float64(1), body["sent"])
	assert.Equal(t, "Simulator is enabled", body["message"])

	rec, body = do(t, r, http.MethodGet, "/api/simulator/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["enabled"])
}

func TestSimulatorAPI_SendRejected(t *testing.T) {
	r, _ := simulatorRouter(simulator.ModeManual, &stubSender{resp: &rpc.TransactionResponse{Message: "Invalid message: Field 2 is required"}}, nil)

	rec, body := do(t, r, http.MethodPost, "/api/simulator/send", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid message: Field 2 is required", body["message"])
}

func TestSimulatorAPI_TestsRequireManualMode(t *testing.T) {
	r, _ := simulatorRouter(simulator.ModeScheduled, &stubSender{resp: &rpc.TransactionResponse{Success: true}}, nil)

	rec, body := do(t, r, http.MethodPost, "/api/simulator/load-test/start", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Switch to MANUAL mode first", body["message"])

	rec, _ = do(t, r, http.MethodPost, "/api/simulator/spike-test/start", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSimulatorAPI_LoadTestStartStop(t *testing.T) {
	r, _ := simulatorRouter(simulator.ModeManual, &stubSender{resp: &rpc.TransactionResponse{Success: true}}, nil)

	rec, body := do(t, r, http.MethodPost, "/api/simulator/load-test/start", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "Load test started", body["message"])

	rec, _ = do(t, r, http.MethodPost, "/api/simulator/load-test/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	_, body = do(t, r, http.MethodPost, "/api/simulator/stop", "")
	assert.Equal(t, "Test stopped", body["message"])

	_, body = do(t, r, http.MethodPost, "/api/simulator/stop", "")
	assert.Equal(t, "No test running", body["message"])
}

func TestSimulatorAPI_SendIsRateLimited(t *testing.T) {
	r, _ := simulatorRouter(simulator.ModeManual, &stubSender{resp: &rpc.TransactionResponse{Success: true}}, NewRateLimiter(0.001, 1))

	rec, _ := do(t, r, http.MethodPost, "/api/simulator/send", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, r, http.MethodPost, "/api/simulator/send", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
