package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ocx/isosim/internal/simulator"
)

// SimulatorAPI triggers simulator traffic on demand.
type SimulatorAPI struct {
	Simulator *simulator.Simulator
	// Limiter throttles /send per client. Nil disables throttling.
	Limiter *RateLimiter
}

// Register mounts the simulator routes on r.
func (s *SimulatorAPI) Register(r *mux.Router) {
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "simulator"})
	}).Methods(http.MethodGet)

	api := r.PathPrefix("/api/simulator").Subrouter()

	send := http.Handler(http.HandlerFunc(s.handleSend))
	if s.Limiter != nil {
		send = s.Limiter.Middleware(send)
	}
	api.Handle("/send", send).Methods(http.MethodPost)
	api.HandleFunc("/load-test/start", s.handleLoadTest).Methods(http.MethodPost)
	api.HandleFunc("/spike-test/start", s.handleSpikeTest).Methods(http.MethodPost)
	api.HandleFunc("/stop", s.handleStop).Methods(http.MethodPost)
	api.HandleFunc("/config", s.handleConfig).Methods(http.MethodGet)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
}

func (s *SimulatorAPI) handleSend(w http.ResponseWriter, r *http.Request) {
	resp, err := s.Simulator.Send(r.Context())
	switch {
	case errors.Is(err, simulator.ErrRejected):
		writeError(w, http.StatusBadRequest, resp.Message)
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeJSON(w, http.StatusOK, Response{Success: true, Message: "Transaction sent"})
	}
}

func (s *SimulatorAPI) handleLoadTest(w http.ResponseWriter, r *http.Request) {
	s.start(w, s.Simulator.StartLoadTest(r.Context()), "Load test started")
}

func (s *SimulatorAPI) handleSpikeTest(w http.ResponseWriter, r *http.Request) {
	s.start(w, s.Simulator.StartSpikeTest(r.Context()), "Spike test started")
}

func (s *SimulatorAPI) start(w http.ResponseWriter, err error, ok string) {
	switch {
	case errors.Is(err, simulator.ErrNotManual):
		writeError(w, http.StatusBadRequest, "Switch to MANUAL mode first")
	case errors.Is(err, simulator.ErrTestRunning):
		writeError(w, http.StatusConflict, "A test is already running")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, Response{Success: true, Message: ok})
	}
}

func (s *SimulatorAPI) handleStop(w http.ResponseWriter, _ *http.Request) {
	msg := "No test running"
	if s.Simulator.Stop() {
		msg = "Test stopped"
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: msg})
}

func (s *SimulatorAPI) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Simulator.Config())
}

func (s *SimulatorAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Simulator.Status())
}
