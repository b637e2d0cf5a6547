package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ocx/isosim/internal/terminal"
)

// TerminalAPI manages acquirer connections of a terminal process.
type TerminalAPI struct {
	Manager *terminal.Manager
}

type addConnectionRequest struct {
	Name string `json:"name"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

type sendRequest struct {
	Message string `json:"message"`
	Amount  int64  `json:"amount"`
}

// Register mounts the terminal routes on r.
func (t *TerminalAPI) Register(r *mux.Router) {
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":      "healthy",
			"service":     "terminal",
			"connections": len(t.Manager.List()),
		})
	}).Methods(http.MethodGet)

	api := r.PathPrefix("/api/iso8583/connections").Subrouter()
	api.HandleFunc("", t.handleList).Methods(http.MethodGet)
	api.HandleFunc("", t.handleAdd).Methods(http.MethodPost)
	api.HandleFunc("/{id}", t.handleRemove).Methods(http.MethodDelete)
	api.HandleFunc("/{id}/connect", t.handleConnect).Methods(http.MethodPost)
	api.HandleFunc("/{id}/disconnect", t.handleDisconnect).Methods(http.MethodPost)
	api.HandleFunc("/{id}/echo", t.handleEcho).Methods(http.MethodPost)
	api.HandleFunc("/{id}/send", t.handleSend).Methods(http.MethodPost)
}

func (t *TerminalAPI) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, t.Manager.List())
}

func (t *TerminalAPI) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req addConnectionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Host == "" || req.Port <= 0 || req.Port > 65535 {
		writeError(w, http.StatusBadRequest, "host and a valid port are required")
		return
	}
	info := t.Manager.Add(req.Name, req.Host, req.Port)
	writeJSON(w, http.StatusCreated, struct {
		Response
		Connection terminal.ConnectionInfo `json:"connection"`
	}{Response{Success: true, Message: "Connection added successfully"}, info})
}

func (t *TerminalAPI) handleRemove(w http.ResponseWriter, r *http.Request) {
	if err := t.Manager.Remove(mux.Vars(r)["id"]); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "Connection removed successfully"})
}

func (t *TerminalAPI) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := t.Manager.Connect(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "Connected successfully"})
}

func (t *TerminalAPI) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := t.Manager.Disconnect(mux.Vars(r)["id"]); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "Disconnected successfully"})
}

func (t *TerminalAPI) handleEcho(w http.ResponseWriter, r *http.Request) {
	ex, err := t.Manager.SendEcho(r.Context(), mux.Vars(r)["id"])
	writeExchange(w, ex, err, "Echo sent successfully")
}

// handleSend sends body.message as typed, or a generated authorization for
// body.amount when no message is given.
func (t *TerminalAPI) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	id := mux.Vars(r)["id"]
	var (
		ex  terminal.Exchange
		err error
	)
	switch {
	case req.Message != "":
		ex, err = t.Manager.SendMessage(r.Context(), id, req.Message)
	case req.Amount > 0:
		ex, err = t.Manager.SendAuthorization(r.Context(), id, req.Amount)
	default:
		writeError(w, http.StatusBadRequest, "message or amount is required")
		return
	}
	writeExchange(w, ex, err, "Message sent successfully")
}

func writeExchange(w http.ResponseWriter, ex terminal.Exchange, err error, ok string) {
	if err != nil {
		writeJSON(w, statusFor(err), Response{
			Success: false,
			Message: err.Error(),
			Request: ex.Request,
		})
		return
	}
	writeJSON(w, http.StatusOK, Response{
		Success:  true,
		Message:  ok,
		Request:  ex.Request,
		Response: ex.Response,
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, terminal.ErrConnectionNotFound):
		return http.StatusNotFound
	case errors.Is(err, terminal.ErrInvalidMessage):
		return http.StatusBadRequest
	case errors.Is(err, terminal.ErrNotConnected), errors.Is(err, terminal.ErrAlreadyConnected):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}
