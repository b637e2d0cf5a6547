package api

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/ocx/isosim/internal/correlation"
	"github.com/ocx/isosim/internal/database"
	"github.com/ocx/isosim/internal/fabric"
	"github.com/ocx/isosim/internal/monitoring"
)

const defaultTransactionLimit = 100

// AcquirerAPI exposes the acquirer's registry, transaction log, metrics
// and event stream.
type AcquirerAPI struct {
	Hub       *fabric.Hub
	Timer     *correlation.Timer
	Metrics   *monitoring.Metrics
	Store     database.Store             // optional
	Stream    *fabric.EventStream        // optional
	Directory *fabric.RedisTerminalStore // optional
}

// Register mounts the acquirer routes on r.
func (a *AcquirerAPI) Register(r *mux.Router) {
	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	if a.Metrics != nil {
		r.Handle("/metrics", a.Metrics.Handler()).Methods(http.MethodGet)
	}
	if a.Stream != nil {
		r.Handle("/ws/events", a.Stream)
	}

	api := r.PathPrefix("/api/acquirer").Subrouter()
	api.HandleFunc("/terminals", a.handleTerminals).Methods(http.MethodGet)
	api.HandleFunc("/transactions", a.handleTransactions).Methods(http.MethodGet)
	api.HandleFunc("/transactions/{id:[0-9]+}/events", a.handleEvents).Methods(http.MethodGet)
}

func (a *AcquirerAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":    "healthy",
		"service":   "acquirer",
		"hub":       a.Hub.ID,
		"terminals": a.Hub.Len(),
	}
	if a.Timer != nil {
		body["pendingTransactions"] = a.Timer.Pending()
	}
	if a.Stream != nil {
		body["streamClients"] = a.Stream.Clients()
	}
	writeJSON(w, http.StatusOK, body)
}

// handleTerminals lists this instance's terminals, or with ?hub=<id> the
// terminals another instance registered in the shared directory.
func (a *AcquirerAPI) handleTerminals(w http.ResponseWriter, r *http.Request) {
	if hub := r.URL.Query().Get("hub"); hub != "" && fabric.HubID(hub) != a.Hub.ID {
		if a.Directory == nil {
			writeError(w, http.StatusNotFound, "No terminal directory configured")
			return
		}
		infos, err := a.Directory.ListTerminals(r.Context(), fabric.HubID(hub))
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"hub": hub, "count": len(infos), "terminals": infos})
		return
	}

	terminals := a.Hub.Terminals()
	infos := make([]fabric.TerminalInfo, 0, len(terminals))
	for _, t := range terminals {
		infos = append(infos, t.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ConnectedAt.Before(infos[j].ConnectedAt) })

	m := a.Hub.GetMetrics()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"hub":              a.Hub.ID,
		"count":            len(infos),
		"terminals":        infos,
		"broadcasts":       m.Broadcasts.Load(),
		"deliveries":       m.Deliveries.Load(),
		"deliveryFailures": m.DeliveryFailures.Load(),
	})
}

func (a *AcquirerAPI) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if a.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "Persistence is disabled")
		return
	}
	limit := defaultTransactionLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	txs, err := a.Store.ListTransactions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (a *AcquirerAPI) handleEvents(w http.ResponseWriter, r *http.Request) {
	if a.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "Persistence is disabled")
		return
	}
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	events, err := a.Store.ListEvents(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}
