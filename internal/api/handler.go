// Package api serves the engine's tables and counters over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"Go2NatPeer/internal/model"
	"Go2NatPeer/internal/peer"
	"Go2NatPeer/internal/peer/registry"
	"Go2NatPeer/internal/query"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler holds the dependencies for API handlers.
type Handler struct {
	engine  *peer.Engine
	querier query.Querier
	metrics *prometheus.Registry
}

// NewHandler serves eng. querier may be nil, which disables the event
// history routes.
func NewHandler(eng *peer.Engine, querier query.Querier) *Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(eng.Counters())
	return &Handler{engine: eng, querier: querier, metrics: reg}
}

// Router returns the routes of the status API and /metrics.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/state", h.stateHandler).Methods(http.MethodGet)
	v1.HandleFunc("/servers", h.serversHandler).Methods(http.MethodGet)
	v1.HandleFunc("/servers/{ip}", h.serverHandler).Methods(http.MethodGet)
	v1.HandleFunc("/users", h.usersHandler).Methods(http.MethodGet)
	v1.HandleFunc("/ports", h.portsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/counters", h.countersHandler).Methods(http.MethodGet)
	v1.HandleFunc("/reset", h.resetHandler).Methods(http.MethodPost)
	if h.querier != nil {
		v1.HandleFunc("/events", h.eventsHandler).Methods(http.MethodGet)
		v1.HandleFunc("/events/counts", h.eventCountsHandler).Methods(http.MethodGet)
	}
	r.Handle("/metrics", promhttp.HandlerFor(h.metrics, promhttp.HandlerOpts{}))
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Errorf("api: failed to encode response: %v", err)
	}
}

func (h *Handler) stateHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Snapshot())
}

func (h *Handler) serversHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Registry().Snapshot())
}

func (h *Handler) serverHandler(w http.ResponseWriter, r *http.Request) {
	ip, err := netip.ParseAddr(mux.Vars(r)["ip"])
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid ip: %v", err), http.StatusBadRequest)
		return
	}
	srv, err := h.engine.Registry().Lookup(ip)
	if errors.Is(err, registry.ErrUnknownServer) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, srv.Info())
}

func (h *Handler) usersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Store().Users())
}

func (h *Handler) portsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Ports().Entries())
}

func (h *Handler) countersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Counters().Snapshot())
}

func (h *Handler) resetHandler(w http.ResponseWriter, r *http.Request) {
	h.engine.Reset()
	glog.Infof("api: tables reset by %s", r.RemoteAddr)
	w.WriteHeader(http.StatusNoContent)
}

// ParseFilter reads kind, ip, since (a duration back from now) and limit.
func ParseFilter(r *http.Request, now time.Time) (query.Filter, error) {
	q := r.URL.Query()
	f := query.Filter{Kind: model.EventKind(q.Get("kind"))}
	if s := q.Get("ip"); s != "" {
		ip, err := netip.ParseAddr(s)
		if err != nil {
			return f, fmt.Errorf("invalid ip: %w", err)
		}
		f.IP = ip
	}
	if s := q.Get("since"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return f, fmt.Errorf("invalid since: %w", err)
		}
		f.Since = now.Add(-d)
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return f, fmt.Errorf("invalid limit %q", s)
		}
		f.Limit = n
	}
	return f, nil
}

func (h *Handler) eventsHandler(w http.ResponseWriter, r *http.Request) {
	f, err := ParseFilter(r, time.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	events, err := h.querier.RecentEvents(r.Context(), f)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to query events: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) eventCountsHandler(w http.ResponseWriter, r *http.Request) {
	f, err := ParseFilter(r, time.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	counts, err := h.querier.CountByKind(r.Context(), f)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to query event counts: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}
