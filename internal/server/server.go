// Package server exposes the node's status and admin surface over HTTP:
// health, topology, store reads, and on-demand loop triggers. It is a thin
// translation layer; all behavior lives in the packages it fronts.
package server

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/permissionlessweb/ergors/internal/ratelimit"
	"github.com/permissionlessweb/ergors/internal/sandloop"
	"github.com/permissionlessweb/ergors/internal/store"
	"github.com/permissionlessweb/ergors/internal/topology"
)

// Server is the node's HTTP status and admin API.
type Server struct {
	nodeID  string
	store   *store.Store
	tracker *topology.Tracker
	loops   *sandloop.Scheduler
	limits  *ratelimit.Registry
	mux     *http.ServeMux
}

// New creates a Server with all routes registered. Each client IP gets the
// given request budget per minute.
func New(nodeID string, st *store.Store, tracker *topology.Tracker, loops *sandloop.Scheduler, ratePerMinute int) *Server {
	s := &Server{
		nodeID:  nodeID,
		store:   st,
		tracker: tracker,
		loops:   loops,
		limits:  ratelimit.NewRegistry(ratePerMinute, time.Minute),
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	client, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		client = r.RemoteAddr
	}
	if !s.limits.Allow(client) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	s.mux.ServeHTTP(w, r)
}

// routes registers all HTTP routes on the server mux.
func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /network/topology", s.handleTopology)
	s.mux.HandleFunc("GET /store/{prefix}", s.handleScan)
	s.mux.HandleFunc("GET /loops", s.handleLoops)
	s.mux.HandleFunc("POST /loops/{name}/trigger", s.handleTrigger)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"node_id": s.nodeID,
	})
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.Current())
}

// storeEntry is the JSON shape of one scanned key.
type storeEntry struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// handleScan returns every live key of a prefix, optionally bounded by
// ?from= and ?to= key range parameters. Values are stored as JSON and pass
// through verbatim; non-JSON values are re-encoded as strings.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	prefix := r.PathValue("prefix")
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")

	kvs, err := s.store.ScanPrefix(prefix, from, to, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	entries := make([]storeEntry, 0, len(kvs))
	for _, kv := range kvs {
		value := json.RawMessage(kv.Value)
		if !json.Valid(kv.Value) {
			value, _ = json.Marshal(string(kv.Value))
		}
		entries = append(entries, storeEntry{Key: kv.Key, Value: value})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"prefix":  prefix,
		"entries": entries,
	})
}

func (s *Server) handleLoops(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.loops.States())
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	switch s.loops.Trigger(name) {
	case sandloop.TriggerAccepted:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	case sandloop.TriggerAlreadyRunning:
		writeJSON(w, http.StatusConflict, map[string]string{"status": "already running"})
	default:
		writeError(w, http.StatusNotFound, "unknown loop: "+name)
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
