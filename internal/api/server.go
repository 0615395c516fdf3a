package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"ringlb/internal/health"
	"ringlb/internal/journal"
	"ringlb/internal/provision"
	"ringlb/internal/ring"
	"ringlb/internal/router"
	"ringlb/internal/transport"
)

const maxAdminBody = 1 << 20

// Membership is the admin surface of the membership manager.
type Membership interface {
	BulkJoin(ctx context.Context, n int, hostnames []string) (int, error)
	BulkLeave(ctx context.Context, n int, hostnames []string) (int, error)
	Hostnames() []string
}

// Router resolves and forwards client requests.
type Router interface {
	Route(ctx context.Context, key uint64, req *transport.Request) (*transport.Response, provision.Handle, error)
}

// HealthReporter reports failure detector state. It may be nil.
type HealthReporter interface {
	Statuses() []health.MemberState
}

// EventLog lists recorded membership changes.
type EventLog interface {
	Events(limit int) ([]journal.Event, error)
}

// Server is the load balancer's HTTP handler.
type Server struct {
	ring    *ring.Ring
	members Membership
	router  Router
	health  HealthReporter
	events  EventLog
	mux     *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithJournal serves the membership journal on GET /journal.
func WithJournal(events EventLog) Option {
	return func(s *Server) { s.events = events }
}

// NewServer wires the HTTP routes.
func NewServer(r *ring.Ring, members Membership, rt Router, hr HealthReporter, opts ...Option) *Server {
	s := &Server{
		ring:    r,
		members: members,
		router:  rt,
		health:  hr,
		mux:     http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mux.HandleFunc("GET /rep", s.handleReplicas)
	s.mux.HandleFunc("POST /add", s.handleAdd)
	s.mux.HandleFunc("DELETE /rm", s.handleRemove)
	s.mux.HandleFunc("GET /ring", s.handleRing)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /heartbeat", s.handleHeartbeat)
	s.mux.HandleFunc("GET /journal", s.handleJournal)
	s.mux.HandleFunc("GET /{path...}", s.handleRoute)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type scaleRequest struct {
	N         int      `json:"n"`
	Hostnames []string `json:"hostnames"`
}

type replicaList struct {
	N        int      `json:"N"`
	Replicas []string `json:"replicas"`
}

func (s *Server) replicaList() replicaList {
	names := s.members.Hostnames()
	return replicaList{N: len(names), Replicas: names}
}

func (s *Server) handleReplicas(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, s.replicaList())
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeScale(w, r)
	if !ok {
		return
	}
	if len(req.Hostnames) > req.N {
		writeFailure(w, http.StatusBadRequest, "<Error> Length of hostname list is more than newly added instances")
		return
	}

	added, err := s.members.BulkJoin(r.Context(), req.N, req.Hostnames)
	if err != nil {
		log.Printf("[api] Add stopped after %d of %d replicas: %v", added, req.N, err)
		writeError(w, err)
		return
	}
	writeSuccess(w, s.replicaList())
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeScale(w, r)
	if !ok {
		return
	}
	if len(req.Hostnames) > req.N {
		writeFailure(w, http.StatusBadRequest, "<Error> Length of hostname list is more than removable instances")
		return
	}

	removed, err := s.members.BulkLeave(r.Context(), req.N, req.Hostnames)
	if err != nil {
		log.Printf("[api] Remove stopped after %d of %d replicas: %v", removed, req.N, err)
		writeError(w, err)
		return
	}
	writeSuccess(w, s.replicaList())
}

func decodeScale(w http.ResponseWriter, r *http.Request) (scaleRequest, bool) {
	var req scaleRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody))
	if err := dec.Decode(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, "<Error> Invalid JSON payload: "+err.Error())
		return req, false
	}
	if req.N < 0 {
		writeFailure(w, http.StatusBadRequest, fmt.Sprintf("<Error> Instance count must not be negative, got %d", req.N))
		return req, false
	}
	return req, true
}

type ringSummary struct {
	Slots       int    `json:"slots"`
	VNodes      int    `json:"vnodes"`
	Replicas    []int  `json:"replicas"`
	Fingerprint string `json:"fingerprint"`
	Occupied    int    `json:"occupied"`
}

func (s *Server) handleRing(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, ringSummary{
		Slots:       s.ring.Slots(),
		VNodes:      s.ring.VNodes(),
		Replicas:    s.ring.Replicas(),
		Fingerprint: fmt.Sprintf("%016x", s.ring.Fingerprint()),
		Occupied:    s.ring.Occupied(),
	})
}

type memberHealth struct {
	ID       int       `json:"id"`
	Hostname string    `json:"hostname"`
	Status   string    `json:"status"`
	Missed   int       `json:"missed"`
	LastSeen time.Time `json:"last_seen"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := []memberHealth{}
	if s.health != nil {
		for _, st := range s.health.Statuses() {
			out = append(out, memberHealth{
				ID:       st.ID,
				Hostname: st.Hostname,
				Status:   st.Status.String(),
				Missed:   st.Missed,
				LastSeen: st.LastSeen,
			})
		}
	}
	writeSuccess(w, out)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeFailure(w, http.StatusNotFound, "<Error> Membership journal is disabled")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeFailure(w, http.StatusBadRequest, fmt.Sprintf("<Error> Invalid limit %q", v))
			return
		}
		limit = n
	}

	events, err := s.events.Events(limit)
	if err != nil {
		log.Printf("[api] Reading journal: %v", err)
		writeError(w, err)
		return
	}
	if events == nil {
		events = []journal.Event{}
	}
	writeSuccess(w, events)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	requestID := r.Header.Get(transport.RequestIDHeader)
	if requestID == "" {
		requestID = NewRequestID()
	}
	w.Header().Set(transport.RequestIDHeader, requestID)

	key := KeyFromRequestID(requestID)
	resp, h, err := s.router.Route(r.Context(), key, &transport.Request{Path: "/" + path, RequestID: requestID})
	switch {
	case err == nil:
		writeRaw(w, resp)
	case errors.Is(err, router.ErrNoReplicasAvailable):
		writeFailure(w, http.StatusInternalServerError, "No servers available")
	case errors.Is(err, transport.ErrEndpointNotFound):
		writeFailure(w, http.StatusBadRequest, fmt.Sprintf("<Error> '%s' endpoint does not exist in server replicas", path))
	case errors.Is(err, transport.ErrReplicaUnreachable):
		writeFailure(w, http.StatusBadGateway, fmt.Sprintf("<Error> %s is unreachable", hostOr(h, "replica")))
	default:
		log.Printf("[api] Routing %q: %v", path, err)
		writeError(w, err)
	}
}

func writeRaw(w http.ResponseWriter, resp *transport.Response) {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		log.Printf("[api] Failed to write proxied response: %v", err)
	}
}

func hostOr(h provision.Handle, def string) string {
	if h.Hostname != "" {
		return h.Hostname
	}
	return def
}
