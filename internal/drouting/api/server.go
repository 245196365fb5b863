// Package api exposes the management HTTP API: reloads, gateway liveness,
// lookup previews and statistics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sebas/drouter/internal/drouting/gateway"
	"github.com/sebas/drouter/internal/drouting/keepalive"
	"github.com/sebas/drouter/internal/drouting/reload"
	"github.com/sebas/drouter/internal/drouting/router"
	"github.com/sebas/drouter/internal/drouting/store"
)

// Reloader runs a reload.
type Reloader interface {
	Reload(ctx context.Context, source string) (reload.Outcome, error)
	Last() (reload.Outcome, bool)
	Failures() uint64
}

// ProbeStatusProvider reports keepalive state.
type ProbeStatusProvider interface {
	Status() []keepalive.Status
}

// CacheStatsProvider reports group cache counters.
type CacheStatsProvider interface {
	Stats() store.Stats
}

// Server provides the management HTTP API.
type Server struct {
	addr       string
	httpServer *http.Server
	startTime  time.Time

	coord    *reload.Coordinator
	reloader Reloader
	router   *router.Router
	probes   ProbeStatusProvider
	cache    CacheStatsProvider
	secret   []byte
}

// NewServer creates the API server.
func NewServer(addr string, coord *reload.Coordinator, reloader Reloader, rt *router.Router) *Server {
	s := &Server{
		addr:      addr,
		startTime: time.Now(),
		coord:     coord,
		reloader:  reloader,
		router:    rt,
	}

	r := mux.NewRouter()
	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authenticate)
	v1.HandleFunc("/health", s.handleHealth).Methods("GET")
	v1.HandleFunc("/stats", s.handleStats).Methods("GET")
	v1.HandleFunc("/reload", s.handleReload).Methods("POST")
	v1.HandleFunc("/gateways", s.handleGateways).Methods("GET")
	v1.HandleFunc("/gateways/{id:[0-9]+}/state", s.handleSetGatewayState).Methods("PUT")
	v1.HandleFunc("/lookup", s.handleLookup).Methods("GET")

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// SetProbeStatusProvider enables keepalive status in stats.
func (s *Server) SetProbeStatusProvider(p ProbeStatusProvider) {
	s.probes = p
}

// SetCacheStatsProvider enables group cache counters in stats.
func (s *Server) SetCacheStatsProvider(c CacheStatsProvider) {
	s.cache = c
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	slog.Info("[API] Starting HTTP API server", "addr", s.addr)
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	slog.Info("[API] Shutting down HTTP API server")
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	gen := s.coord.Generation()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"uptime":     int64(time.Since(s.startTime).Seconds()),
		"generation": gen.Number,
		"snapshot":   gen.Snapshot.ID.String(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.coord.Current()
	response := map[string]interface{}{
		"uptime":          int64(time.Since(s.startTime).Seconds()),
		"reload":          s.coord.Stats(),
		"snapshot":        snap.Stats(),
		"reload_failures": s.reloader.Failures(),
	}
	if last, ok := s.reloader.Last(); ok {
		response["last_reload"] = last
	}
	if s.probes != nil {
		response["keepalive"] = s.probes.Status()
	}
	if s.cache != nil {
		response["group_cache"] = s.cache.Stats()
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	out, err := s.reloader.Reload(r.Context(), "api")
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"status":     "reload failed",
			"error":      err.Error(),
			"request_id": out.RequestID,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "reload ok",
		"snapshot":   out.SnapshotID,
		"generation": out.Generation,
		"request_id": out.RequestID,
		"duration":   out.Duration.String(),
	})
}

type gatewayView struct {
	ID          int    `json:"id"`
	Type        int    `json:"type"`
	Address     string `json:"address"`
	IP          string `json:"ip,omitempty"`
	Strip       int    `json:"strip"`
	Prefix      string `json:"prefix,omitempty"`
	Attrs       string `json:"attrs,omitempty"`
	Description string `json:"description,omitempty"`
	State       string `json:"state"`
}

func viewGateway(g *gateway.Gateway) gatewayView {
	v := gatewayView{
		ID:          g.ID,
		Type:        g.Type,
		Address:     g.Address.String(),
		Strip:       g.Strip,
		Prefix:      g.Prefix,
		Attrs:       g.Attrs,
		Description: g.Description,
		State:       g.State().String(),
	}
	if g.IP.IsValid() {
		v.IP = g.IP.String()
	}
	return v
}

func (s *Server) handleGateways(w http.ResponseWriter, r *http.Request) {
	all := s.coord.Current().Gateways().All()
	out := make([]gatewayView, 0, len(all))
	for _, g := range all {
		out = append(out, viewGateway(g))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"gateways": out,
		"count":    len(out),
	})
}

type stateRequest struct {
	State string `json:"state"`
}

// handleSetGatewayState sets a gateway's liveness in the current snapshot.
// The state is taken from the JSON body or the "state" query parameter.
func (s *Server) handleSetGatewayState(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid gateway id")
		return
	}

	raw := r.URL.Query().Get("state")
	if raw == "" {
		var req stateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "state required")
			return
		}
		raw = req.State
	}
	state, err := gateway.ParseState(raw)
	if err != nil || raw == "" {
		s.writeError(w, http.StatusBadRequest, "state must be up, down or unknown")
		return
	}

	gw, ok := s.coord.Current().Gateways().Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "gateway not found")
		return
	}
	gw.SetState(state)
	slog.Info("[API] Gateway state set", "gateway_id", id, "state", state.String())
	s.writeJSON(w, http.StatusOK, viewGateway(gw))
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	number := q.Get("number")
	if number == "" {
		s.writeError(w, http.StatusBadRequest, "number required")
		return
	}
	group := 0
	if g := q.Get("group"); g != "" {
		var err error
		if group, err = strconv.Atoi(g); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid group")
			return
		}
	}

	p, err := s.router.Lookup(number, group)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, router.ErrLookupMiss):
			status = http.StatusNotFound
		case errors.Is(err, router.ErrNoSnapshot):
			status = http.StatusServiceUnavailable
		}
		s.writeError(w, status, err.Error())
		return
	}

	selected := make([]map[string]interface{}, 0, len(p.Selected))
	for _, e := range p.Selected {
		selected = append(selected, map[string]interface{}{
			"gateway": viewGateway(e.Gateway),
			"group":   e.Group,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"number":      number,
		"group":       group,
		"rule_id":     p.Rule.ID,
		"prefix":      p.Rule.Prefix,
		"priority":    p.Rule.Priority,
		"route_id":    p.Rule.RouteID,
		"description": p.Rule.Description,
		"selected":    selected,
	})
}

// --- Helpers ---

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] Failed to encode JSON", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
