// Package controlplane implements the HTTP control plane (spec component
// C6): read-only introspection and lock-manipulation endpoints
// authenticated by a shared secret.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ddemuro/fsrsyncd/internal/config"
	"github.com/ddemuro/fsrsyncd/internal/registry"
	"github.com/ddemuro/fsrsyncd/internal/serverlock"
)

// State is the non-owning view into orchestrator-held collaborators the
// control plane reads and mutates (spec section 9: "the control plane
// reads the orchestrator ... the control plane receives a non-owning
// handle").
type State struct {
	Open          *registry.Set
	Immediate     *registry.Set
	Regular       *registry.Set
	Coordinator   *serverlock.Coordinator
	Destinations  []*config.Destination
	LocalHostname string
}

// Server is the control plane's net/http wiring, structured the way the
// teacher's internal/api/server.go registers routes and manages its own
// listener lifecycle.
type Server struct {
	log    *zap.SugaredLogger
	state  *State
	secret string
	addr   string

	mux *http.ServeMux
	srv *http.Server
	ln  net.Listener
}

// New builds a Server bound to host:port, authenticated by secret.
func New(host string, port int, secret string, state *State, log *zap.SugaredLogger) *Server {
	s := &Server{
		log:    log,
		state:  state,
		secret: secret,
		addr:   fmt.Sprintf("%s:%d", host, port),
		mux:    http.NewServeMux(),
	}
	s.mountRoutes()
	return s
}

func (s *Server) mountRoutes() {
	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/regular_pending", s.authHeader(s.handleListRegistry(s.state.Regular)))
	s.mux.HandleFunc("/immediate_pending", s.authHeader(s.handleListRegistry(s.state.Immediate)))
	s.mux.HandleFunc("/locked_files", s.authHeader(s.handleListRegistry(s.state.Open)))
	s.mux.HandleFunc("/add_to_global_server_lock", s.authHeader(s.handleAddGlobalLock))
	s.mux.HandleFunc("/remove_from_global_server_lock", s.authHeader(s.handleRemoveGlobalLock))
	s.mux.HandleFunc("/check_if_server_locked", s.authHeader(s.handleCheckLocked))
	s.mux.HandleFunc("/delete_file_pending_for_path", s.authHeader(s.handleDeletePendingForPath))
	s.mux.HandleFunc("/add_locked_files", s.authHeader(s.handleAddLockedFiles))
	s.mux.HandleFunc("/remove_locked_files", s.authHeader(s.handleRemoveLockedFiles))
	s.mux.HandleFunc("/dashboard", s.authQuery(s.handleDashboard))
	s.mux.HandleFunc("/stats-running", s.authQuery(s.handleStatsRunning))
}

// Start begins serving and returns once the listener is bound; Serve runs
// in the background until ctx is canceled, at which point Shutdown is
// invoked automatically.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("control plane listen: %w", err)
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			if s.log != nil {
				s.log.Errorw("control plane serve error", "error", err)
			}
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	}()
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": message})
}

// authHeader enforces the "secret" header required by every route except
// "/", "/dashboard", and "/stats*" (spec section 4.8).
func (s *Server) authHeader(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("secret") != s.secret {
			writeError(w, http.StatusUnauthorized, "invalid or missing secret header")
			return
		}
		next(w, r)
	}
}

// authQuery enforces the secret-as-query-parameter variant used by
// "/dashboard" and "/stats*".
func (s *Server) authQuery(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("secret") != s.secret {
			writeError(w, http.StatusUnauthorized, "invalid or missing secret query parameter")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	routes := []string{
		"/regular_pending", "/immediate_pending", "/locked_files",
		"/add_to_global_server_lock", "/remove_from_global_server_lock",
		"/check_if_server_locked", "/delete_file_pending_for_path",
		"/add_locked_files", "/remove_locked_files", "/dashboard", "/stats-running",
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": routes})
}

func (s *Server) handleListRegistry(set *registry.Set) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, set.ListAll())
	}
}

type lockRequest struct {
	Server string `json:"server"`
	By     string `json:"by"`
	Path   string `json:"path,omitempty"`
}

func decodeJSON[T any](r *http.Request) (T, error) {
	var v T
	err := json.NewDecoder(r.Body).Decode(&v)
	return v, err
}

func (s *Server) handleAddGlobalLock(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[lockRequest](r)
	if err != nil || req.Server == "" {
		writeError(w, http.StatusBadRequest, "server is required")
		return
	}
	by := req.By
	if by == "" {
		by = s.state.LocalHostname
	}
	if !s.state.Coordinator.Acquire(req.Server, by, s.maxLockTimeFor(req.Server)) {
		writeError(w, http.StatusConflict, "server already locked by another host")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// maxLockTimeFor looks up the configured expiry for the destination whose
// remote endpoint matches server, falling back to the package default when
// no destination names it (e.g. a lock requested directly via this route
// rather than acquired through the orchestrator's own peer-lock flow).
func (s *Server) maxLockTimeFor(server string) time.Duration {
	for _, d := range s.state.Destinations {
		if d.RemoteHostname == server || d.Destination == server {
			return time.Duration(d.MaxLockTimeMinutes) * time.Minute
		}
	}
	return time.Duration(config.DefaultMaxLockTimeMin) * time.Minute
}

func (s *Server) handleRemoveGlobalLock(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[lockRequest](r)
	if err != nil || req.Server == "" {
		writeError(w, http.StatusBadRequest, "server is required")
		return
	}
	by := req.By
	if by == "" {
		by = s.state.LocalHostname
	}
	if !s.state.Coordinator.Release(req.Server, by) {
		writeError(w, http.StatusConflict, "lock is held by a different owner")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCheckLocked(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[lockRequest](r)
	if err != nil || req.Server == "" {
		writeError(w, http.StatusBadRequest, "server is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"status": s.state.Coordinator.Check(req.Server)})
}

type pathRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleDeletePendingForPath(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[pathRequest](r)
	if err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	s.state.Open.DeleteForPrefix(req.Path, nil)
	s.state.Immediate.DeleteForPrefix(req.Path, nil)
	s.state.Regular.DeleteForPrefix(req.Path, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type filesRequest struct {
	Files []string `json:"files"`
}

func (s *Server) handleAddLockedFiles(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[filesRequest](r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	now := time.Now()
	for _, f := range req.Files {
		s.state.Open.Add(f, now)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRemoveLockedFiles(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[filesRequest](r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	for _, f := range req.Files {
		s.state.Open.Remove(f)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type destinationStats struct {
	Path            string             `json:"path"`
	Destination     string             `json:"destination"`
	DestinationPath string             `json:"destination_path"`
	Enabled         bool               `json:"enabled"`
	Statistics      []config.StatEntry `json:"statistics"`
}

func (s *Server) snapshotDestinations() []destinationStats {
	out := make([]destinationStats, 0, len(s.state.Destinations))
	for _, d := range s.state.Destinations {
		out = append(out, destinationStats{
			Path:            d.Path,
			Destination:     d.Destination,
			DestinationPath: d.DestinationPath,
			Enabled:         d.IsEnabled(),
			Statistics:      d.SnapshotStatistics(),
		})
	}
	return out
}

// handleDashboard renders the same small JSON snapshot the original
// implementation's /dashboard route actually returns (despite its name) —
// spec.md states the templating layer is explicitly out of scope.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"destinations": s.snapshotDestinations()})
}

func (s *Server) handleStatsRunning(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"destinations": s.snapshotDestinations(),
		"locks":        s.state.Coordinator.Snapshot(),
		"pending": map[string]int{
			"open":      s.state.Open.Len(),
			"immediate": s.state.Immediate.Len(),
			"regular":   s.state.Regular.Len(),
		},
	})
}

// LocalIP returns the first non-loopback IPv4 interface address, or "" if
// none is found. Nothing in the daemon calls it; identity
// (RemoteHostname-based) comes entirely from configuration.
func LocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		if ipNet, ok := a.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
			return ipNet.IP.String()
		}
	}
	return ""
}
