// Package status exposes the daemon's read-only introspection HTTP API: a
// liveness probe, the rule table, the recent dispatch journal, and the
// engine metrics. The /api routes are protected by RS256 Bearer tokens when
// a public key is configured.
package status

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/casper2020/casper-inotify/internal/journal"
	"github.com/casper2020/casper-inotify/internal/metrics"
	"github.com/casper2020/casper-inotify/internal/rules"
)

// defaultJournalLimit caps /api/v1/journal responses when no limit parameter
// is given.
const defaultJournalLimit = 50

// Server holds the read-only views the handlers serve.
type Server struct {
	table   *rules.Table
	journal *journal.Journal // nil when the journal is disabled
	started time.Time
}

// NewServer creates a status Server over the given rule table and journal.
// jrnl may be nil.
func NewServer(table *rules.Table, jrnl *journal.Journal) *Server {
	return &Server{table: table, journal: jrnl, started: time.Now()}
}

// NewRouter returns the configured chi router.
//
// Route layout:
//
//	GET /healthz         – liveness probe (no authentication)
//	GET /metrics         – Prometheus text metrics (no authentication)
//	GET /api/v1/rules    – rule table snapshot (Bearer token when pubKey set)
//	GET /api/v1/journal  – recent dispatch journal (Bearer token when pubKey set)
//
// Pass a nil pubKey to disable token validation.
func NewRouter(srv *Server, m *metrics.Metrics, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)
	r.Method("GET", "/metrics", m.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(BearerAuth(pubKey))
		}
		r.Get("/rules", srv.handleRules)
		r.Get("/journal", srv.handleJournal)
	})

	return r
}

// health is the /healthz payload.
type health struct {
	Status       string  `json:"status"`
	UptimeS      float64 `json:"uptime_s"`
	RulesGood    int     `json:"rules_good"`
	RulesBad     int     `json:"rules_bad"`
	JournalCount int64   `json:"journal_count,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h := health{
		Status:    "ok",
		UptimeS:   time.Since(s.started).Seconds(),
		RulesGood: s.table.GoodCount(),
		RulesBad:  s.table.BadCount(),
	}
	if s.journal != nil {
		h.JournalCount = s.journal.Count()
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rules": s.table.Snapshot()})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotFound, "journal is not enabled")
		return
	}

	limit := defaultJournalLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "journal query failed")
		return
	}
	if records == nil {
		records = []journal.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"journal": records})
}

// Serve runs the status API on addr until ctx is cancelled, then shuts the
// listener down with a short grace period.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// writeJSON writes v as the JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error body {"error": "<message>"}.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
