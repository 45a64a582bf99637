// Package server exposes scans over a JSON/HTTP API for `gdprscan serve`.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	stdliberrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	gserrors "github.com/odvcencio/gdprscan/pkg/errors"
	"github.com/odvcencio/gdprscan/pkg/logging"
	"github.com/odvcencio/gdprscan/pkg/orchestrator"
	"github.com/odvcencio/gdprscan/pkg/report"
	"github.com/odvcencio/gdprscan/pkg/storage"
	"github.com/odvcencio/gdprscan/pkg/telemetry"
)

// Scanner runs one pass over a URL.
type Scanner interface {
	Run(ctx context.Context, rawURL string) (*orchestrator.Scan, error)
}

// Store is the scan history the API reads and writes.
type Store interface {
	SaveScan(ctx context.Context, scan *orchestrator.Scan) error
	GetScan(ctx context.Context, id string) (*orchestrator.Scan, error)
	ListScans(ctx context.Context, target string, limit int) ([]storage.ScanRecord, error)
	DeleteScan(ctx context.Context, id string) error
}

// Config controls the HTTP server behavior.
type Config struct {
	BindAddress        string
	MaxConcurrentScans int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	// ReportFormat is used when a report request names no format.
	ReportFormat report.Format
	Version      string
}

// Server hosts the scan API.
type Server struct {
	cfg        Config
	scanner    Scanner
	store      Store
	renderer   *report.Renderer
	logger     *logging.Logger
	hub        *telemetry.Hub
	limiter    *scanLimiter
	handler    http.Handler
	httpServer *http.Server
	startedAt  time.Time
}

// New builds a Server. store may be nil when history is disabled; renderer,
// logger and hub default to working zero values.
func New(cfg Config, scanner Scanner, store Store, renderer *report.Renderer, logger *logging.Logger, hub *telemetry.Hub) (*Server, error) {
	if scanner == nil {
		return nil, gserrors.New(gserrors.ErrCodeInvalidInput, "scanner is required")
	}
	if cfg.ReportFormat == "" {
		cfg.ReportFormat = report.FormatPDF
	}
	if renderer == nil {
		renderer = report.NewRenderer(report.DefaultOptions(), logger, hub)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Server{
		cfg:       cfg,
		scanner:   scanner,
		store:     store,
		renderer:  renderer,
		logger:    logger,
		hub:       hub,
		limiter:   newScanLimiter(cfg.MaxConcurrentScans),
		startedAt: time.Now(),
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	router := chi.NewRouter()
	router.Use(s.recoverMiddleware)
	router.Use(s.instrument)
	router.Use(securityHeadersMiddleware)

	router.Get("/healthz", s.handleHealthz)
	router.Handle("/metrics", promhttp.Handler())

	router.Route("/api", func(r chi.Router) {
		r.Route("/scans", func(r chi.Router) {
			r.Post("/", s.handleCreateScan)
			r.Get("/", s.handleListScans)
			r.Get("/{scanID}", s.handleGetScan)
			r.Delete("/{scanID}", s.handleDeleteScan)
			r.Get("/{scanID}/report", s.handleScanReport)
		})
		r.Get("/checks", s.handleListChecks)
		r.Get("/events", s.handleEvents)
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, fmt.Errorf("no route for %s %s", r.Method, r.URL.Path))
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, fmt.Errorf("%s not allowed on %s", r.Method, r.URL.Path))
	})
	return router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.BindAddress)
	if addr == "" {
		return gserrors.New(gserrors.ErrCodeConfigInvalid, "bind address is required")
	}

	// h2c lets reverse proxies speak HTTP/2 cleartext to long scan requests.
	h2cHandler := h2c.NewHandler(s.handler, &http2.Server{})
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           h2cHandler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	serverErr := make(chan error, 1)
	go func() {
		_ = s.logger.Info(logging.CategoryServer, "server.listening", "serving API on "+addr, map[string]any{
			"bind":    addr,
			"version": s.cfg.Version,
		})
		if err := s.httpServer.ListenAndServe(); err != nil && !stdliberrors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.logger.Info(logging.CategoryServer, "server.shutdown", "shutting down", nil)
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return gserrors.Wrap(err, gserrors.ErrCodeInternal, "serve").WithContext("bind", addr)
	}
}

type createScanRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleCreateScan(w http.ResponseWriter, r *http.Request) {
	var req createScanRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesSmall); err != nil {
		respondError(w, status, gserrors.Wrap(err, gserrors.ErrCodeInvalidInput, "invalid request body"))
		return
	}
	target, err := orchestrator.ValidateURL(req.URL)
	if err != nil {
		respondError(w, 0, err)
		return
	}

	if !s.limiter.Acquire() {
		w.Header().Set("Retry-After", "30")
		respondError(w, http.StatusTooManyRequests, stdliberrors.New("too many scans in progress"))
		return
	}
	defer s.limiter.Release()

	scan, err := s.scanner.Run(r.Context(), target)
	if err != nil {
		respondError(w, 0, err)
		return
	}

	stored := false
	if s.store != nil {
		if err := s.store.SaveScan(r.Context(), scan); err != nil {
			_ = s.logger.Log(logging.Event{
				Level:     logging.LevelError,
				Category:  logging.CategoryStorage,
				EventType: "scan.store_failed",
				ScanID:    scan.ID,
				Message:   err.Error(),
			})
		} else {
			stored = true
		}
	}
	w.Header().Set("Location", "/api/scans/"+scan.ID)
	w.Header().Set("X-Scan-Stored", fmt.Sprintf("%t", stored))
	respondJSON(w, http.StatusCreated, scan)
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	query := r.URL.Query()
	records, err := s.store.ListScans(r.Context(), query.Get("url"), parseIntDefault(query.Get("limit"), 20))
	if err != nil {
		respondError(w, 0, err)
		return
	}
	if records == nil {
		records = []storage.ScanRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"scans": records})
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	scan, err := s.store.GetScan(r.Context(), strings.TrimSpace(chi.URLParam(r, "scanID")))
	if err != nil {
		respondError(w, 0, err)
		return
	}
	respondJSON(w, http.StatusOK, scan)
}

func (s *Server) handleDeleteScan(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	if err := s.store.DeleteScan(r.Context(), strings.TrimSpace(chi.URLParam(r, "scanID"))); err != nil {
		respondError(w, 0, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleScanReport(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	format := s.cfg.ReportFormat
	if raw := strings.TrimSpace(r.URL.Query().Get("format")); raw != "" {
		parsed, err := report.ParseFormat(raw)
		if err != nil {
			respondError(w, 0, err)
			return
		}
		format = parsed
	}

	scan, err := s.store.GetScan(r.Context(), strings.TrimSpace(chi.URLParam(r, "scanID")))
	if err != nil {
		respondError(w, 0, err)
		return
	}
	data, err := s.renderer.Render(format, scan)
	if err != nil {
		respondError(w, 0, err)
		return
	}

	setNoStoreHeaders(w)
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", report.Filename(scan, format)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// checkLister is implemented by scanners that can name their checks.
type checkLister interface {
	CheckIDs() []string
}

func (s *Server) handleListChecks(w http.ResponseWriter, r *http.Request) {
	lister, ok := s.scanner.(checkLister)
	if !ok {
		respondError(w, http.StatusNotImplemented, gserrors.New(gserrors.ErrCodeNotImplemented, "scanner does not list checks"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"checks": lister.CheckIDs()})
}

// handleEvents streams hub events as server-sent events until the client
// disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		respondError(w, http.StatusServiceUnavailable, stdliberrors.New("event stream disabled"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, stdliberrors.New("streaming unsupported"))
		return
	}
	scanFilter := strings.TrimSpace(r.URL.Query().Get("scan_id"))

	events, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-store")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(25 * time.Second)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case event, ok := <-events:
			if !ok {
				return
			}
			if scanFilter != "" && event.ScanID != scanFilter {
				continue
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// dbProvider is implemented by stores backed by database/sql.
type dbProvider interface {
	DB() *sql.DB
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.store.(dbProvider); ok && p.DB() != nil {
		if err := p.DB().PingContext(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, stdliberrors.New("database unavailable"))
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.cfg.Version,
		"history":        s.store != nil,
		"scans_inflight": s.limiter.Active(),
		"uptime":         time.Since(s.startedAt).Round(time.Second).String(),
		"time":           time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store != nil {
		return true
	}
	respondError(w, http.StatusServiceUnavailable, gserrors.New(gserrors.ErrCodeNotImplemented, "scan history is disabled").
		WithRemediation("Set storage.enabled: true to keep scan history."))
	return false
}
