// Package server provides the HTTP server for the recording cache.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"

	"github.com/telvox/recording-cache/backend"
	"github.com/telvox/recording-cache/gate"
	"github.com/telvox/recording-cache/memo"
	"github.com/telvox/recording-cache/pipeline"
	"github.com/telvox/recording-cache/store"
	"github.com/telvox/recording-cache/store/metadb"
	"github.com/telvox/recording-cache/telemetry"
	"github.com/telvox/recording-cache/transcode"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// StoragePath is the root path of the object store
	StoragePath string

	// ScratchDir is where in-flight conversions are staged.
	// Default: a subdirectory of the OS temp dir.
	ScratchDir string

	// StoreConcurrency bounds concurrent object store operations.
	// Default: 16
	StoreConcurrency int

	// TranscodeConcurrency bounds concurrent ffmpeg subprocesses.
	// Default: 4
	TranscodeConcurrency int

	// StoreOpTimeout bounds a single store round trip.
	StoreOpTimeout time.Duration

	// ExistenceTTL is how long a converted-audio existence verdict is
	// trusted without reprobing the store.
	ExistenceTTL time.Duration

	// FFmpegPath overrides the ffmpeg binary. Default: "ffmpeg" via PATH.
	FFmpegPath string

	// MinOutputBytes is the smallest conversion output accepted as real
	// audio rather than garbage.
	MinOutputBytes int64

	// MetadataPath is the conversion ledger file. Empty disables the
	// ledger.
	MetadataPath string

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the recording cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	backend       backend.Backend
	store         *store.Client
	storeGate     *gate.Gate
	transcodeGate *gate.Gate
	worker        *transcode.Worker
	memo          *memo.Memo
	meta          *metadb.DB
	pipeline      *pipeline.Pipeline
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = "./recordings-cache"
	}
	if cfg.StoreConcurrency <= 0 {
		cfg.StoreConcurrency = 16
	}
	if cfg.TranscodeConcurrency <= 0 {
		cfg.TranscodeConcurrency = 4
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	if err := os.MkdirAll(cfg.ScratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}

	fsBackend, err := backend.NewFilesystem(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("creating filesystem backend: %w", err)
	}
	instrumented := backend.NewInstrumentedBackend(fsBackend, "filesystem")

	storeGate := gate.New("store", cfg.StoreConcurrency)
	transcodeGate := gate.New("transcode", cfg.TranscodeConcurrency)

	storeOpts := []store.Option{store.WithLogger(cfg.Logger.With("component", "store"))}
	if cfg.StoreOpTimeout > 0 {
		storeOpts = append(storeOpts, store.WithOpTimeout(cfg.StoreOpTimeout))
	}
	client := store.New(instrumented, storeGate, storeOpts...)

	workerOpts := []transcode.Option{
		transcode.WithLogger(cfg.Logger.With("component", "transcode")),
	}
	if cfg.FFmpegPath != "" {
		workerOpts = append(workerOpts, transcode.WithBinary(cfg.FFmpegPath))
	}
	if cfg.MinOutputBytes > 0 {
		workerOpts = append(workerOpts, transcode.WithMinOutputBytes(cfg.MinOutputBytes))
	}
	worker := transcode.New(transcodeGate, workerOpts...)

	memoOpts := []memo.Option{}
	if cfg.ExistenceTTL > 0 {
		memoOpts = append(memoOpts, memo.WithTTL(cfg.ExistenceTTL))
	}
	existenceMemo := memo.New(memoOpts...)

	var meta *metadb.DB
	if cfg.MetadataPath != "" {
		meta, err = metadb.Open(cfg.MetadataPath,
			metadb.WithLogger(cfg.Logger.With("component", "metadb")))
		if err != nil {
			return nil, fmt.Errorf("opening conversion ledger: %w", err)
		}
	}

	pipelineOpts := []pipeline.Option{
		pipeline.WithMemo(existenceMemo),
		pipeline.WithLogger(cfg.Logger.With("component", "pipeline")),
	}
	if meta != nil {
		pipelineOpts = append(pipelineOpts, pipeline.WithMetaDB(meta))
	}
	pl := pipeline.New(client, worker, cfg.ScratchDir, pipelineOpts...)

	s := &Server{
		config:        cfg,
		logger:        cfg.Logger,
		backend:       instrumented,
		store:         client,
		storeGate:     storeGate,
		transcodeGate: transcodeGate,
		worker:        worker,
		memo:          existenceMemo,
		meta:          meta,
		pipeline:      pl,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // long recordings take a while to convert
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Conversion ledger stats
	mux.Handle("GET /stats", gzhttp.GzipHandler(http.HandlerFunc(s.handleStats)))

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Playback endpoints
	mux.HandleFunc("GET /recordings/{key...}", s.handlePlayback)
	mux.HandleFunc("HEAD /recordings/{key...}", s.handlePlayback)

	// Operator cache invalidation
	mux.HandleFunc("DELETE /recordings/{key...}", s.handleInvalidate)
}

// handlePlayback serves the converted audio for one recording.
// ?regenerate=1 skips the cache and reconverts unconditionally.
func (s *Server) handlePlayback(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "playback")

	logicalKey := r.PathValue("key")
	if !validLogicalKey(logicalKey) {
		http.Error(w, "invalid recording key", http.StatusBadRequest)
		return
	}

	force := r.URL.Query().Get("regenerate") == "1"
	s.pipeline.ServePlayback(w, r, logicalKey, force)
}

// handleInvalidate drops the cached conversion for a recording so the next
// playback reconverts from the source.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "invalidate")

	logicalKey := r.PathValue("key")
	if !validLogicalKey(logicalKey) {
		http.Error(w, "invalid recording key", http.StatusBadRequest)
		return
	}

	freed, err := s.pipeline.Invalidate(r.Context(), logicalKey)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			http.Error(w, "no cached conversion", http.StatusNotFound)
			return
		}
		s.logger.Error("invalidation failed", "logical_key", logicalKey, "error", err)
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"invalidated":true,"bytes_freed":%d}`, freed)
}

// validLogicalKey rejects keys that could escape the store's key space.
func validLogicalKey(key string) bool {
	if key == "" || len(key) > 1024 {
		return false
	}
	if strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return false
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return false
		}
	}
	return !strings.ContainsRune(key, '\x00')
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "internal")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleStats reports conversion ledger aggregates and gate occupancy.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "internal")

	resp := map[string]any{
		"store_gate": map[string]int{
			"capacity": s.storeGate.Capacity(),
			"in_use":   s.storeGate.InUse(),
		},
		"transcode_gate": map[string]int{
			"capacity": s.transcodeGate.Capacity(),
			"in_use":   s.transcodeGate.InUse(),
		},
		"memo_entries": s.memo.Len(),
	}

	if s.meta != nil {
		stats, err := s.meta.Stats()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp["conversions"] = stats
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("writing stats response", "error", err)
	}
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set endpoint and
		// cache_result for this middleware to pick up afterwards.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server and closes the ledger.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)

	if s.meta != nil {
		if cerr := s.meta.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// Handler returns the server's root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// responseWriter wraps http.ResponseWriter to capture the status code and
// bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
