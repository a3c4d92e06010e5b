package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/liamcoop/riskrules/compiler"
	"github.com/liamcoop/riskrules/config"
	"github.com/liamcoop/riskrules/engine"
	"github.com/liamcoop/riskrules/internal/logger"
	"github.com/liamcoop/riskrules/internal/sqldialect"
	"github.com/liamcoop/riskrules/metrics"
	"github.com/liamcoop/riskrules/migrations"
	"github.com/liamcoop/riskrules/rules"
	"github.com/liamcoop/riskrules/versionstore"
)

// maxFactBytes bounds the body of an execute call
const maxFactBytes = 4 << 20

// Pinger reports database reachability for the health check
type Pinger interface {
	PingContext(ctx context.Context) error
}

type Server struct {
	manager  *engine.Manager
	registry *rules.Registry
	db       Pinger
	metrics  *metrics.Collector
	cfg      *config.Config
	router   *chi.Mux
}

// NewServer wires the HTTP surface over a recovered manager. db and
// collector may be nil.
func NewServer(manager *engine.Manager, registry *rules.Registry, db Pinger, collector *metrics.Collector, cfg *config.Config) *Server {
	s := &Server{
		manager:  manager,
		registry: registry,
		db:       db,
		metrics:  collector,
		cfg:      cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.Server.RequestTimeout))

	// Health check
	r.Get("/api/v1/health", s.handleHealth)

	if s.metrics != nil {
		r.Method(http.MethodGet, s.cfg.Metrics.Path, s.metrics.Handler())
	}

	r.Get("/api/v1/facts/{factType}/fields", s.handleFields)

	// Container lifecycle
	r.Route("/api/v1/containers/{factType}", func(r chi.Router) {
		r.Get("/", s.handleGetContainer)
		r.Post("/deploy", s.handleDeploy)
		r.Get("/document", s.handleGetDocument)
		r.Get("/versions", s.handleListVersions)
		r.Get("/versions/{version}", s.handleGetVersion)
		r.Post("/versions/{version}/activate", s.handleActivateVersion)
	})

	// Execution
	r.Post("/api/v1/execute/{factType}", s.handleExecute)

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs each request at debug and counts error responses
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		logger.HTTPStatus(status)
		logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// factType resolves the {factType} URL parameter case-insensitively
func (s *Server) factType(w http.ResponseWriter, r *http.Request) (rules.FactType, bool) {
	name := chi.URLParam(r, "factType")
	ft, ok := s.registry.ParseFactType(name)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown fact type", fmt.Errorf("%w: %s", engine.ErrUnknownFactType, name))
		return "", false
	}
	return ft, true
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}

	resp := HealthResponse{Status: "healthy", FactTypes: []FactTypeStatus{}, Time: time.Now().UTC()}
	for _, ft := range s.manager.FactTypes() {
		st := FactTypeStatus{FactType: ft}
		if live, ok := s.manager.Live(ft); ok {
			v := live.Version
			st.Version = &v
		}
		resp.FactTypes = append(resp.FactTypes, st)
	}
	respondJSON(w, http.StatusOK, resp)
}

// Field metadata handler
func (s *Server) handleFields(w http.ResponseWriter, r *http.Request) {
	ft, ok := s.factType(w, r)
	if !ok {
		return
	}
	schema, _ := s.manager.Schema(ft)
	respondJSON(w, http.StatusOK, FieldsResponse{FactType: ft, Fields: schema.Fields()})
}

// Deploy handler
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	ft, ok := s.factType(w, r)
	if !ok {
		return
	}

	var req DeployRequest
	if err := decodeOptional(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.DeployedBy == "" {
		req.DeployedBy = s.cfg.Engine.DeployedBy
	}

	res, err := s.manager.BuildAndDeploy(r.Context(), ft, engine.DeployRequest{
		Description: req.Description,
		DeployedBy:  req.DeployedBy,
	})
	if err != nil {
		respondEngineError(w, "deploy failed", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// Live container handler
func (s *Server) handleGetContainer(w http.ResponseWriter, r *http.Request) {
	ft, ok := s.factType(w, r)
	if !ok {
		return
	}
	live, ok := s.manager.Live(ft)
	if !ok {
		respondError(w, http.StatusNotFound, "no container deployed", nil)
		return
	}
	respondJSON(w, http.StatusOK, newContainerResponse(live))
}

// Container document handler
func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	ft, ok := s.factType(w, r)
	if !ok {
		return
	}
	live, ok := s.manager.Live(ft)
	if !ok {
		respondError(w, http.StatusNotFound, "no container deployed", nil)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Container-Version", strconv.Itoa(live.Version))
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, live.Document)
}

// Ledger handler
func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	ft, ok := s.factType(w, r)
	if !ok {
		return
	}
	history, err := s.manager.History(r.Context(), ft)
	if err != nil {
		respondEngineError(w, "failed to list versions", err)
		return
	}
	if history == nil {
		history = []*versionstore.ContainerVersion{}
	}
	respondJSON(w, http.StatusOK, VersionsResponse{FactType: ft, Versions: history})
}

// Ledger row handler
func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	ft, ok := s.factType(w, r)
	if !ok {
		return
	}
	version, ok := versionParam(w, r)
	if !ok {
		return
	}
	row, err := s.manager.Version(r.Context(), ft, version)
	if err != nil {
		respondEngineError(w, "failed to get version", err)
		return
	}
	respondJSON(w, http.StatusOK, row)
}

// Rollback handler
func (s *Server) handleActivateVersion(w http.ResponseWriter, r *http.Request) {
	ft, ok := s.factType(w, r)
	if !ok {
		return
	}
	version, ok := versionParam(w, r)
	if !ok {
		return
	}

	var req ActivateRequest
	if err := decodeOptional(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Actor == "" {
		req.Actor = s.cfg.Engine.DeployedBy
	}

	row, err := s.manager.ActivateVersion(r.Context(), ft, version, req.Actor)
	if err != nil {
		respondEngineError(w, "activate failed", err)
		return
	}
	respondJSON(w, http.StatusOK, row)
}

// Execution handler. The body is the fact object itself.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	ft, ok := s.factType(w, r)
	if !ok {
		return
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFactBytes))
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	res, err := s.manager.Fire(r.Context(), engine.Fact{Type: ft, Data: data})
	if err != nil {
		respondEngineError(w, "execution failed", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func versionParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	v, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || v < 1 {
		respondError(w, http.StatusBadRequest, "version must be a positive integer", err)
		return 0, false
	}
	return v, true
}

// decodeOptional decodes a JSON body when one is present
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}

// respondEngineError maps the engine error taxonomy onto status codes
func respondEngineError(w http.ResponseWriter, message string, err error) {
	var (
		execErr     *engine.ExecutionError
		validErr    *rules.ValidationError
		compileErr  *compiler.CompileError
		notFoundErr *engine.VersionNotFoundError
		deployErr   *engine.DeployError
	)

	status := http.StatusInternalServerError
	kind := ""
	switch {
	case errors.As(err, &execErr):
		kind = string(execErr.Kind)
		switch execErr.Kind {
		case engine.KindUnknownFactType:
			status = http.StatusNotFound
		case engine.KindMissingIdentifier, engine.KindInvalidFact:
			status = http.StatusBadRequest
		case engine.KindNoLiveContainer:
			status = http.StatusServiceUnavailable
		}
	case errors.As(err, &validErr), errors.As(err, &compileErr):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &notFoundErr), errors.Is(err, engine.ErrUnknownFactType):
		status = http.StatusNotFound
	case errors.As(err, &deployErr):
		status = http.StatusConflict
	}

	respondJSON(w, status, ErrorResponse{Error: message, Kind: kind, Details: err.Error()})
}

// deployMissing deploys every fact type that recovery left without a live
// container. Failures are logged and leave that type unserved.
func deployMissing(ctx context.Context, manager *engine.Manager, deployedBy string) {
	for _, ft := range manager.FactTypes() {
		if _, ok := manager.Live(ft); ok {
			continue
		}
		res, err := manager.BuildAndDeploy(ctx, ft, engine.DeployRequest{
			Description: "initial deploy on startup",
			DeployedBy:  deployedBy,
		})
		if err != nil {
			logger.Error("Startup deploy failed", "fact_type", ft, "error", err)
			continue
		}
		logger.Info("Startup deploy finished", "fact_type", ft, "version", res.Version, "deployed", res.Deployed)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	dialect := cfg.Database.Dialect()
	db, err := sqldialect.Open(ctx, dialect, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		logger.Info("Applying migrations", "driver", dialect)
		if err := migrations.Up(ctx, db, dialect, cfg.Database.URL); err != nil {
			return err
		}
	}

	var (
		opts      = []engine.Option{engine.WithCostLimit(cfg.Engine.CostLimit)}
		collector *metrics.Collector
	)
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics, nil)
		opts = append(opts, engine.WithObserver(collector))
	}

	registry := rules.DefaultRegistry()
	manager, err := engine.NewManager(
		registry,
		rules.NewSQLRuleStore(db, dialect),
		versionstore.NewSQLStore(db, dialect),
		opts...,
	)
	if err != nil {
		return fmt.Errorf("failed to create engine manager: %w", err)
	}

	logger.Info("Recovering containers from ledger...")
	if err := manager.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover containers: %w", err)
	}
	if cfg.Engine.DeployOnStartup {
		deployMissing(ctx, manager, cfg.Engine.DeployedBy)
	}

	server := NewServer(manager, registry, db, collector, cfg)
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("Server stopped")
	return nil
}

func main() {
	configPath := flag.String("config", os.Getenv("RULES_CONFIG"), "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", "error", err)
	}
	if err := logger.Configure(cfg.Logging.Level, cfg.Logging.ErrorSampleRate); err != nil {
		logger.Fatal("Failed to configure logger", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Fatal("Server exited", "error", err)
	}
}
