package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/debtdesk/apiserver/config"
	"github.com/debtdesk/apiserver/internal/audit"
	"github.com/debtdesk/apiserver/internal/db"
	"github.com/debtdesk/apiserver/internal/handlers"
	"github.com/debtdesk/apiserver/internal/logging"
	"github.com/debtdesk/apiserver/internal/mq"
	"github.com/debtdesk/apiserver/internal/services"
	"github.com/debtdesk/apiserver/internal/storage"
	"github.com/debtdesk/apiserver/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Server wraps the HTTP server and router.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	db         *sql.DB
	queue      *mq.MQ
	logger     *zap.Logger
}

// Deps are the shared resources the router is built from. Archive and
// Queue may be nil.
type Deps struct {
	DB      *sql.DB
	Archive *storage.Archive
	Queue   *mq.MQ
	Logger  *zap.Logger
}

// New constructs a Server with basic middleware and defaults.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Server, error) {
	if cfg.Auth.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	dbConn, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	archive, err := storage.NewFromConfig(ctx, cfg.Storage)
	if err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("init upload archive: %w", err)
	}

	queue, err := mq.NewFromConfig(ctx, cfg.MQ)
	if err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("init message queue: %w", err)
	}

	router, err := NewRouter(cfg, Deps{DB: dbConn, Archive: archive, Queue: queue, Logger: logger})
	if err != nil {
		_ = dbConn.Close()
		_ = queue.Close()
		return nil, err
	}

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	// Uploads may run up to the bulk upload budget before responding.
	writeTimeout := 15 * time.Second
	if cfg.BulkUpload.Timeout+15*time.Second > writeTimeout {
		writeTimeout = cfg.BulkUpload.Timeout + 15*time.Second
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info("server configured",
		zap.Int("port", port),
		zap.Bool("archive", archive != nil),
		zap.Bool("mq", queue != nil),
	)

	return &Server{
		httpServer: httpServer,
		router:     router,
		db:         dbConn,
		queue:      queue,
		logger:     logger,
	}, nil
}

// NewRouter wires repositories, services and handlers onto a chi router.
func NewRouter(cfg config.Config, deps Deps) (*chi.Mux, error) {
	if cfg.Auth.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	userRepo := store.NewUserRepository(deps.DB)
	tokenRepo := store.NewRefreshTokenRepository(deps.DB)
	accountRepo := store.NewAccountRepository(deps.DB)
	batchRepo := store.NewBatchRepository(deps.DB)

	recorders := audit.Multi{audit.NewLogRecorder(logger)}
	if deps.Queue != nil {
		recorders = append(recorders, audit.NewPublisher(deps.Queue, logger))
	}

	hasher := services.NewPasswordHasher(cfg.Auth.HashConcurrency, services.PasswordCost)
	authService := services.NewAuthService(userRepo, tokenRepo, hasher, services.AuthOptions{
		JWTSecret:       cfg.Auth.JWTSecret,
		AccessTokenTTL:  cfg.Auth.AccessTokenTTL,
		RefreshTokenTTL: cfg.Auth.RefreshTokenTTL,
		Audit:           recorders,
		Logger:          logger.Named("auth"),
	})
	userService := services.NewUserService(userRepo, hasher)

	uploadOpts := services.BulkUploadOptions{
		MaxRows: cfg.BulkUpload.MaxRows,
		Timeout: cfg.BulkUpload.Timeout,
		Logger:  logger.Named("bulk_upload"),
	}
	if deps.Archive != nil {
		uploadOpts.Archive = deps.Archive
	}
	if deps.Queue != nil {
		uploadOpts.Events = deps.Queue
	}
	uploadService := services.NewBulkUploadService(accountRepo, batchRepo, uploadOpts)

	authHandler := handlers.NewAuthHandler(authService, userService, cfg.Auth.CookieSecure, logger.Named("http"))
	uploadHandler := handlers.NewBulkUploadHandler(uploadService, cfg.BulkUpload.MaxFileBytes, logger.Named("http"))

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		logging.RequestLogger(logger),
	)
	router.Get("/healthz", handlers.Healthz)
	router.Route("/auth", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		handlers.AuthRouter(r, authHandler)
	})
	router.Route("/bulk-upload", func(r chi.Router) {
		handlers.BulkUploadRouter(r, uploadHandler, authHandler.RequireAuth)
	})

	return router, nil
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start runs the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("listening", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and releases the database and broker.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.queue != nil {
		_ = s.queue.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
	return err
}
