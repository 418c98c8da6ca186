// Package server wires storage, the socket hub and the REST handlers into
// one HTTP server.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ageniuscoder/gymchat/internal/auth"
	"github.com/ageniuscoder/gymchat/internal/chat"
	"github.com/ageniuscoder/gymchat/internal/chat/broker"
	"github.com/ageniuscoder/gymchat/internal/config"
	"github.com/ageniuscoder/gymchat/internal/contacts"
	"github.com/ageniuscoder/gymchat/internal/httpx"
	"github.com/ageniuscoder/gymchat/internal/messages"
	"github.com/ageniuscoder/gymchat/internal/storage"
	"github.com/ageniuscoder/gymchat/internal/uploads"
	"github.com/ageniuscoder/gymchat/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"
)

const (
	uploadsPath     = "/uploads"
	shutdownTimeout = 10 * time.Second
)

type Server struct {
	cfg     config.Config
	store   *storage.Store
	broker  broker.Broker
	rdb     *redis.Client
	hub     *chat.Hub
	logger  *slog.Logger
	handler http.Handler
}

// Open connects the database (migrating it) and the broker named by cfg,
// then builds the server around them.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store, err := storage.Open(cfg.DatabaseDSN)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, errors.Wrap(err, "migrate database")
	}

	var (
		b   broker.Broker
		rdb *redis.Client
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			store.Close()
			return nil, errors.Wrap(err, "connect redis")
		}
		if b, err = broker.NewRedis(rdb, cfg.RedisChannel, logger); err != nil {
			rdb.Close()
			store.Close()
			return nil, err
		}
		logger.Info("using redis broker", "addr", cfg.RedisAddr, "channel", cfg.RedisChannel)
	} else {
		b = broker.NewMemory(logger)
	}

	s, err := New(cfg, store, b, logger)
	if err != nil {
		b.Close()
		if rdb != nil {
			rdb.Close()
		}
		store.Close()
		return nil, err
	}
	s.rdb = rdb
	return s, nil
}

// New builds a server over an already migrated store.
func New(cfg config.Config, store *storage.Store, b broker.Broker, logger *slog.Logger) (*Server, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	hub, err := chat.NewHub(store, b, logger)
	if err != nil {
		return nil, err
	}

	var images uploads.ImageStore
	if cfg.UploadDir != "" {
		disk, err := uploads.NewDisk(cfg.UploadDir, strings.TrimSuffix(cfg.PublicBaseURL, "/")+uploadsPath)
		if err != nil {
			return nil, err
		}
		images = disk
	}

	s := &Server{cfg: cfg, store: store, broker: b, hub: hub, logger: logger}
	s.handler = s.routes(images)
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) Hub() *chat.Hub { return s.hub }

func (s *Server) routes(images uploads.ImageStore) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger))

	r.GET("/healthz", s.healthz)
	if images != nil {
		r.Static(uploadsPath, s.cfg.UploadDir)
	}
	chat.RegisterWS(r, s.hub, s.cfg.JWTSecret, s.cfg.CORSOrigins)

	api := r.Group("/api")
	userSvc := users.NewService(s.store, s.cfg, s.logger)
	userSvc.RegisterPublic(api)

	private := api.Group("")
	private.Use(auth.JWTMiddleware(s.cfg.JWTSecret))
	userSvc.RegisterPrivate(private)
	messages.NewService(s.store, s.hub, images, s.logger).Register(private)
	contacts.NewService(s.store, s.logger).Register(private)

	return cors.New(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: !allowsAny(s.cfg.CORSOrigins),
	}).Handler(r)
}

func allowsAny(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

func (s *Server) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		httpx.Err(c, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	httpx.OK(c, gin.H{"status": "ok"})
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	logger = logger.With("component", "http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"took", time.Since(start),
		)
	}
}

// Run serves on cfg.Addr until ctx ends, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.hub.Run(ctx) })
	g.Go(func() error {
		s.logger.Info("listening", "addr", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) Close() error {
	err := s.broker.Close()
	if s.rdb != nil {
		if cerr := s.rdb.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := s.store.Close(); err == nil {
		err = cerr
	}
	return err
}
