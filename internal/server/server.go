package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tenderwave/gateway/internal/boards"
	"github.com/tenderwave/gateway/internal/history"
	"github.com/tenderwave/gateway/internal/metrics"
	"github.com/tenderwave/gateway/internal/rooms"
	"github.com/tenderwave/gateway/internal/server/middleware"
	"github.com/tenderwave/gateway/pkg/config"
	"github.com/tenderwave/gateway/pkg/coord"
	"github.com/tenderwave/gateway/pkg/ratelimit"
	"github.com/tenderwave/gateway/pkg/registry"
	"github.com/tenderwave/gateway/pkg/session"
	"github.com/tenderwave/gateway/pkg/transport"
)

type App struct {
	logger      *slog.Logger
	store       coord.Store
	reg         *registry.Registry
	broadcaster *rooms.Broadcaster
	fanout      *rooms.Fanout
	wg          sync.WaitGroup
	http        *http.Server
	config      *config.Config

	ctx context.Context
}

func NewApp(rootCtx context.Context, logger *slog.Logger, cfg *config.Config, store coord.Store) *App {
	reg := registry.New(logger)
	hist := history.NewCoordAdapter(store, cfg.Rooms.HistoryLimit, cfg.Rooms.HistoryTTL)
	fanout := rooms.NewFanout(rootCtx, store, reg, cfg.Server.InstanceID, logger)
	auth := rooms.NewAuthorizer(boards.NewAccess(store, logger))
	broadcaster := rooms.NewBroadcaster(reg, auth, hist, boards.NewStore(store), fanout, cfg.Rooms.HistoryReplay, logger)

	app := &App{
		logger:      logger,
		store:       store,
		reg:         reg,
		broadcaster: broadcaster,
		fanout:      fanout,
		config:      cfg,
		ctx:         rootCtx,
	}

	limiter := ratelimit.NewLimiter(store, cfg.Redis.OpTimeout, logger)
	rules := ratelimit.NewRuleTable(cfg.RateLimit)
	sessionStore := session.NewStore(store)
	controller := session.NewController(sessionStore, cfg.Session.JWTSecret, cfg.Session.MaxSessionsPerUser, cfg.Redis.OpTimeout, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestMetadataMiddleware())
	r.Use(middleware.LoggerMiddleware(logger))

	r.Get("/healthz", app.healthHandler)
	r.Handle("/metrics", promhttp.Handler())

	// Admission order on the upgrade path: rate limit first (cheap, per-IP),
	// then session authorization. A request rejected here never reaches the
	// room layer.
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitMiddleware(limiter, rules, logger))
		r.Use(middleware.AuthMiddleware(controller, logger))
		r.Get("/ws", app.upgradeHandler)
	})

	app.http = &http.Server{Addr: cfg.Server.Address, Handler: r, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		http.Error(w, "coordination store unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	if reqMeta == nil || reqMeta.Session == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.Session.UserID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		a.ctx,
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		nil,
		nil,
		a.logger,
	)

	if _, err := a.reg.Register(conn, reqMeta.Session.UserID, reqMeta.IP); err != nil {
		connLogger.Error("Failed to register connection", slog.Any("error", err))
		conn.CloseWithStatus(websocket.StatusPolicyViolation, "registration failed")
		return
	}
	metrics.ConnectionsActive.Inc()

	conn.SetOnMessageHandler(a.broadcaster.HandleMessage)
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Info("Deregistering connection due to closure", slog.String("connID", id.String()))
		a.broadcaster.HandleDisconnect(id)
		metrics.ConnectionsActive.Dec()
	})

	connLogger.Info("User connection fully established", slog.String("connID", conn.ID().String()))
	conn.Run()
	<-conn.Done()
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	a.logger.Info("Closing all active connections...")
	for _, conn := range a.reg.AllConnections() {
		conn.Transport.Close(errors.New("graceful shutdown"))
	}

	// Wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.fanout.Close()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
