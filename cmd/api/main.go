package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"arka.dev/console/internal/access"
	"arka.dev/console/internal/audit"
	"arka.dev/console/internal/auth"
	"arka.dev/console/internal/config"
	"arka.dev/console/internal/httpapi"
	"arka.dev/console/internal/ids"
	"arka.dev/console/internal/obs"
	"arka.dev/console/internal/ownership"
	"arka.dev/console/internal/rbac"
	"arka.dev/console/internal/store/pg"
	"arka.dev/console/internal/stream"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

// stores groups the persistence ports; they come from Postgres or, without a
// DSN, from process memory.
type stores struct {
	users       auth.UserStore
	revocations auth.RevocationStore
	ownership   ownership.Source
	audit       audit.Store
	ready       httpapi.ReadyProbe
	close       func()
}

func main() {
	// Инициализация observability (регистрация метрик, JSON-логгер и т.п.)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	st, err := openStores(cfg)
	if err != nil {
		log.Fatalf("stores: %v", err)
	}
	defer st.close()

	keys := auth.Keys{
		KeyID:   cfg.Auth.KeyID,
		Current: []byte(cfg.Auth.Secret),
		Issuer:  cfg.Auth.Issuer,
	}
	if cfg.Auth.PreviousSecret != "" {
		keys.Previous = []byte(cfg.Auth.PreviousSecret)
		keys.PreviousKeyID = cfg.Auth.PreviousKeyID
	}
	issuer, err := auth.NewIssuer(keys, cfg.Auth.TokenTTL)
	if err != nil {
		log.Fatalf("issuer: %v", err)
	}
	verifier, err := auth.NewVerifier(keys,
		auth.WithRevocations(auth.NewCachedRevocations(st.revocations, cfg.Auth.TokenTTL)),
		auth.WithLookupTimeout(cfg.LookupTimeout),
	)
	if err != nil {
		log.Fatalf("verifier: %v", err)
	}

	var (
		trail    *audit.Trail
		hub      *stream.Hub
		recorder audit.Recorder = audit.Discard
	)
	if cfg.Audit.Enabled {
		hub = stream.New(64)
		trail = audit.NewTrail(st.audit,
			audit.WithFlushInterval(cfg.Audit.FlushInterval),
			audit.WithBatchSize(cfg.Audit.BatchSize),
			audit.WithQueueCapacity(cfg.Audit.QueueCapacity),
			audit.WithHasher(audit.NewHasher(cfg.Audit.HashSecret)),
			audit.WithTap(hub.Publish),
		)
		recorder = trail
	}

	proxies, err := cfg.ProxyPrefixes()
	if err != nil {
		log.Fatalf("trusted proxies: %v", err)
	}
	access.TrustProxies(proxies)

	resolver := ownership.NewResolver(st.ownership, cfg.LookupTimeout)
	authz := access.NewAuthorizer(verifier, resolver, recorder)

	// HTTP API
	api, err := httpapi.New(httpapi.Services{
		Users:       st.users,
		Issuer:      issuer,
		Verifier:    verifier,
		Revocations: st.revocations,
		Authorizer:  authz,
		Trail:       trail,
		Stream:      hub,
	},
		httpapi.WithReadyProbe(st.ready),
		httpapi.WithVersion(version),
		httpapi.WithRetention(cfg.Audit.Retention),
		httpapi.WithSecureCookies(cfg.Auth.CookieSecure),
		httpapi.WithDecisionTimeout(2*cfg.LookupTimeout+time.Second),
		httpapi.WithLoginPolicy(httpapi.LoginPolicy{
			MaxFailures:   cfg.Login.MaxFailures,
			FailureWindow: cfg.Login.FailureWindow,
			RatePerSecond: cfg.Login.RatePerSecond,
			Burst:         cfg.Login.Burst,
		}),
	)
	if err != nil {
		log.Fatalf("api: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(), // уже обёрнут метриками в httpapi
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv.RegisterOnShutdown(api.CloseStreams)

	// gRPC health
	health := httpapi.NewGRPCServer(st.ready)
	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(httpapi.UnaryLogging))
	health.Register(grpcSrv)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}

	ctx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	go health.Watch(ctx, 10*time.Second)

	obs.Log(obs.LevelInfo, "server_starting", map[string]any{
		"version":   version,
		"http_addr": srv.Addr,
		"grpc_addr": lis.Addr().String(),
		"audit":     cfg.Audit.Enabled,
		"database":  cfg.PGDSN != "",
	})

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()
	go func() {
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Fatalf("grpc serve: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	obs.Log(obs.LevelInfo, "server_stopping", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health.Shutdown()
	stopWatch()
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	if trail != nil {
		// own budget: Shutdown may have spent shutdownCtx on open streams
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), audit.DefaultWriteTimeout)
		defer cancelDrain()
		if err := trail.Close(drainCtx); err != nil {
			obs.Log(obs.LevelError, "audit_close_failed", map[string]any{"error": err})
		}
	}
	obs.Log(obs.LevelInfo, "server_stopped", nil)
}

func openStores(cfg config.Config) (stores, error) {
	if cfg.PGDSN != "" {
		db, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return stores{}, err
		}
		return stores{
			users:       db,
			revocations: db,
			ownership:   db,
			audit:       db,
			ready:       httpapi.ReadyProbe{DB: db.DB()},
			close:       func() { _ = db.Close() },
		}, nil
	}

	obs.Log(obs.LevelWarn, "running_without_database", map[string]any{
		"hint": "set ARKA_PG_DSN; ownership lookups fail closed and state is lost on restart",
	})
	users := auth.NewMemoryUsers()
	if cfg.Bootstrap.AdminEmail != "" {
		hash, err := auth.HashPassword(cfg.Bootstrap.AdminPassword)
		if err != nil {
			return stores{}, err
		}
		users.Put(auth.User{
			ID:           ids.New(),
			Email:        cfg.Bootstrap.AdminEmail,
			PasswordHash: hash,
			Role:         rbac.RoleAdmin,
		})
	}
	return stores{
		users:       users,
		revocations: auth.NewMemoryRevocations(),
		ownership: ownership.SourceFunc(func(context.Context, ownership.Resource, string) (ownership.Facts, error) {
			return ownership.Facts{}, ownership.ErrNotFound
		}),
		audit: audit.NewMemoryStore(),
		close: func() {},
	}, nil
}
