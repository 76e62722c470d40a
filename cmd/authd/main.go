package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pabawi.org/internal/audit"
	"pabawi.org/internal/auth"
	"pabawi.org/internal/config"
	"pabawi.org/internal/httpapi"
	"pabawi.org/internal/obs"
	"pabawi.org/internal/store/sqlstore"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	var paths []string
	if *configPath != "" {
		paths = append(paths, *configPath)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		fatal("load config", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := sqlstore.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		fatal("open store", err)
	}
	defer store.Close()
	if err := store.Bootstrap(ctx); err != nil {
		fatal("bootstrap schema", err)
	}
	if n, err := auth.SeedPermissions(ctx, store); err != nil {
		fatal("seed permissions", err)
	} else if n > 0 {
		obs.Info("seeded permissions", map[string]any{"created": n})
	}

	svc, err := wire(cfg, store)
	if err != nil {
		fatal("wire services", err)
	}
	if err := bootstrapAdmin(ctx, cfg, store, svc.rbac); err != nil {
		fatal("bootstrap admin", err)
	}

	api, err := httpapi.New(httpapi.Options{
		Authenticator:      svc.authn,
		Resolver:           svc.resolver,
		Guard:              svc.guard,
		Audit:              svc.audit,
		Ready:              httpapi.PingProbe(store.Ping),
		Version:            version,
		LoginRatePerSecond: cfg.LoginRatePerSecond,
		LoginBurst:         cfg.LoginRateBurst,
	})
	if err != nil {
		fatal("build http api", err)
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv := httpapi.NewGRPCServer(svc.authn, httpapi.PingProbe(store.Ping))
	grpcSrv.UpdateHealth(ctx)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		fatal("listen grpc", err)
	}

	go sweep(ctx, cfg.SweepInterval, svc, grpcSrv)

	go func() {
		obs.Info("http listening", map[string]any{"addr": cfg.HTTPAddr, "version": version})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("http listen", err)
		}
	}()
	go func() {
		obs.Info("grpc listening", map[string]any{"addr": cfg.GRPCAddr})
		if err := grpcSrv.Server.Serve(lis); err != nil {
			obs.Error("grpc serve stopped", map[string]any{"error": err.Error()})
		}
	}()

	<-ctx.Done()
	obs.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		obs.Warn("http shutdown", map[string]any{"error": err.Error()})
	}
	grpcSrv.Shutdown()
	obs.Info("stopped", nil)
}

type services struct {
	tokens   *auth.TokenService
	guard    *auth.LockoutGuard
	resolver *auth.PermissionResolver
	authn    *auth.Authenticator
	rbac     *auth.RBACService
	audit    auth.AuditSink
}

func wire(cfg *config.Config, store *sqlstore.Store) (*services, error) {
	hasher, err := auth.NewHasher(cfg.PasswordHash, cfg.BcryptCost)
	if err != nil {
		return nil, err
	}
	sinks := audit.Multi{audit.LogSink{}}
	if cfg.AuditPersist {
		sinks = append(sinks, audit.StoreSink{Store: store})
	}

	tokens, err := auth.NewTokenService(store,
		auth.WithSigningSecret(cfg.JWTSecret),
		auth.WithIssuer(cfg.JWTIssuer),
		auth.WithAccessTTL(cfg.AccessTokenTTL),
		auth.WithRefreshTTL(cfg.RefreshTokenTTL),
	)
	if err != nil {
		return nil, err
	}
	guard, err := auth.NewLockoutGuard(store,
		auth.WithLockoutPolicy(auth.LockoutPolicy{
			Window:             cfg.LockoutWindow,
			Threshold:          cfg.LockoutThreshold,
			Duration:           cfg.LockoutDuration,
			PermanentThreshold: cfg.LockoutPermanentThreshold,
		}),
		auth.WithGuardAudit(sinks),
	)
	if err != nil {
		return nil, err
	}
	resolver, err := auth.NewPermissionResolver(store, store, auth.WithCacheTTL(cfg.PermissionCacheTTL))
	if err != nil {
		return nil, err
	}
	authn, err := auth.NewAuthenticator(store, store, guard, tokens, auth.WithHasher(hasher), auth.WithAudit(sinks))
	if err != nil {
		return nil, err
	}
	rbac, err := auth.NewRBACService(store, resolver, tokens, auth.WithRBACHasher(hasher), auth.WithRBACAudit(sinks))
	if err != nil {
		return nil, err
	}
	return &services{tokens: tokens, guard: guard, resolver: resolver, authn: authn, rbac: rbac, audit: sinks}, nil
}

// bootstrapAdmin creates the configured administrator on first start.
func bootstrapAdmin(ctx context.Context, cfg *config.Config, users auth.UserStore, rbac *auth.RBACService) error {
	if cfg.AdminUsername == "" {
		return nil
	}
	existing, err := users.FindUserByUsername(ctx, cfg.AdminUsername)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	u, err := rbac.CreateUser(ctx, "system", cfg.AdminUsername, cfg.AdminPassword, true)
	if err != nil {
		return err
	}
	obs.Info("created administrator", map[string]any{"user_id": u.ID, "username": u.Username})
	return nil
}

// sweep periodically drops expired lockouts, revocations and cache entries,
// and refreshes gRPC health. Correctness never depends on it.
func sweep(ctx context.Context, every time.Duration, svc *services, grpcSrv *httpapi.GRPCServer) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		fields := map[string]any{}
		if n, err := svc.guard.Sweep(ctx); err != nil {
			fields["lockouts_error"] = err.Error()
		} else {
			fields["lockouts"] = n
		}
		if n, err := svc.tokens.PurgeExpired(ctx); err != nil {
			fields["revocations_error"] = err.Error()
		} else {
			fields["revocations"] = n
		}
		fields["cache_entries"] = svc.resolver.PurgeExpired()
		fields["healthy"] = grpcSrv.UpdateHealth(ctx)
		obs.Info("sweep complete", fields)
	}
}

func fatal(msg string, err error) {
	obs.Error(msg, map[string]any{"error": err.Error()})
	os.Exit(1)
}
