package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blockadesystems/acmeforge/internal/acme"
	"github.com/blockadesystems/acmeforge/internal/attestation"
	"github.com/blockadesystems/acmeforge/internal/ca"
	"github.com/blockadesystems/acmeforge/internal/config"
	"github.com/blockadesystems/acmeforge/internal/csr"
	"github.com/blockadesystems/acmeforge/internal/management"
	"github.com/blockadesystems/acmeforge/internal/profile"
	"github.com/blockadesystems/acmeforge/internal/scheduler"
	"github.com/blockadesystems/acmeforge/internal/server"
	"github.com/blockadesystems/acmeforge/internal/storage"
	"github.com/blockadesystems/acmeforge/internal/validation"
)

var logger *zap.Logger

func init() {
	zapCfg := zap.NewDevelopmentConfig()
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := zapCfg.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(l)
	logger = l.With(zap.String("package", "main"))
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	logger.Info("ACME Forge starting", zap.String("external_url", cfg.ExternalURL))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal("failed to create data directory",
			zap.Error(err), zap.String("data_dir", cfg.DataDir))
	}

	store, err := storage.NewStorage(
		cfg.StorageType,
		cfg.DBHost,
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBName,
		cfg.DBPort,
		cfg.DBSSLMode,
		cfg.DBCert,
		cfg.DBKey,
		cfg.DBRootCert,
	)
	if err != nil {
		logger.Fatal("failed to initialize storage",
			zap.Error(err), zap.String("storage_type", cfg.StorageType))
	}
	logger.Info("storage initialized", zap.String("storage_type", cfg.StorageType))

	caService, err := ca.New(cfg, store)
	if err != nil {
		logger.Fatal("failed to initialize CA service", zap.Error(err))
	}
	logger.Info("CA service initialized", zap.Bool("is_initialized", caService.IsInitialized()))

	certFile, keyFile, err := ca.EnsureHTTPSCertificates(cfg)
	if err != nil {
		logger.Fatal("failed to ensure HTTPS certificates", zap.Error(err))
	}
	cfg.HTTPSCertFile = certFile
	cfg.HTTPSKeyFile = keyFile

	profiles, err := loadProfiles(cfg)
	if err != nil {
		logger.Fatal("failed to load issuance profiles", zap.Error(err))
	}

	resolver, err := buildResolver(cfg)
	if err != nil {
		logger.Fatal("failed to configure DNS resolver", zap.Error(err))
	}

	engine := validation.NewEngine(validation.Options{
		Resolver:     resolver,
		Attestations: attestation.NewRegistry(),
		Timeout:      time.Duration(cfg.ValidationTimeoutSeconds) * time.Second,
		Registerer:   prometheus.DefaultRegisterer,
	})
	svc := acme.NewService(store, engine, csr.NewEngine(profiles), profiles, caService, nil)

	srv := server.New(cfg, svc, caService)
	srv.Echo().GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	management.Register(srv.Echo(), cfg, store, caService)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := scheduler.New(svc, store, scheduler.Options{})
	go sched.Run(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
	}
	logger.Info("ACME Forge stopped")
}

func loadProfiles(cfg *config.Config) (profile.Provider, error) {
	if cfg.ProfilesFile != "" {
		return profile.LoadFile(cfg.ProfilesFile)
	}
	return profile.NewStaticProvider(profile.DefaultPolicy())
}

// buildResolver picks the configured recursive resolver, falling back
// to the first nameserver in resolv.conf.
func buildResolver(cfg *config.Config) (validation.DNSResolver, error) {
	timeout := time.Duration(cfg.ValidationTimeoutSeconds) * time.Second
	server := cfg.DNSResolver
	if server == "" {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil || len(conf.Servers) == 0 {
			return nil, fmt.Errorf("no DNS resolver configured and resolv.conf unusable: %w", err)
		}
		server = net.JoinHostPort(conf.Servers[0], conf.Port)
	} else if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return validation.NewResolver(server, timeout), nil
}
