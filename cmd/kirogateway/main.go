// Package main is the entry point for the Kiro gateway pool engine: a
// multi-credential OAuth pool fronting an Anthropic-compatible proxy
// surface and an admin control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/kiropool/gatewaypool/internal/config"
	"github.com/kiropool/gatewaypool/internal/kiropool"
	"github.com/kiropool/gatewaypool/internal/kiropooladmin"
	"github.com/kiropool/gatewaypool/internal/kiropoolproxy"
	"github.com/kiropool/gatewaypool/internal/logging"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	var configPath string
	var port int
	var adminPort int
	flag.StringVar(&configPath, "config", "config.yaml", "configuration file path")
	flag.IntVar(&port, "port", 8787, "proxy surface listen port")
	flag.IntVar(&adminPort, "admin-port", 8788, "admin control surface listen port")
	flag.Parse()

	fmt.Printf("kirogateway %s (%s) built %s\n", Version, Commit, BuildDate)

	wd, err := os.Getwd()
	if err == nil {
		if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil && !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	logging.Init(cfg.LogLevel, false, logging.FileRotationConfig{Path: cfg.LogFile, MaxSizeMB: 100, MaxBackups: 7, MaxAgeDays: 14, Compress: true})

	credStore := kiropool.NewCredentialStore(cfg.CredentialsPath)
	entries, isMultiFormat, err := credStore.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load credentials file")
	}

	var statsStore kiropool.StatsBacking
	if cfg.GetStatsBackend() == "sqlite" {
		sqlitePath := kiropool.SiblingPath(cfg.CredentialsPath, "kiro_stats.db")
		sqliteStore, errOpen := kiropool.OpenSQLiteStatsStore(sqlitePath)
		if errOpen != nil {
			log.WithError(errOpen).Fatal("failed to open sqlite stats store")
		}
		defer sqliteStore.Close()
		statsStore = sqliteStore
	} else {
		statsPath := kiropool.SiblingPath(cfg.CredentialsPath, "kiro_stats.json")
		statsStore = kiropool.NewStatsStore(statsPath)
	}

	balancePath := kiropool.SiblingPath(cfg.CredentialsPath, "kiro_balance_cache.json")
	balanceCache := kiropool.NewBalanceCacheStore(balancePath)

	globalProxy := kiropool.ProxySettings{URL: cfg.ProxyURL, Username: cfg.ProxyUsername, Password: cfg.ProxyPassword}
	refresher := kiropool.NewRefresher(globalProxy, cfg.TLSBackend)
	usageClient := kiropool.NewUsageClient(globalProxy, cfg.TLSBackend)

	modeSaver := kiropool.ModeSaver(func(mode string) error {
		return cfg.SetLoadBalancingModeAndSave(mode)
	})

	pool, err := kiropool.NewPool(
		entries,
		isMultiFormat,
		cfg.GetLoadBalancingMode(),
		credStore,
		statsStore,
		refresher,
		modeSaver,
		cfg.GetRegion(),
		cfg.GetRegion(),
		cfg.GetKiroVersion(),
	)
	if err != nil {
		log.WithError(err).Fatal("failed to boot credential pool")
	}

	// Registered against the default registry so the admin router's
	// /metrics endpoint (promhttp.Handler, which serves the default
	// gatherer) picks these collectors up.
	metrics := kiropool.NewMetrics(prometheus.DefaultRegisterer)
	pool.SetMetrics(metrics)

	if dsn := os.Getenv("KIRO_AUDIT_DSN"); dsn != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		sink, errAudit := kiropool.NewPGAuditSink(ctx, dsn)
		cancel()
		if errAudit != nil {
			log.WithError(errAudit).Warn("audit sink unavailable, continuing without it")
		} else {
			pool.SetAuditSink(sink)
			defer sink.Close()
		}
	}

	if endpoint := os.Getenv("KIRO_BACKUP_S3_ENDPOINT"); endpoint != "" {
		client, errMinio := minio.New(endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(os.Getenv("KIRO_BACKUP_S3_ACCESS_KEY"), os.Getenv("KIRO_BACKUP_S3_SECRET_KEY"), ""),
			Secure: os.Getenv("KIRO_BACKUP_S3_SECURE") != "false",
		})
		if errMinio != nil {
			log.WithError(errMinio).Warn("remote backup client unavailable, continuing without it")
		} else {
			backup := kiropool.NewRemoteBackup(client, os.Getenv("KIRO_BACKUP_S3_BUCKET"), "credentials")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if errBucket := backup.EnsureBucket(ctx); errBucket != nil {
				log.WithError(errBucket).Warn("failed to ensure remote backup bucket")
			}
			cancel()
			pool.SetRemoteBackup(backup)
		}
	}

	watcher, err := config.WatchConfig(configPath, func(next *config.Config) {
		log.Info("configuration file changed on disk, reloaded")
		pool.ApplyExternalMode(next.GetLoadBalancingMode())
	})
	if err != nil {
		log.WithError(err).Warn("config file watch unavailable")
	} else {
		defer watcher.Close()
	}

	adminSvc := kiropooladmin.NewService(pool, usageClient, balanceCache, cfg.GetRegion(), cfg.GetKiroVersion())
	adminSvc.SetMetrics(metrics)

	adminRouter := kiropooladmin.Router(adminSvc, cfg.AdminAPIKey)
	adminServer := &http.Server{Addr: fmt.Sprintf(":%d", adminPort), Handler: adminRouter}

	proxyHandler := kiropoolproxy.NewHandler(pool, globalProxy, cfg.TLSBackend, cfg.GetRegion(), cfg.GetKiroVersion(), cfg.APIKey)
	proxyEngine := buildProxyEngine(proxyHandler)
	proxyServer := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: proxyEngine}

	errCh := make(chan error, 2)
	go func() {
		log.Infof("admin control surface listening on %s", adminServer.Addr)
		if errServe := adminServer.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin server: %w", errServe)
		}
	}()
	go func() {
		log.Infof("proxy surface listening on %s", proxyServer.Addr)
		if errServe := proxyServer.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			errCh <- fmt.Errorf("proxy server: %w", errServe)
		}
	}()

	statsTicker := time.NewTicker(statsFlushPeriod)
	defer statsTicker.Stop()
	go func() {
		for range statsTicker.C {
			pool.MaybeFlushStats()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infof("received signal %s, shutting down", sig)
	case err := <-errCh:
		log.WithError(err).Error("server error, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = adminServer.Shutdown(shutdownCtx)
	_ = proxyServer.Shutdown(shutdownCtx)
	pool.FlushStats()
}

const statsFlushPeriod = 30 * time.Second

func buildProxyEngine(h *kiropoolproxy.Handler) *gin.Engine {
	r := gin.New()
	r.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery())
	h.RegisterRoutes(r)
	return r
}
