package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/groovybytes/dashauth"
	"github.com/groovybytes/dashauth/handlers"
	"github.com/groovybytes/dashauth/kv"
	promexport "github.com/groovybytes/dashauth/metrics/export/prometheus"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(v *viper.Viper) *cobra.Command {
	var auditFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the authentication endpoints",
		Long: `Serves /api/auth/{login,password,profile}, /api/auth/redirect,
/api/auth/logout, /api/auth/session, /healthz and /metrics.

Configuration comes from the environment (REDIS_*, AZURE_*, *_POLICY_NAME,
BASE_URL, REDIRECT_URI, SESSION_SECRET, LISTEN_ADDR, LOG_LEVEL) and the
optional --config file.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg.Server.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var audit io.Writer = os.Stdout
			if auditFile != "" {
				f, err := os.OpenFile(auditFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
				if err != nil {
					return fmt.Errorf("open audit file: %w", err)
				}
				defer f.Close()
				audit = f
			}
			return serve(ctx, cfg, log, audit)
		},
	}
	cmd.Flags().StringVar(&auditFile, "audit-file", "", "append drained audit events as JSON lines to this file instead of stdout")
	return cmd
}

func serve(ctx context.Context, cfg dashauth.Config, log *zap.Logger, audit io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, w := range cfg.Lint().BySeverity(dashauth.LintWarn) {
		log.Warn("config lint", zap.String("code", w.Code), zap.Stringer("severity", w.Severity), zap.String("msg", w.Message))
	}

	openCfg := cfg.Store.OpenConfig()
	openCfg.DialTimeout = cfg.Store.Timeout
	store, err := kv.Open(ctx, openCfg,
		kv.WithLogger(log.Named("kv")),
		kv.WithRedisBase(cfg.Store.Base),
		kv.WithQueuePollInterval(cfg.Store.QueuePollInterval),
	)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	engine, err := dashauth.New().
		WithConfig(cfg).
		WithStore(store).
		WithLogger(log).
		Build()
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer engine.Close()

	report := engine.SecurityReport()
	log.Info("security posture",
		zap.Bool("production_mode", report.ProductionMode),
		zap.Bool("secure_cookies", report.SecureCookies),
		zap.Bool("session_registry", report.SessionRegistry),
		zap.Bool("id_token_verified", report.IDTokenVerified),
		zap.Bool("rate_limiting", report.RateLimitingActive),
		zap.Bool("audit_queued", report.AuditQueued),
		zap.Bool("store_tls", report.StoreTLS),
		zap.Bool("managed_identity", report.ManagedIdentity),
	)

	var metrics http.Handler
	if cfg.Metrics.Enabled {
		metrics = promexport.NewPrometheusExporter(engine).Handler()
	}

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           handlers.NewHandler(engine, log, metrics).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	g.Go(func() error {
		return janitor(gctx, store, cfg.Store.PurgeInterval, log)
	})

	if cfg.Audit.Enabled && cfg.Audit.Queue {
		g.Go(func() error {
			return drainAudit(gctx, store, audit, log)
		})
	}

	return g.Wait()
}

// janitor purges expired entries the lazy read path has not reached.
func janitor(ctx context.Context, store *kv.DB, every time.Duration, log *zap.Logger) error {
	if every <= 0 {
		return nil
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := store.PurgeExpired(ctx)
			if err != nil {
				log.Warn("purge expired entries", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Debug("purged expired entries", zap.Int("count", n))
			}
		}
	}
}

// drainAudit moves queued audit events to w.
func drainAudit(ctx context.Context, store *kv.DB, w io.Writer, log *zap.Logger) error {
	sink := dashauth.NewJSONWriterSink(w)
	err := store.ListenQueue(ctx, func(ctx context.Context, value []byte) error {
		event, err := dashauth.DecodeQueuedAuditEvent(value)
		if err != nil {
			// Undecodable messages are dropped rather than redelivered.
			log.Error("discarding malformed audit message", zap.Error(err))
			return nil
		}
		sink.Emit(ctx, event)
		return nil
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, kv.ErrStoreClosed) {
		return nil
	}
	return err
}
