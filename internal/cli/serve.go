package cli

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/SmitUplenchwar2687/Turnstile/internal/app"
	"github.com/SmitUplenchwar2687/Turnstile/internal/breaker"
	"github.com/SmitUplenchwar2687/Turnstile/internal/config"
	"github.com/SmitUplenchwar2687/Turnstile/internal/recorder"
	"github.com/SmitUplenchwar2687/Turnstile/internal/server"
)

type serveOptions struct {
	addr         string
	adminToken   string
	trustHeaders bool
	upstream     string
	recordFile   string
	journalCap   int
	store        storeOptions
}

func (o *serveOptions) addFlags(cmd *cobra.Command) {
	d := config.Default().Server
	cmd.Flags().StringVar(&o.addr, "addr", d.Addr, "address to listen on")
	cmd.Flags().StringVar(&o.adminToken, "admin-token", "", "bearer token required on /admin routes")
	cmd.Flags().BoolVar(&o.trustHeaders, "trust-identity-headers", d.TrustIdentityHeaders, "key requests by X-User-ID/X-API-Key/X-User-Role (only behind a trusted gateway)")
	cmd.Flags().StringVar(&o.upstream, "upstream", "", "URL admitted requests are proxied to (default: built-in echo)")
	cmd.Flags().StringVar(&o.recordFile, "record", "", "journal events to this NDJSON file as they happen")
	cmd.Flags().IntVar(&o.journalCap, "journal-size", recorder.DefaultCapacity, "events kept in memory for the live stream")
	o.store.addFlags(cmd)
}

func (o *serveOptions) applyTo(cmd *cobra.Command, cfg *config.Config) error {
	if cmd.Flags().Changed("addr") {
		cfg.Server.Addr = o.addr
	}
	if cmd.Flags().Changed("admin-token") {
		cfg.Server.AdminToken = o.adminToken
	}
	if cmd.Flags().Changed("trust-identity-headers") {
		cfg.Server.TrustIdentityHeaders = o.trustHeaders
	}
	if err := o.store.applyTo(cmd, &cfg.Store); err != nil {
		return err
	}
	return cfg.Validate()
}

func newServeCmd(g *globalOptions) *cobra.Command {
	var o serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admission layer in front of an upstream",
		Long: `Starts an HTTP server that admits or rejects every request before it
reaches the upstream.

Endpoints:
  /*                     Admission-controlled traffic (proxied or echoed)
  GET /health            Health check
  GET /metrics           Prometheus metrics
  WS  /ws                Live stream of denials, blacklistings and breaker transitions
  /admin/...             Limiter, tier, list and breaker administration`,
		Example: `  turnstile serve
  turnstile serve --config turnstile.yaml --store redis --redis-host localhost:6379
  turnstile serve --upstream http://localhost:9000 --admin-token s3cret
  turnstile serve --record journal.ndjson`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			if err := o.applyTo(cmd, &cfg); err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runServe(ctx, cfg, o, logger)
		},
	}
	o.addFlags(cmd)
	return cmd
}

func runServe(ctx context.Context, cfg config.Config, o serveOptions, logger *zap.Logger) error {
	stack, err := app.Build(ctx, cfg, app.WithLogger(logger))
	if err != nil {
		return err
	}
	stack.Start(ctx)

	var journal io.Writer
	if o.recordFile != "" {
		f, err := os.OpenFile(o.recordFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			stack.Close(context.Background())
			return fmt.Errorf("opening journal: %w", err)
		}
		defer f.Close()
		journal = f
	}
	rec := recorder.New(o.journalCap, journal, logger)
	rec.Attach(stack.Controller, stack.Breakers, stack.Lists, stack.Clock)

	opts := server.Options{
		AdminToken:           cfg.Server.AdminToken,
		TrustIdentityHeaders: cfg.Server.TrustIdentityHeaders,
		Hub:                  server.NewHub(logger),
		Recorder:             rec,
	}
	if o.upstream != "" {
		target, err := url.Parse(o.upstream)
		if err != nil {
			stack.Close(context.Background())
			return fmt.Errorf("invalid --upstream: %w", err)
		}
		opts.Upstream = server.NewUpstreamProxy(target, stack.Breakers.MustGet(breaker.ExternalAPI), stack.Clock, logger)
	}

	srv := server.New(cfg.Server.Addr, stack, opts)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	if err := stack.Close(shutdownCtx); err != nil {
		logger.Warn("closing stack", zap.Error(err))
	}
	if o.recordFile != "" {
		logger.Info("journal written", zap.String("file", o.recordFile), zap.Int("buffered", rec.Len()))
	}
	return serveErr
}
