package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaynote/internal/config"
	"github.com/agentworkforce/relaynote/internal/devserver"
	"github.com/agentworkforce/relaynote/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand(log.Default()).ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Fatalf("relaynote-devserver: %v", err)
	}
}

func newRootCommand(logger *log.Logger) *cobra.Command {
	var configPath, addr, secret string
	cmd := &cobra.Command{
		Use:   "relaynote-devserver",
		Short: "Run the in-memory collaboration server",
		Long: `Run an in-memory collaboration server: the realtime channel, notebook
state, milestones and a simulated execution service.

Settings come from --config, then RELAYNOTE_* variables, then flags.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServer(configPath, func(s *config.Server) {
				if addr != "" {
					s.Addr = addr
				}
				if secret != "" {
					s.JWTSecret = secret
				}
			})
			if err != nil {
				return err
			}
			srv, err := buildServer(cfg, logger)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), srv, logger)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", os.Getenv("RELAYNOTE_CONFIG"), "path to a YAML config file")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides RELAYNOTE_ADDR)")
	cmd.Flags().StringVar(&secret, "jwt-secret", "", "HS256 token secret (overrides RELAYNOTE_JWT_SECRET)")
	return cmd
}

func buildServer(cfg config.Server, logger *log.Logger) (*http.Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collected, err := metrics.New(reg)
	if err != nil {
		return nil, err
	}
	handler := devserver.NewServerWithConfig(devserver.NewStore(), devserver.ServerConfig{
		JWTSecret:    cfg.JWTSecret,
		MaxBodyBytes: cfg.MaxBodyBytes,
		RateLimit:    cfg.RateLimit,
		RateBurst:    cfg.RateBurst,
		ExecDelay:    cfg.ExecDelay,
		Metrics:      collected,
		Gatherer:     reg,
		Logger:       logger,
	})
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}, nil
}

func serve(ctx context.Context, srv *http.Server, logger *log.Logger) error {
	errs := make(chan error, 1)
	go func() {
		logger.Printf("relaynote-devserver listening on %s", srv.Addr)
		errs <- srv.ListenAndServe()
	}()
	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	logger.Printf("relaynote-devserver stopping: %v", ctx.Err())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errs; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
