package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"leased/pkg/bus"
	"leased/pkg/telemetry"
	"leased/services/leased/internal/adminhttp"
	"leased/services/leased/internal/config"
	"leased/services/leased/internal/metrics"
	"leased/services/leased/internal/server"
	"leased/services/leased/internal/transport"
)

const (
	serviceName = "leased"
	streamName  = "LEASED_EVENTS"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "DHCP lease assignment daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Answer DHCP requests on the configured interface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return run(ctx, configPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Optional YAML config file; LEASED_* variables override it")
	return cmd
}

func run(parent context.Context, configPath string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.RequireServer(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tel, err := telemetry.Init(ctx, serviceName, os.Stdout)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
		}
	}()
	logger := tel.Logger

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	sinks := server.MultiSink{recorder}
	if cfg.Events.NATSURL != "" {
		eventBus, err := bus.New(cfg.Events.NATSURL, nats.Name(serviceName), nats.MaxReconnects(-1))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		if err := eventBus.EnsureStream(streamName, cfg.Events.Subject+".>"); err != nil {
			eventBus.Close()
			return err
		}
		publisher := transport.NewEventPublisher(eventBus, cfg.Events.Subject, cfg.Events.Buffer, logger, recorder.EventDropped)
		sinks = append(sinks, publisher)

		pubCtx, stopPublishing := context.WithCancel(ctx)
		published := make(chan struct{})
		go func() {
			defer close(published)
			_ = publisher.Run(pubCtx)
		}()
		defer func() {
			stopPublishing()
			<-published
			eventBus.Close()
		}()
		logger.Printf("INFO publishing lease events to %s.>", cfg.Events.Subject)
	}

	engine, err := server.New(server.Config{
		Interface:          cfg.DHCP.Address,
		LeaseTime:          cfg.DHCP.LeaseTime,
		TransactionTimeout: cfg.DHCP.TransactionTimeout,
	}, logger, server.WithEventSink(sinks))
	if err != nil {
		return fmt.Errorf("create lease server: %w", err)
	}

	listener, err := transport.NewListener(transport.ListenerConfig{
		Interface:  cfg.DHCP.Interface,
		Port:       cfg.DHCP.ServerPort,
		ClientPort: cfg.DHCP.ClientPort,
	}, engine, logger, transport.WithMetrics(recorder), transport.WithTracer(tel.Tracer))
	if err != nil {
		return fmt.Errorf("create dhcp listener: %w", err)
	}

	var dhcpReady atomic.Bool
	errCh := make(chan error, 2)

	go func() {
		if err := listener.Run(ctx, &dhcpReady); err != nil {
			errCh <- fmt.Errorf("dhcp: %w", err)
		}
	}()

	if cfg.HTTP.Enabled {
		if err := serveAdmin(ctx, cfg.HTTP, engine, reg, &dhcpReady, tel, logger, errCh); err != nil {
			return err
		}
	}

	logger.Printf("INFO serving %s (pool of %d)", cfg.DHCP.Address, engine.Stats().PoolSize)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

func serveAdmin(ctx context.Context, cfg config.HTTPConfig, engine *server.Server, reg *prometheus.Registry, ready *atomic.Bool, tel *telemetry.Telemetry, logger *log.Logger, errCh chan<- error) error {
	router, err := adminhttp.NewRouter(adminhttp.Config{
		Source:     engine,
		Ready:      ready.Load,
		Metrics:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Middleware: []func(http.Handler) http.Handler{tel.Middleware},
	})
	if err != nil {
		return fmt.Errorf("create admin router: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: http shutdown error: %v\n", serviceName, err)
		}
	}()

	logger.Printf("INFO http listening on %s", srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	return nil
}
