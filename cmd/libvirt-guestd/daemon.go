package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/sio/libvirt-guestd/internal/config"
	"github.com/sio/libvirt-guestd/internal/grpchealth"
	"github.com/sio/libvirt-guestd/internal/hdm"
	"github.com/sio/libvirt-guestd/internal/jet"
	"github.com/sio/libvirt-guestd/internal/logging"
	"github.com/sio/libvirt-guestd/internal/metrics"
	"github.com/sio/libvirt-guestd/internal/observability"
	"github.com/sio/libvirt-guestd/internal/reconciler"
	"github.com/sio/libvirt-guestd/internal/sum"
)

func daemonCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the reconciliation daemon",
		Long:  "Run the libvirt<->systemd reconciliation daemon until a termination signal arrives",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
				cfg.Observability.Logging.Level = logLevel
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)
			logging.Actions().SetConsole(cfg.Observability.Logging.ActionConsole)
			if cfg.Observability.Logging.ActionLogFile != "" {
				if err := logging.Actions().SetOutput(cfg.Observability.Logging.ActionLogFile); err != nil {
					logging.Op().Warn("failed to open action log file", "error", err)
				}
			}
			defer logging.Actions().Close()

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.Init(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			conn, err := hdm.Dial(cfg.Hypervisor.URI)
			if err != nil {
				return fmt.Errorf("connect to hypervisor: %w", err)
			}
			hm, err := hdm.New(conn, hdm.Config{
				CheckDelay:    cfg.Hypervisor.CheckDelay,
				ActionTimeout: cfg.Hypervisor.ActionTimeout,
				RLALThreshold: cfg.RLAL.Threshold,
				RLALMaxLength: cfg.RLAL.MaxLength,
			})
			if err != nil {
				return fmt.Errorf("init hypervisor domain manager: %w", err)
			}

			useUserBus := os.Getenv("LIBVIRT_GUEST_USER_BUS") == "1"
			bus, err := sum.Dial(ctx, useUserBus)
			if err != nil {
				return fmt.Errorf("connect to systemd bus: %w", err)
			}
			sm := sum.New(bus, sum.Config{
				TemplatePrefix: cfg.Systemd.TemplatePrefix,
				JobMode:        cfg.Systemd.JobMode,
				ActionTimeout:  cfg.Systemd.ActionTimeout,
			})

			r := reconciler.New(hm, sm, reconciler.Config{
				Journal: jet.Config{
					TemplatePrefix: cfg.Systemd.TemplatePrefix,
					RestartDelay:   cfg.Journal.RestartDelay,
					SinceOverlap:   cfg.Journal.SinceOverlap,
				},
				RLALThreshold: cfg.RLAL.Threshold,
				RLALMaxLength: cfg.RLAL.MaxLength,
				ActionTimeout: cfg.Systemd.ActionTimeout,
			})

			if err := r.Start(ctx); err != nil {
				return fmt.Errorf("start reconciler: %w", err)
			}

			var healthSrv *grpchealth.Server
			if cfg.GRPC.Enabled {
				healthSrv = grpchealth.New(r.Healthy, cfg.Hypervisor.CheckDelay)
				if err := healthSrv.Start(cfg.GRPC.Addr); err != nil {
					return fmt.Errorf("start gRPC health service: %w", err)
				}
			}

			var httpServer *http.Server
			if cfg.Observability.Metrics.Enabled {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
				mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
					if !r.Healthy() {
						w.WriteHeader(http.StatusServiceUnavailable)
						w.Write([]byte(`{"status":"unhealthy"}`))
						return
					}
					w.WriteHeader(http.StatusOK)
					w.Write([]byte(`{"status":"ok","service":"libvirt-guestd"}`))
				})
				httpServer = &http.Server{Addr: cfg.Observability.Metrics.ListenAddr, Handler: mux}
				go func() {
					logging.Op().Info("metrics/health HTTP endpoint started", "addr", cfg.Observability.Metrics.ListenAddr)
					if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logging.Op().Error("metrics HTTP server error", "error", err)
					}
				}()
			}

			logging.Op().Info("libvirt-guestd started", "uri", cfg.Hypervisor.URI, "template_prefix", cfg.Systemd.TemplatePrefix)

			healthTicker := time.NewTicker(cfg.Hypervisor.CheckDelay)
			defer healthTicker.Stop()
			var runErr error
			for runErr == nil && ctx.Err() == nil {
				select {
				case <-ctx.Done():
					logging.Op().Info("shutdown signal received")
				case <-healthTicker.C:
					if !r.Healthy() {
						runErr = fmt.Errorf("reconciler unhealthy")
					}
				}
			}

			r.Shutdown()
			if healthSrv != nil {
				healthSrv.Stop()
			}
			if httpServer != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				httpServer.Shutdown(shutdownCtx)
			}

			return runErr
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")

	return cmd
}
