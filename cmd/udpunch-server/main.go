// Command udpunch-server runs the UDP rendezvous and relay server.
//
// Usage: udpunch-server [port]
//
// Binds four consecutive UDP ports starting at port (default 61990) and
// runs until interrupted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/Vermeil-Soft/linkseeker/internal/config"
	"github.com/Vermeil-Soft/linkseeker/internal/engine"
	"github.com/Vermeil-Soft/linkseeker/internal/idsource"
	"github.com/Vermeil-Soft/linkseeker/internal/metrics"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()

	cmd := &cobra.Command{
		Use:   "udpunch-server [port]",
		Short: "UDP rendezvous and relay server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				port, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid port %q: %w", args[0], err)
				}
				cfg.Port = port
			}
			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&cfg.NumSockets, "sockets", cfg.NumSockets, "number of consecutive UDP sockets to bind")
	flags.DurationVar(&cfg.RegisterTTL, "register-ttl", cfg.RegisterTTL, "rendezvous registration TTL")
	flags.DurationVar(&cfg.PunchCheckTTL, "punch-check-ttl", cfg.PunchCheckTTL, "punch-check probe TTL")
	flags.DurationVar(&cfg.ProxyTTL, "proxy-ttl", cfg.ProxyTTL, "relay session idle TTL")
	flags.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel(), "log level: debug, info, warn, error")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	flags.IntVar(&cfg.RcvBufBytes, "rcvbuf", 0, "SO_RCVBUF bytes per socket (0 leaves the OS default, Linux only)")

	return cmd
}

// defaultLogLevel honors UDPUNCH_LOG as an optional environment variable,
// falling back to the flag default when unset.
func defaultLogLevel() string {
	if v := os.Getenv("UDPUNCH_LOG"); v != "" {
		return v
	}
	return "info"
}

func run(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := newLogger(cfg.LogLevel)

	e := engine.NewWithTTLs(log, clockwork.NewRealClock(), idsource.System{}, cfg.NumSockets,
		cfg.RegisterTTL, cfg.PunchCheckTTL, cfg.ProxyTTL)

	if err := e.Listen(cfg.Port, cfg.RcvBufBytes); err != nil {
		log.Error("bind failed", "error", err)
		return err
	}
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			log.Info("serving metrics", "address", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server error", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer shutdownCancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	runErr := make(chan error, 1)
	go func() { runErr <- e.Run(ctx) }()

	// The server never exits 0: it runs until a bind failure (returned above)
	// or a shutdown signal. A signal still stops the loop cleanly, but the
	// process terminates with the conventional 128+signal status rather than
	// falling through to a normal, zero-status return.
	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig)
		cancel()
		<-runErr
		log.Info("server shutdown complete")
		os.Exit(shutdownExitCode(sig))
		return nil
	case err := <-runErr:
		if err != nil {
			return fmt.Errorf("engine stopped: %w", err)
		}
		return fmt.Errorf("engine loop exited without a shutdown signal")
	}
}

// shutdownExitCode maps a shutdown signal to its conventional 128+signal
// exit status.
func shutdownExitCode(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return 128 + int(s)
	}
	return 1
}

func newLogger(level string) *slog.Logger {
	lvl, err := config.ParseLogLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.RFC3339,
	}))
}
