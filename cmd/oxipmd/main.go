package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/oxidekit/oxidepm/pkg/config"
	"github.com/oxidekit/oxidepm/pkg/daemonlock"
	"github.com/oxidekit/oxidepm/pkg/ipc"
	"github.com/oxidekit/oxidepm/pkg/logging"
	"github.com/oxidekit/oxidepm/pkg/metrics"
	"github.com/oxidekit/oxidepm/pkg/registry"
	"github.com/oxidekit/oxidepm/pkg/structlog"
	"github.com/oxidekit/oxidepm/pkg/supervisor"
)

type flagOptions struct {
	ConfigFile string `long:"config" description:"path to the daemon's YAML config file"`
}

func logPrefix() string {
	return ""
}

func main() {
	var opts flagOptions
	parser := flags.NewParser(&opts, flags.HelpFlag)
	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	var cfg *config.DaemonConfig
	var err error
	if opts.ConfigFile != "" {
		cfg, err = config.LoadConfigFromFile(opts.ConfigFile)
	} else {
		cfg = config.DefaultConfig()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.EnsureDataDirs(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to prepare data directory: %v\n", err)
		os.Exit(1)
	}

	zl, err := structlog.New(structlog.Config{Level: cfg.Daemon.LogLevel, Format: "console", Output: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer zl.Sync()

	logger := logging.NewLogger(logPrefix(), logging.LogFuncs{
		Debugf: zl.Debugf,
		Infof:  zl.Infof,
		Warnf:  zl.Warnf,
		Errorf: zl.Errorf,
	})

	lock, err := daemonlock.Acquire(cfg.LockPath())
	if err != nil {
		logger.Errorf("failed to acquire daemon lock: %v", err)
		os.Exit(1)
	}
	defer lock.Release()

	reg := registry.New(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := reg.Reconcile(ctx); err != nil {
		logger.Warnf("checkpoint reconcile failed, starting with an empty registry: %v", err)
	}

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Addr)
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil {
				logger.Warnf("metrics server stopped: %v", err)
			}
		}()
		logger.Infof("metrics listening, addr: %s", cfg.Metrics.Addr)

		go func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			metrics.SetInstanceCounts(reg.InstanceCounts())
			for {
				select {
				case <-ticker.C:
					metrics.SetInstanceCounts(reg.InstanceCounts())
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	server := ipc.NewServer(cfg.SocketPath(), logger, newHandler(reg, logger))
	if err := server.Listen(); err != nil {
		logger.Errorf("failed to bind control socket: %v", err)
		os.Exit(1)
	}
	logger.Infof("listening, socket: %s", cfg.SocketPath())

	go func() {
		if err := server.Serve(ctx); err != nil {
			logger.Errorf("control socket server stopped: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Infof("shutting down")
	cancel()
	server.Close()
	if metricsServer != nil {
		_ = metricsServer.Shutdown(context.Background())
	}

	if err := reg.Signal(context.Background(), "all", supervisor.OpStop); err != nil {
		logger.Warnf("shutdown stop signal reported errors: %v", err)
	}
}
