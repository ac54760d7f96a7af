package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/batch"
	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/services/monitor"
	"github.com/ternarybob/colligo/internal/services/notify"
	"github.com/ternarybob/colligo/internal/services/scheduler"
	"github.com/ternarybob/colligo/internal/services/tiering"
	"github.com/ternarybob/colligo/internal/storage"
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles  configPaths
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("Colligo version %s\n", common.GetVersion())
		os.Exit(0)
	}

	// Auto-discover config file if not specified
	if len(configFiles) == 0 {
		if _, err := os.Stat("colligo.toml"); err == nil {
			configFiles = append(configFiles, "colligo.toml")
		} else if _, err := os.Stat("deployments/local/colligo.toml"); err == nil {
			configFiles = append(configFiles, "deployments/local/colligo.toml")
		}
	}

	config, err := common.LoadConfig(configFiles...)
	if err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	logger := common.InitLogger(config)
	common.PrintBanner(common.GetVersion())

	logger.Debug().
		Str("environment", config.Environment).
		Str("db_path", config.Storage.Badger.Path).
		Str("data_dir", config.Storage.DataDir).
		Str("cold_backend", config.Tiering.ColdBackend).
		Str("log_level", config.Logging.Level).
		Msg("Configuration loaded")

	ctx := context.Background()

	store, err := storage.NewStorageManager(logger, config)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize storage")
		os.Exit(1)
	}
	defer store.Close()

	cold, err := newColdStore(ctx, config)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize cold storage backend")
		os.Exit(1)
	}

	artifacts := tiering.NewService(store.BatchStorage(), cold, config, logger)
	notifier := notify.NewLogNotifier(logger)

	manager := batch.NewManager(store.BatchStorage(), config, logger).
		WithArtifactService(artifacts).
		WithNotifier(notifier)

	var sched interfaces.SchedulerService
	if config.Monitor.Enabled {
		detector := monitor.NewDetector(manager, store, artifacts, config, logger)

		sched = scheduler.NewService(logger)
		err = sched.RegisterJob(
			"batch-detector",
			config.Monitor.Schedule,
			"Sweeps stuck batches, overdue cancellations and expired artifacts",
			func() error {
				_, err := detector.Run(context.Background())
				return err
			},
		)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to register detector job")
			os.Exit(1)
		}

		if err := sched.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start scheduler")
			os.Exit(1)
		}
	} else {
		logger.Warn().Msg("Monitor disabled, stuck and expired batches will not be swept")
	}

	logger.Info().
		Str("version", common.GetVersion()).
		Msg("Colligo started")

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	if sched != nil && sched.IsRunning() {
		sched.Stop()
	}

	logger.Info().Msg("Shutdown complete")
}

// newColdStore builds the configured cold-tier backend
func newColdStore(ctx context.Context, config *common.Config) (tiering.ObjectStore, error) {
	switch config.Tiering.ColdBackend {
	case "", "filesystem":
		return tiering.NewFilesystemStore(config.Tiering.ColdDir)
	case "s3":
		return tiering.NewS3Store(ctx, &config.Tiering.S3)
	default:
		return nil, fmt.Errorf("unsupported cold backend: %s", config.Tiering.ColdBackend)
	}
}
