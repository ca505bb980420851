package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"wanderlink/internal/core/services"
	repositories "wanderlink/internal/infrastructure/repositories"
	"wanderlink/pkg/archive"
	"wanderlink/pkg/config"
	"wanderlink/pkg/distributed"
	"wanderlink/pkg/logger"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	configPath := pflag.StringP("config", "c", "configs/callagent.yaml", "path to the YAML config file")
	once := pflag.Bool("once", false, "run a single sweep and exit")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err := run(cfg, *once, log); err != nil {
		log.Fatalw("call janitor failed", "error", err)
	}
}

func run(cfg *config.Config, once bool, log *zap.SugaredLogger) error {
	if cfg.Store.Backend == config.StoreMemory {
		return fmt.Errorf("store.backend=%s is process-local, nothing to sweep", config.StoreMemory)
	}
	// never sweep a memory store the factory fell back to
	cfg.Store.FallbackToMemory = false

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repoFactory, err := repositories.NewRepositoryFactory(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := repoFactory.Close(context.Background()); err != nil {
			log.Errorw("error closing repository factory", "error", err)
		}
	}()

	store, err := repoFactory.CreateSignalingStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	var locker services.Locker
	if client := repoFactory.RedisClient(); client != nil {
		locker = distributed.NewLockManager(client, "wanderlink:lock:").NewLock("janitor", cfg.Janitor.LockTTL)
	} else {
		log.Warnw("no lock backend, run a single janitor instance", "store", repoFactory.Backend())
	}

	janitor := services.NewSessionJanitor(store, locker, services.JanitorConfig{
		Interval:        cfg.Janitor.Interval,
		RingingMaxAge:   cfg.Janitor.RingingMaxAge,
		TerminalMaxAge:  cfg.Janitor.TerminalMaxAge,
		ConnectedMaxAge: cfg.Janitor.ConnectedMaxAge,
	}, log.Named("janitor"))

	if dir := cfg.Janitor.ArchiveDir; dir != "" {
		storage, err := archive.NewFileStorage(dir)
		if err != nil {
			return err
		}
		janitor.SetArchive(archive.New(storage, cfg.Janitor.ArchiveRetention))
		log.Infow("archiving removed calls", "dir", dir, "retention", cfg.Janitor.ArchiveRetention)
	}

	if once {
		n, err := janitor.Sweep(ctx)
		log.Infow("sweep finished", "deleted", n)
		return err
	}

	log.Infow("call janitor started", "store", repoFactory.Backend(), "interval", cfg.Janitor.Interval)
	janitor.Run(ctx)
	log.Info("call janitor stopped")
	return nil
}
