package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"github.com/kavos113/quickctf/ctf-manager/archive"
	"github.com/kavos113/quickctf/ctf-manager/cache"
	"github.com/kavos113/quickctf/ctf-manager/config"
	"github.com/kavos113/quickctf/ctf-manager/domain"
	"github.com/kavos113/quickctf/ctf-manager/handler"
	"github.com/kavos113/quickctf/ctf-manager/metrics"
	"github.com/kavos113/quickctf/ctf-manager/repository"
	"github.com/kavos113/quickctf/ctf-manager/repository/boltstore"
	"github.com/kavos113/quickctf/ctf-manager/runtime"
	"github.com/kavos113/quickctf/ctf-manager/service"
	"github.com/kavos113/quickctf/lib/logger"
)

const serviceName = "ctf-manager"

type stores struct {
	instances  domain.InstanceRepository
	events     domain.EventRepository
	challenges domain.ChallengeRepository
	closer     io.Closer
}

func openStores(ctx context.Context, cfg config.StoreConfig) (*stores, error) {
	switch cfg.Driver {
	case "bolt":
		db, err := boltstore.Open(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		return &stores{
			instances:  boltstore.NewInstanceStore(db),
			events:     boltstore.NewEventStore(db),
			challenges: boltstore.NewChallengeStore(db),
			closer:     db,
		}, nil
	default:
		db, err := repository.Connect(cfg)
		if err != nil {
			return nil, err
		}
		if err := repository.InitSchema(ctx, db, cfg.SchemaPath); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
		return &stores{
			instances:  repository.NewMySQLInstanceRepository(db),
			events:     repository.NewMySQLEventRepository(db),
			challenges: repository.NewMySQLChallengeRepository(db),
			closer:     db,
		}, nil
	}
}

// app holds the wired components and everything that must be closed on exit.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	manager  *service.ManagerService
	sweeper  *service.Sweeper
	archiver handler.Archiver
	closers  []io.Closer
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.Warn("failed to close resource", "error", err)
		}
	}
}

func newApp(ctx context.Context) (*app, error) {
	log := logger.New(serviceName)
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &app{cfg: cfg, log: log, metrics: metrics.New()}

	st, err := openStores(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, st.closer)

	rt, err := runtime.NewDockerRuntime(cfg.Docker, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, rt)
	if err := rt.Ping(ctx); err != nil {
		log.Warn("container runtime is not reachable yet", "error", err)
	}

	validator, err := service.NewImageValidator(cfg.Orch.AllowedRepositories)
	if err != nil {
		a.Close()
		return nil, err
	}
	if validator.AllowAll() {
		log.Warn("ALLOWED_REPOSITORIES is empty, every image is accepted")
	}

	var (
		sessions  service.SessionStore
		publisher service.EventPublisher
	)
	if cfg.Redis.Enabled() {
		rc, err := cache.NewRedisClient(cfg.Redis)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, rc)
		sessions, publisher = rc, rc
	} else {
		log.Info("redis disabled, session cache and event fan-out are off")
	}

	if cfg.Archive.Enabled() {
		s3, err := archive.NewS3Storage(ctx, cfg.Archive)
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := s3.EnsureBucketExists(ctx, cfg.Archive.Bucket); err != nil {
			log.Warn("failed to ensure archive bucket", "bucket", cfg.Archive.Bucket, "error", err)
		}
		a.archiver = archive.NewArchiver(st.events, s3, cfg.Archive.Bucket, log)
	}

	hostAddress := runtime.ResolveHostAddress(cfg.Docker)
	log.Info("resolved public host address", "host", hostAddress)

	a.manager = service.NewManagerService(service.Dependencies{
		Instances:  st.instances,
		Challenges: st.challenges,
		Runtime:    rt,
		Validator:  validator,
		Ports:      service.NewPortAllocator(st.instances, cfg.Orch.PortRangeStart, cfg.Orch.PortRangeEnd, a.metrics),
		Events:     service.NewEventRecorder(st.events, publisher, a.metrics, log),
		Sessions:   sessions,
		Metrics:    a.metrics,
		Logger:     log,
	}, service.SettingsFromConfig(cfg.Orch, hostAddress))
	a.sweeper = service.NewSweeper(a.manager, service.SweepSettingsFromConfig(cfg.Sweep))

	return a, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(logger.RequestLogger(a.log))

	handler.Register(e, a.manager, a.manager, handler.Options{
		APIToken: a.cfg.APIToken,
		Sweeper:  a.sweeper,
		Archiver: a.archiver,
		Metrics:  a.metrics.Handler(),
	})

	if a.cfg.Sweep.Enabled {
		go a.sweeper.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("manager service listening", "port", a.cfg.Port)
		if err := e.Start(":" + a.cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("shutting down gracefully")
	case err := <-errCh:
		return fmt.Errorf("failed to serve: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func runSweep(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	report := a.sweeper.RunOnce(ctx)
	return json.NewEncoder(cmd.OutOrStdout()).Encode(report)
}
