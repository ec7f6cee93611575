package server

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"CoinScout/internal/domain/models"
	"CoinScout/internal/domain/repository"
	"CoinScout/internal/service/adapter"
	"CoinScout/internal/service/comm"
	"CoinScout/internal/usecase"
	"CoinScout/pkg/config"
	xhttp "CoinScout/pkg/http"
	applogger "CoinScout/pkg/logger"
)

// App encapsulates the entire application lifecycle.
type App struct {
	cfg        *config.Config
	log        *applogger.Logger
	manager    *adapter.Manager
	scanner    *usecase.Scanner
	comm       *comm.Layer
	archive    repository.OpportunityArchive
	httpServer *xhttp.Server
}

// New creates a new App instance with all dependencies. archive may be nil.
func New(
	cfg *config.Config,
	log *applogger.Logger,
	manager *adapter.Manager,
	scanner *usecase.Scanner,
	layer *comm.Layer,
	archive repository.OpportunityArchive,
	httpServer *xhttp.Server,
) *App {
	return &App{
		cfg:        cfg,
		log:        log,
		manager:    manager,
		scanner:    scanner,
		comm:       layer,
		archive:    archive,
		httpServer: httpServer,
	}
}

// Run starts the application and blocks until interrupted.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.run(ctx)
}

func (a *App) run(ctx context.Context) error {
	if a.cfg.Logging.CollectErrors {
		a.log.AddCollector(&applogger.CollectionConfig{
			TimeInterval:   a.cfg.Logging.CollectEvery,
			CountThreshold: a.cfg.Logging.CollectMaxKeys,
			Topic:          a.cfg.Topics.Errors,
			Publisher:      a.comm,
			PublishTimeout: a.cfg.Comm.PublishTimeout,
		})
	}

	connectCtx, cancel := context.WithTimeout(ctx, a.cfg.Adapters.Timeouts.Connect)
	err := a.manager.ConnectAll(connectCtx)
	cancel()
	if err != nil {
		// the scanner reports no_adapters and keeps retrying; the health
		// sweep reconnects
		a.log.Error("adapters unavailable at startup", applogger.Error(err))
	}
	a.manager.StartHealthSweep(ctx, a.cfg.Adapters.HealthInterval)

	a.scanner.OnOpportunityFound(func(opp models.Opportunity) {
		if opp.Recommendation == models.StrongBuy {
			a.log.Info("strong opportunity",
				applogger.String("symbol", opp.Symbol),
				applogger.Float64("score", opp.Score),
				applogger.Strings("rules", opp.TriggeredRules),
			)
		}
	})

	if a.cfg.Scanner.AutoStart {
		if err := a.scanner.Start(ctx); err != nil {
			return err
		}
		a.log.Info("scanner started",
			applogger.Duration("interval", a.cfg.Scanner.Interval),
			applogger.Int("max_concurrent", a.cfg.Scanner.MaxConcurrent),
		)
	}

	if err := a.httpServer.Start(); err != nil {
		a.log.Error("http server start error", applogger.Error(err))
		return errors.Join(err, a.shutdown())
	}

	<-ctx.Done()
	a.log.Info("shutdown signal received")
	return a.shutdown()
}

// shutdown stops intake first, then drains the communication layer and
// closes storage.
func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout+a.cfg.Comm.FlushTimeout)
	defer cancel()

	var errs []error
	if err := a.httpServer.Stop(ctx); err != nil {
		a.log.Error("http shutdown error", applogger.Error(err))
		errs = append(errs, err)
	}
	if err := a.scanner.Stop(); err != nil {
		a.log.Warn("scanner stop error", applogger.Error(err))
	}
	a.manager.DisconnectAll(ctx)

	// flush aggregated errors while the bus is still open
	a.log.RemoveCollector()
	if err := a.comm.Close(); err != nil {
		a.log.Warn("comm close error", applogger.Error(err))
		errs = append(errs, err)
	}
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			a.log.Warn("archive close error", applogger.Error(err))
		}
	}

	a.log.Info("shutdown complete", applogger.Int64("cycles", a.scanner.Status().Cycles))
	return errors.Join(errs...)
}
