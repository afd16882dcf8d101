package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/R3E-Network/lottery_settlement/internal/app/metrics"
	"github.com/R3E-Network/lottery_settlement/internal/app/system"
	"github.com/R3E-Network/lottery_settlement/internal/audit"
	"github.com/R3E-Network/lottery_settlement/internal/beacon"
	"github.com/R3E-Network/lottery_settlement/internal/config"
	"github.com/R3E-Network/lottery_settlement/internal/engine/events"
	"github.com/R3E-Network/lottery_settlement/internal/keeper"
	"github.com/R3E-Network/lottery_settlement/internal/notify"
	"github.com/R3E-Network/lottery_settlement/internal/treasury"
	lottery "github.com/R3E-Network/lottery_settlement/packages/com.r3e.services.lottery/service"
	"github.com/R3E-Network/lottery_settlement/pkg/logger"
)

const eventBufferSize = 1024

// Stores encapsulates persistence dependencies. A nil archive defaults to
// the in-memory implementation.
type Stores struct {
	Archive lottery.Archive
}

// Options carries collaborators that are built outside the application,
// usually because they need network connections. Zero values select local
// defaults.
type Options struct {
	Clock     lottery.Clock
	Random    lottery.RandomSource
	Beacon    lottery.Beacon
	Publisher notify.Publisher
	AuditLog  *zap.Logger
}

// Application ties the engine and its background workers together and
// manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Lottery  *lottery.Service
	Treasury *treasury.Treasury
	Archive  lottery.Archive
	Events   *events.RingBuffer
	Hub      *notify.Hub
	Relay    *notify.Relay
	Keeper   *keeper.Keeper
}

// New builds a fully initialised application.
func New(cfg config.Config, stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	archive := stores.Archive
	if archive == nil {
		archive = lottery.NewMemoryArchive()
	}
	journaled, err := audit.New(archive, opts.AuditLog)
	if err != nil {
		return nil, err
	}

	vault := treasury.New(log.Named("treasury"))
	buffer := events.NewRingBuffer(eventBufferSize)

	src := opts.Beacon
	if src == nil {
		src = beacon.LocalBeacon{}
	}
	engineOpts := []lottery.Option{
		lottery.WithBeacon(src),
		lottery.WithEvents(buffer),
		lottery.WithObserver(metrics.LotteryObserver{}),
	}
	if opts.Clock != nil {
		engineOpts = append(engineOpts, lottery.WithClock(opts.Clock))
	}
	if opts.Random != nil {
		engineOpts = append(engineOpts, lottery.WithRandomSource(opts.Random))
	}
	svc, err := lottery.New(cfg.Lottery.Engine(), vault, journaled, log.Named("lottery"), engineOpts...)
	if err != nil {
		return nil, err
	}

	manager := system.NewManager()
	a := &Application{
		manager:  manager,
		log:      log,
		Lottery:  svc,
		Treasury: vault,
		Archive:  journaled,
		Events:   buffer,
		Hub:      notify.NewHub(buffer, log.Named("notify-hub")),
	}
	services := []system.Service{a.Hub}

	if opts.Publisher != nil {
		a.Relay = notify.NewRelay(buffer, opts.Publisher, cfg.Redis.Channel, log.Named("notify-relay"))
		services = append(services, a.Relay)
	} else {
		log.Warn("no event publisher configured; Redis fan-out disabled")
	}

	if cfg.Keeper.Enabled {
		k, err := keeper.New(svc, keeper.Config{
			Schedule:  cfg.Keeper.Schedule,
			Identity:  cfg.Keeper.Identity,
			Admin:     cfg.Lottery.Admin,
			AutoStart: cfg.Keeper.AutoStart,
		}, opts.Clock, log.Named("lottery-keeper"))
		if err != nil {
			return nil, err
		}
		a.Keeper = k
		services = append(services, k)
	}

	for _, s := range services {
		if err := manager.Register(s); err != nil {
			return nil, fmt.Errorf("register %s: %w", s.Name(), err)
		}
	}
	return a, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start resumes round numbering from the archive and begins all registered
// services.
func (a *Application) Start(ctx context.Context) error {
	if err := a.Lottery.Restore(ctx); err != nil {
		return err
	}
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
