package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dhcgn/siriusone-bridge/codec"
	"github.com/dhcgn/siriusone-bridge/config"
	"github.com/dhcgn/siriusone-bridge/dispatch"
	"github.com/dhcgn/siriusone-bridge/filter"
	"github.com/dhcgn/siriusone-bridge/imap"
	"github.com/dhcgn/siriusone-bridge/mapper"
	"github.com/dhcgn/siriusone-bridge/poller"
	"github.com/dhcgn/siriusone-bridge/registration"
	"github.com/dhcgn/siriusone-bridge/runner"
	"github.com/dhcgn/siriusone-bridge/state"
	"github.com/dhcgn/siriusone-bridge/stats"
	"github.com/dhcgn/siriusone-bridge/status"
)

// unregisterTimeout bounds the unregister request sent on shutdown.
const unregisterTimeout = 5 * time.Second

// Serve runs the bridge until ctx is done: it registers with the exchange,
// polls the mailbox, forwards reports and retries the ones the bus refused.
func Serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	c, err := codec.New(cfg.Codec)
	if err != nil {
		return err
	}
	id := identity(cfg)

	conn, err := openBus(ctx, cfg, c, id.PluginName(), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.close(); err != nil {
			logger.Warn("closing bus", "err", err)
		}
	}()

	f, err := filter.New(filter.Options{Include: cfg.Include, Exclude: cfg.Exclude})
	if err != nil {
		return fmt.Errorf("filter.New: %w", err)
	}

	r := runner.New(ctx, logger)
	reporter := stats.NewReporter(r, logger)

	machine := registration.NewMachine(logger)
	registrar := registration.NewRegistrar(conn.producer, conn.consumer, c, machine, id, registration.RegistrarOptions{
		SettingKeys: config.SettingKeys(),
		Timeout:     cfg.RegisterTimeout,
	}, logger)

	pending := dispatch.NewPending(cfg.PendingCapacity, cfg.PendingTTL)
	tracker := state.NewMemoryTracker(cfg.DedupeCapacity)
	dispatcher := dispatch.New(conn.producer, c, tracker, pending, dispatch.Options{SendTimeout: cfg.SendTimeout}, logger)

	mailOpts := imapOptions(cfg)
	opener := poller.OpenerFunc(func(ctx context.Context) (poller.Session, error) {
		s, err := imap.Open(ctx, mailOpts, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
	p := poller.New(opener, mapper.New(id, nil), dispatcher, f, r, logger)

	r.AddStage("registration", machine.Run)
	r.AddStage("acks", registrar.Listen)
	r.AddStage("register", func(ctx context.Context) error {
		return registrar.Maintain(ctx, cfg.RegisterTimeout/2)
	})

	var ready func() bool
	if cfg.RequireRegistration {
		ready = func() bool { return machine.State() == registration.Registered }
	}
	r.Every("poll", stats.StagePoll, cfg.PollInterval, func(ctx context.Context) error {
		return p.Cycle(ctx, ready, cfg.PollTimeout)
	})

	if cfg.RetryInterval > 0 {
		r.Every("retry", stats.StageRetry, cfg.RetryInterval, func(ctx context.Context) error {
			retry(ctx, dispatcher, r, logger)
			return nil
		})
	}

	if cfg.StatusAddr != "" {
		router := status.NewRouter(status.Sources{
			Machine: machine,
			Stats:   reporter.Summary,
			Pending: pending,
			Tracker: tracker,
			Started: reporter.Started(),
			Plugin:  id.PluginName(),
		}, logger)
		r.AddStage("status", statusStage(cfg.StatusAddr, router, logger))
	}

	logger.Info("bridge started",
		"mail", fmt.Sprintf("%s:%d", cfg.MailHost, cfg.MailPort),
		"bus", cfg.Bus,
		"codec", c.Name(),
		"pollInterval", cfg.PollInterval)

	runErr := r.Wait()

	unregisterCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unregisterTimeout)
	defer cancel()
	if err := registrar.Unregister(unregisterCtx); err != nil {
		logger.Warn("unregister on shutdown", "err", err)
	}

	if n := pending.Len(); n > 0 {
		logger.Warn("undelivered reports dropped on shutdown", "count", n)
	}
	return runErr
}

// statusStage serves the status surface. The surface is optional, so a
// server that cannot bind or stops early is logged and the bridge keeps
// running.
func statusStage(addr string, handler http.Handler, logger *slog.Logger) runner.StageFunc {
	return func(ctx context.Context) error {
		if err := status.Serve(ctx, addr, handler, logger); err != nil {
			logger.Error("status server stopped, bridge continues without it", "addr", addr, "err", err)
		}
		return nil
	}
}

// retry drops expired pending reports and resends the rest once.
func retry(ctx context.Context, d *dispatch.Dispatcher, events stats.Emitter, logger *slog.Logger) {
	if expired := d.Pending().Sweep(time.Now()); expired > 0 {
		logger.Warn("pending reports expired", "count", expired)
	}
	res := d.Retry(ctx)
	for i := 0; i < res.Delivered; i++ {
		events.EmitEvent(stats.Event{Stage: stats.StageRetry, Type: stats.EventTypeDispatched})
	}
}
