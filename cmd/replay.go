package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/siriusone-bridge/bus"
	"github.com/dhcgn/siriusone-bridge/codec"
	"github.com/dhcgn/siriusone-bridge/config"
	"github.com/dhcgn/siriusone-bridge/dispatch"
	"github.com/dhcgn/siriusone-bridge/filter"
	"github.com/dhcgn/siriusone-bridge/mapper"
	"github.com/dhcgn/siriusone-bridge/mbox"
	"github.com/dhcgn/siriusone-bridge/poller"
	"github.com/dhcgn/siriusone-bridge/progress"
	"github.com/dhcgn/siriusone-bridge/runner"
	"github.com/dhcgn/siriusone-bridge/state"
)

// NewReplayCommand returns the replay subcommand.
func NewReplayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay [mbox file]",
		Short: "Run one poll cycle over the unread mails of an mbox archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}
			dryRun, err := cmd.Flags().GetBool("dry-run")
			if err != nil {
				return err
			}
			if dryRun {
				cfg.Bus = config.BusMemory
			}

			logger, cleanup, err := SetupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			_, err = Replay(ctx, cfg, args[0], logger)
			return err
		},
	}
	cmd.Flags().Bool("dry-run", false, "Decode and map reports without sending them to a bus")
	return cmd
}

// Replay feeds the unread mails of the archive at path through the poller
// once. Reports go to the configured bus; registration is not required.
func Replay(ctx context.Context, cfg config.Config, path string, logger *slog.Logger) (poller.Outcome, error) {
	c, err := codec.New(cfg.Codec)
	if err != nil {
		return poller.Outcome{}, err
	}
	id := identity(cfg)

	session, err := mbox.Open(ctx, path, logger)
	if err != nil {
		return poller.Outcome{}, fmt.Errorf("mbox.Open: %w", err)
	}
	total, seen := session.Count()

	f, err := filter.New(filter.Options{Include: cfg.Include, Exclude: cfg.Exclude})
	if err != nil {
		return poller.Outcome{}, fmt.Errorf("filter.New: %w", err)
	}

	conn, err := openBus(ctx, cfg, c, id.PluginName(), logger)
	if err != nil {
		return poller.Outcome{}, err
	}
	defer func() {
		if err := conn.close(); err != nil {
			logger.Warn("closing bus", "err", err)
		}
	}()

	r := runner.New(ctx, logger)
	reporter := progress.NewReporter(r, progress.New(total-seen, seen, cfg.LogLevel), logger)

	dispatcher := dispatch.New(conn.producer, c,
		state.NewMemoryTracker(cfg.DedupeCapacity),
		dispatch.NewPending(cfg.PendingCapacity, cfg.PendingTTL),
		dispatch.Options{SendTimeout: cfg.SendTimeout}, logger)

	opener := poller.OpenerFunc(func(context.Context) (poller.Session, error) {
		return session, nil
	})
	p := poller.New(opener, mapper.New(id, nil), dispatcher, f, r, logger)

	var outcome poller.Outcome
	r.AddStage("replay", func(ctx context.Context) error {
		out, err := p.Poll(ctx)
		outcome = out
		return err
	})

	runErr := r.Wait()
	reporter.PrintSummary()
	logger.Info("replay finished", append(outcome.LogAttrs(), "mbox", session.Path())...)

	if mem, ok := conn.producer.(*bus.Memory); ok {
		pterm.Info.Printf("Reports captured without sending: %d\n", len(mem.Sent()))
	}
	if n := dispatcher.Pending().Len(); n > 0 {
		pterm.Warning.Printf("Reports not delivered: %d\n", n)
	}
	return outcome, runErr
}
