package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/siriusone-bridge/stats"
)

// Bar tracks mails of a replay run on the terminal.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	scanned int
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar if logLevel is "info" and there is work to show.
func New(total int, alreadySeen int, logLevel string) *Bar {
	enabled := logLevel == "info" && total > 0

	bar := &Bar{
		total:   total,
		enabled: enabled,
	}

	if enabled {
		pterm.Info.Printf("Mails in archive: %d\n", total+alreadySeen)
		pterm.Info.Printf("Already read: %d\n", alreadySeen)
		pterm.Info.Printf("To process: %d\n", total)
		pterm.Println()

		pb, _ := pterm.DefaultProgressbar.
			WithTotal(total).
			WithTitle("Processing mails").
			Start()
		bar.pb = pb
	}

	return bar
}

// Update advances the bar for scanned mails and prints failures above it.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeScanned:
		b.scanned++
		b.pb.Increment()
		b.pb.UpdateTitle(fmt.Sprintf("Processing mail %d", evt.UID))
	case stats.EventTypeAttachmentFailed:
		pterm.Warning.Printf("Mail %d: attachment %s: %v\n", evt.UID, evt.Detail, evt.Err)
	case stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
	}
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}

	_, _ = b.pb.Stop()
	pterm.Success.Println("Replay complete!")
}

// Reporter feeds every event to the bar and to a stats collector from a
// single subscription, so neither misses events the other received.
type Reporter struct {
	bar       *Bar
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
}

// NewReporter subscribes to stream. bar may be nil.
func NewReporter(stream stats.EventStream, bar *Bar, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		bar:       bar,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("progress", reporter.consume)
	return reporter
}

func (pr *Reporter) consume(ctx context.Context, events <-chan stats.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				if pr.bar != nil {
					pr.bar.Stop()
				}
				return nil
			}
			if pr.bar != nil {
				pr.bar.Update(evt)
			}
			pr.collector.EmitEvent(evt)
		}
	}
}

func (pr *Reporter) Summary() stats.Summary {
	return pr.collector.Snapshot()
}

// PrintSummary renders the collected statistics.
func (pr *Reporter) PrintSummary() {
	summary := pr.collector.Snapshot()

	pterm.Println()
	pterm.DefaultSection.Println("Summary Statistics")
	pterm.Info.Printf("Duration: %v\n", time.Since(pr.started).Round(time.Millisecond))
	pterm.Info.Printf("Scanned: %d\n", summary.Scanned)
	pterm.Info.Printf("Processed: %d\n", summary.Processed)
	pterm.Info.Printf("Failed (left unread): %d\n", summary.Failed)
	pterm.Info.Printf("Skipped by filter: %d\n", summary.Skipped)
	pterm.Info.Printf("Reports dispatched: %d\n", summary.Dispatched)
	pterm.Info.Printf("Reports cached: %d\n", summary.Cached)
	pterm.Info.Printf("Duplicates: %d\n", summary.Duplicates)
	pterm.Info.Printf("Invalid frames: %d\n", summary.InvalidFrames)
	pterm.Info.Printf("Errors: %d\n", summary.Errors)
	if summary.LastError != "" {
		pterm.Error.Printf("Last error: %s\n", summary.LastError)
	}
	if pr.logger != nil {
		pr.logger.Debug("replay summary", summary.LogAttrs()...)
	}
}
