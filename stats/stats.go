package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Stage string

const (
	StagePoll         Stage = "poll"
	StageDispatch     Stage = "dispatch"
	StageRetry        Stage = "retry"
	StageRegistration Stage = "registration"
)

type EventType string

const (
	EventTypeScanned          EventType = "scanned"
	EventTypeProcessed        EventType = "processed"
	EventTypeFailed           EventType = "failed"
	EventTypeSkipped          EventType = "skipped"
	EventTypeDispatched       EventType = "dispatched"
	EventTypeCached           EventType = "cached"
	EventTypeDuplicate        EventType = "duplicate"
	EventTypeInvalidFrame     EventType = "invalid_frame"
	EventTypeAttachmentFailed EventType = "attachment_failed"
	EventTypePollCompleted    EventType = "poll_completed"
	EventTypeError            EventType = "error"
)

type Event struct {
	Stage    Stage
	Type     EventType
	UID      uint32
	DeviceID string
	Err      error
	Detail   string
	Count    int
}

// Emitter accepts events. A nil Emitter is not allowed; use Discard.
type Emitter interface {
	EmitEvent(Event)
}

type discard struct{}

func (discard) EmitEvent(Event) {}

// Discard drops every event.
var Discard Emitter = discard{}

type Summary struct {
	Polls             int       `json:"polls"`
	Scanned           int       `json:"scanned"`
	Processed         int       `json:"processed"`
	Failed            int       `json:"failed"`
	Skipped           int       `json:"skipped"`
	Dispatched        int       `json:"dispatched"`
	Cached            int       `json:"cached"`
	Duplicates        int       `json:"duplicates"`
	InvalidFrames     int       `json:"invalidFrames"`
	AttachmentsFailed int       `json:"attachmentsFailed"`
	Retried           int       `json:"retried"`
	Errors            int       `json:"errors"`
	LastPoll          time.Time `json:"lastPoll,omitzero"`
	LastError         string    `json:"lastError,omitempty"`
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"polls", s.Polls,
		"scanned", s.Scanned,
		"processed", s.Processed,
		"failed", s.Failed,
		"dispatched", s.Dispatched,
		"cached", s.Cached,
		"duplicates", s.Duplicates,
		"invalidFrames", s.InvalidFrames,
		"errors", s.Errors,
	}
	if s.LastError != "" {
		attrs = append(attrs, "lastError", s.LastError)
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
	now     func() time.Time
}

func NewCollector() *Collector {
	return &Collector{now: time.Now}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.apply(evt)
		}
	}
}

// EmitEvent applies evt directly, for callers that run without a Runner.
func (c *Collector) EmitEvent(evt Event) {
	c.apply(evt)
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

func (c *Collector) apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeProcessed:
		c.summary.Processed++
	case EventTypeFailed:
		c.summary.Failed++
	case EventTypeSkipped:
		c.summary.Skipped++
	case EventTypeDispatched:
		if evt.Stage == StageRetry {
			c.summary.Retried++
		}
		c.summary.Dispatched++
	case EventTypeCached:
		c.summary.Cached++
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeInvalidFrame:
		c.summary.InvalidFrames++
	case EventTypeAttachmentFailed:
		c.summary.AttachmentsFailed++
	case EventTypePollCompleted:
		c.summary.Polls++
		c.summary.LastPoll = c.now()
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err.Error()
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "uptime", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

func (r *Reporter) Started() time.Time {
	return r.started
}
