// Package dispatch hands canonical movement reports to the downstream bus.
//
// Delivery is at-least-once. A report the bus refuses is kept in a bounded
// pending cache under a generated id and retried later; a report already
// delivered is recognized by its fingerprint and not sent again.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dhcgn/siriusone-bridge/bus"
	"github.com/dhcgn/siriusone-bridge/codec"
	"github.com/dhcgn/siriusone-bridge/model"
	"github.com/dhcgn/siriusone-bridge/state"
)

const DefaultSendTimeout = 10 * time.Second

var ErrDelivery = errors.New("delivery failed")

// DeliveryError reports that a movement report did not reach the bus.
type DeliveryError struct {
	DeviceID string
	Op       string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s report for terminal %s: %v", e.Op, e.DeviceID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Is(target error) bool { return target == ErrDelivery }

type Options struct {
	SendTimeout time.Duration
	// Now is used for pending cache timestamps; defaults to time.Now.
	Now func() time.Time
}

// Receipt describes what Deliver did with a report.
type Receipt struct {
	ID        string
	Delivered bool
	Cached    bool
	Duplicate bool
}

type RetryResult struct {
	Attempted int
	Delivered int
	Recached  int
}

type Dispatcher struct {
	producer    bus.Producer
	codec       codec.Codec
	tracker     state.Tracker
	pending     *Pending
	sendTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

func New(producer bus.Producer, c codec.Codec, tracker state.Tracker, pending *Pending, opts Options, logger *slog.Logger) *Dispatcher {
	if c == nil {
		c = codec.JSON{}
	}
	if tracker == nil {
		tracker = state.NewMemoryTracker(0)
	}
	if pending == nil {
		pending = NewPending(0, 0)
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		producer:    producer,
		codec:       c,
		tracker:     tracker,
		pending:     pending,
		sendTimeout: opts.SendTimeout,
		now:         opts.Now,
		logger:      logger,
	}
}

func (d *Dispatcher) Pending() *Pending { return d.pending }

func (d *Dispatcher) Tracker() state.Tracker { return d.tracker }

// Send encodes r and sends it to the exchange. It returns the correlation id
// the bus assigned. Every failure is a *DeliveryError.
func (d *Dispatcher) Send(ctx context.Context, r model.MovementReport) (string, error) {
	payload, err := d.codec.Marshal(r)
	if err != nil {
		return "", &DeliveryError{DeviceID: r.DeviceID(), Op: "encode", Err: err}
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	id, err := d.producer.Send(sendCtx, payload, bus.FunctionSetMovementReport)
	if err != nil {
		return "", &DeliveryError{DeviceID: r.DeviceID(), Op: "send", Err: err}
	}
	return id, nil
}

// Deliver sends r unless it was delivered before. A failed send is captured
// in the pending cache and still counts as accepted.
func (d *Dispatcher) Deliver(ctx context.Context, r model.MovementReport) Receipt {
	fp := state.Fingerprint(r)
	if id, ok := d.tracker.AlreadyProcessed(fp); ok {
		d.logger.Debug("report already delivered", "device", r.DeviceID(), "correlationID", id)
		return Receipt{ID: id, Duplicate: true}
	}

	id, err := d.Send(ctx, r)
	if err != nil {
		id = uuid.NewString()
		d.pending.Put(Entry{ID: id, Report: r, CachedAt: d.now(), Attempts: 1, LastError: err.Error()})
		d.logger.Warn("report cached for retry", "device", r.DeviceID(), "pendingID", id, "err", err)
		return Receipt{ID: id, Cached: true}
	}

	if err := d.tracker.MarkProcessed(fp, id); err != nil {
		d.logger.Warn("failed to record delivered report", "device", r.DeviceID(), "err", err)
	}
	d.logger.Debug("report delivered", "device", r.DeviceID(), "correlationID", id)
	return Receipt{ID: id, Delivered: true}
}

// Retry sends every pending report once. Reports that fail again go back
// into the cache under their id.
func (d *Dispatcher) Retry(ctx context.Context) RetryResult {
	var result RetryResult
	entries := d.pending.Drain()
	for i, e := range entries {
		if ctx.Err() != nil {
			for _, rest := range entries[i:] {
				d.pending.Put(rest)
			}
			result.Recached += len(entries) - i
			break
		}

		result.Attempted++
		fp := state.Fingerprint(e.Report)
		if _, ok := d.tracker.AlreadyProcessed(fp); ok {
			result.Delivered++
			continue
		}

		id, err := d.Send(ctx, e.Report)
		if err != nil {
			e.Attempts++
			e.LastError = err.Error()
			d.pending.Put(e)
			result.Recached++
			continue
		}
		if err := d.tracker.MarkProcessed(fp, id); err != nil {
			d.logger.Warn("failed to record delivered report", "device", e.Report.DeviceID(), "err", err)
		}
		result.Delivered++
	}

	if result.Attempted > 0 {
		d.logger.Info("pending retry finished",
			"attempted", result.Attempted,
			"delivered", result.Delivered,
			"recached", result.Recached)
	}
	return result
}
