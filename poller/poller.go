// Package poller drains the operator mailbox: every unseen mail is searched
// for report attachments, each report is decoded, mapped and handed to the
// dispatcher, and the mail is flagged according to the outcome.
package poller

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/siriusone-bridge/devicexml"
	"github.com/dhcgn/siriusone-bridge/dispatch"
	"github.com/dhcgn/siriusone-bridge/filter"
	"github.com/dhcgn/siriusone-bridge/frame"
	"github.com/dhcgn/siriusone-bridge/mapper"
	"github.com/dhcgn/siriusone-bridge/model"
	"github.com/dhcgn/siriusone-bridge/stats"
)

// Session is an open mail folder. Close is called on every exit path of
// Poll.
type Session interface {
	Unseen(ctx context.Context) ([]model.Mail, error)
	MarkSeen(ctx context.Context, uid uint32, seen bool) error
	Close() error
}

type Opener interface {
	Open(ctx context.Context) (Session, error)
}

type OpenerFunc func(ctx context.Context) (Session, error)

func (f OpenerFunc) Open(ctx context.Context) (Session, error) { return f(ctx) }

type Dispatcher interface {
	Deliver(ctx context.Context, r model.MovementReport) dispatch.Receipt
}

// Outcome counts what one poll did. Seen is the number of unseen mails
// examined, not the number flagged.
type Outcome struct {
	Seen          int `json:"seen"`
	Processed     int `json:"processed"`
	Failed        int `json:"failed"`
	Skipped       int `json:"skipped"`
	Dispatched    int `json:"dispatched"`
	Cached        int `json:"cached"`
	Duplicates    int `json:"duplicates"`
	InvalidFrames int `json:"invalidFrames"`
}

func (o Outcome) LogAttrs() []any {
	return []any{
		"seen", o.Seen,
		"processed", o.Processed,
		"failed", o.Failed,
		"skipped", o.Skipped,
		"dispatched", o.Dispatched,
		"cached", o.Cached,
		"duplicates", o.Duplicates,
		"invalidFrames", o.InvalidFrames,
	}
}

type Poller struct {
	opener     Opener
	mapper     *mapper.Mapper
	dispatcher Dispatcher
	filter     *filter.Filter
	events     stats.Emitter
	logger     *slog.Logger
	mu         sync.Mutex
}

// New returns a Poller. f and events may be nil.
func New(opener Opener, m *mapper.Mapper, d Dispatcher, f *filter.Filter, events stats.Emitter, logger *slog.Logger) *Poller {
	if events == nil {
		events = stats.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		opener:     opener,
		mapper:     m,
		dispatcher: d,
		filter:     f,
		events:     events,
		logger:     logger,
	}
}

// Poll runs one cycle. Only connection failures are returned, as a
// *ConnectionError; a concurrent call returns ErrPollInProgress at once.
func (p *Poller) Poll(ctx context.Context) (Outcome, error) {
	if !p.mu.TryLock() {
		return Outcome{}, ErrPollInProgress
	}
	defer p.mu.Unlock()

	var out Outcome

	session, err := p.opener.Open(ctx)
	if err != nil {
		return out, &ConnectionError{Op: "open", Err: err}
	}
	defer func() {
		if err := session.Close(); err != nil {
			p.logger.Debug("closing mail session", "err", err)
		}
	}()

	mails, err := session.Unseen(ctx)
	if err != nil {
		return out, &ConnectionError{Op: "search", Err: err}
	}

	for _, mail := range mails {
		if ctx.Err() != nil {
			p.logger.Warn("poll interrupted", "remaining", len(mails)-out.Seen, "err", ctx.Err())
			break
		}
		out.Seen++
		p.events.EmitEvent(stats.Event{Stage: stats.StagePoll, Type: stats.EventTypeScanned, UID: mail.UID})

		if !p.filter.Allows(mail.Raw) {
			out.Skipped++
			p.events.EmitEvent(stats.Event{Stage: stats.StagePoll, Type: stats.EventTypeSkipped, UID: mail.UID})
			p.logger.Debug("mail rejected by filter", "uid", mail.UID)
			continue
		}

		ok := p.processMail(ctx, mail, &out)
		if err := session.MarkSeen(ctx, mail.UID, ok); err != nil {
			p.logger.Error("updating seen flag", "uid", mail.UID, "seen", ok, "err", err)
			p.events.EmitEvent(stats.Event{Stage: stats.StagePoll, Type: stats.EventTypeError, UID: mail.UID, Err: err})
		}
		if ok {
			out.Processed++
			p.events.EmitEvent(stats.Event{Stage: stats.StagePoll, Type: stats.EventTypeProcessed, UID: mail.UID})
		} else {
			out.Failed++
			p.events.EmitEvent(stats.Event{Stage: stats.StagePoll, Type: stats.EventTypeFailed, UID: mail.UID})
		}
	}

	p.events.EmitEvent(stats.Event{Stage: stats.StagePoll, Type: stats.EventTypePollCompleted, Count: out.Seen})
	return out, nil
}

// Cycle is one scheduled poll. It does nothing while ready reports false,
// bounds the poll by timeout and logs the outcome. Only connection
// failures are returned.
func (p *Poller) Cycle(ctx context.Context, ready func() bool, timeout time.Duration) error {
	if ready != nil && !ready() {
		p.logger.Debug("poll skipped, bridge not registered")
		return nil
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	started := time.Now()
	out, err := p.Poll(ctx)
	if errors.Is(err, ErrPollInProgress) {
		p.logger.Warn("poll skipped, previous poll still running")
		return nil
	}
	if err != nil {
		return err
	}

	attrs := append(out.LogAttrs(), "duration", time.Since(started))
	if out.Seen > 0 {
		p.logger.Info("poll completed", attrs...)
	} else {
		p.logger.Debug("poll completed", attrs...)
	}
	return nil
}

// processMail handles every attachment of mail and reports whether the
// mail may be flagged \Seen.
func (p *Poller) processMail(ctx context.Context, mail model.Mail, out *Outcome) bool {
	parts, err := attachments(mail.Raw)
	if err != nil {
		p.logger.Error("reading mail", "uid", mail.UID, "err", err)
		return false
	}

	ok := true
	for _, part := range parts {
		switch classify(part.Name) {
		case kindXML:
			if err := p.processXML(ctx, part, out); err != nil {
				p.logger.Error("device report rejected", "uid", mail.UID, "attachment", part.Name, "err", err)
				p.events.EmitEvent(stats.Event{Stage: stats.StagePoll, Type: stats.EventTypeAttachmentFailed, UID: mail.UID, Err: err, Detail: part.Name})
				ok = false
			}
		case kindFrame:
			p.processFrames(ctx, mail.UID, part, out)
		default:
			p.logger.Debug("ignoring unnamed attachment", "uid", mail.UID)
		}
	}
	return ok
}

// processXML forwards the first position of the first device. Further
// devices and positions in the same document are neither checked nor
// forwarded.
func (p *Poller) processXML(ctx context.Context, part attachment, out *Outcome) error {
	first, err := devicexml.DecodeFirst(bytes.NewReader(part.Content))
	if err != nil {
		return err
	}

	if dropped := first.Ignored(); dropped > 0 {
		p.logger.Warn("device report has more positions than the first one, extra positions not forwarded",
			"attachment", part.Name, "serial", first.Serial, "devices", first.Devices, "dropped", dropped)
	}

	p.deliver(ctx, p.mapper.FromFix(first.Serial, first.Fix), out)
	return nil
}

// processFrames splits the payload into fixed-size frames. Invalid frames
// and attachments whose name does not carry device and epoch are skipped
// without affecting the mail's outcome.
func (p *Poller) processFrames(ctx context.Context, uid uint32, part attachment, out *Outcome) {
	deviceID, epoch, ok := frame.ParseFilename(part.Name)
	if !ok {
		p.logger.Debug("ignoring attachment", "uid", uid, "attachment", part.Name)
		return
	}

	r := bytes.NewReader(part.Content)
	buf := make([]byte, frame.Size)
	for idx := 0; ; idx++ {
		n, err := io.ReadFull(r, buf)
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return
		}

		sample, decodeErr := frame.Decode(buf[:n], deviceID, epoch)
		if decodeErr != nil {
			out.InvalidFrames++
			p.events.EmitEvent(stats.Event{Stage: stats.StagePoll, Type: stats.EventTypeInvalidFrame, UID: uid, Detail: part.Name})
			p.logger.Debug("skipping invalid frame", "uid", uid, "attachment", part.Name, "frame", idx, "err", decodeErr)
		} else {
			p.deliver(ctx, p.mapper.FromSample(sample), out)
		}

		if err != nil {
			// short tail
			return
		}
	}
}

func (p *Poller) deliver(ctx context.Context, report model.MovementReport, out *Outcome) {
	receipt := p.dispatcher.Deliver(ctx, report)
	evt := stats.Event{Stage: stats.StageDispatch, DeviceID: report.DeviceID(), Detail: receipt.ID}
	switch {
	case receipt.Duplicate:
		out.Duplicates++
		evt.Type = stats.EventTypeDuplicate
	case receipt.Cached:
		out.Cached++
		evt.Type = stats.EventTypeCached
	default:
		out.Dispatched++
		evt.Type = stats.EventTypeDispatched
	}
	p.events.EmitEvent(evt)
}
