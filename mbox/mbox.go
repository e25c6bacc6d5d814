// Package mbox replays an mbox archive of operator mails as if it were the
// live mail folder.
package mbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"os"
	"strings"
	"sync"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/siriusone-bridge/model"
)

// Session holds the messages of one archive. UIDs are 1-based positions in
// the archive. Seen flags live in memory only; the archive is never
// rewritten.
type Session struct {
	path   string
	mu     sync.Mutex
	mails  []model.Mail
	logger *slog.Logger
}

// Open reads the whole archive. A message counts as seen when its Status
// header contains R.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Session, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	mails, err := read(ctx, file, logger)
	if err != nil {
		return nil, fmt.Errorf("read mbox %s: %w", path, err)
	}
	logger.Debug("mbox archive loaded", "path", path, "messages", len(mails))
	return &Session{path: path, mails: mails, logger: logger}, nil
}

func read(ctx context.Context, r io.Reader, logger *slog.Logger) ([]model.Mail, error) {
	reader := mboxlib.NewReader(r)
	var mails []model.Mail
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return mails, nil
			}
			return nil, fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			logger.Warn("skipping unreadable mbox message", "index", idx, "err", err)
			continue
		}

		mails = append(mails, model.Mail{
			UID:  uint32(len(mails) + 1),
			Seen: statusRead(raw),
			Raw:  raw,
		})
	}
}

func statusRead(raw []byte) bool {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return false
	}
	return strings.ContainsRune(msg.Header.Get("Status"), 'R')
}

func (s *Session) Path() string { return s.path }

func (s *Session) Unseen(ctx context.Context) ([]model.Mail, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Mail
	for _, m := range s.mails {
		if !m.Seen {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Session) MarkSeen(ctx context.Context, uid uint32, seen bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if uid == 0 || int(uid) > len(s.mails) {
		return fmt.Errorf("uid %d not in %s", uid, s.path)
	}
	s.mails[uid-1].Seen = seen
	return nil
}

func (s *Session) Close() error { return nil }

// Count returns the number of messages in the archive and how many of them
// are already read.
func (s *Session) Count() (total, seen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mails {
		if m.Seen {
			seen++
		}
	}
	return len(s.mails), seen
}
