package imap

import (
	"cmp"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/siriusone-bridge/model"
)

const Inbox = "INBOX"

// TLS modes.
const (
	TLSImplicit = "tls"
	TLSStart    = "starttls"
	TLSNone     = "none"
)

var ErrNoHost = errors.New("imap host is empty")

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	TLSMode            string
	InsecureSkipVerify bool
	Subfolder          string
}

// Session is one logged-in connection with the report folder selected.
// Close must be called on every path.
type Session struct {
	client  *imapclient.Client
	folder  string
	cleanup func()
	logger  *slog.Logger
}

// Open dials, logs in and selects INBOX or its Subfolder read-write.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (*Session, error) {
	if opts.Host == "" {
		return nil, ErrNoHost
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, cleanup, err := dial(ctx, opts, logger)
	if err != nil {
		return nil, err
	}
	s := &Session{client: client, cleanup: cleanup, logger: logger}

	folder, err := s.resolveFolder(opts.Subfolder)
	if err != nil {
		s.Close()
		return nil, err
	}
	data, err := client.Select(folder, nil).Wait()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("select %s: %w", folder, err)
	}
	s.folder = folder
	logger.Debug("imap folder selected", "folder", folder, "messages", data.NumMessages)
	return s, nil
}

func dial(ctx context.Context, opts Options, logger *slog.Logger) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	options := &imapclient.Options{}

	mode := strings.ToLower(opts.TLSMode)
	if mode == "" {
		mode = TLSStart
	}
	if mode != TLSNone {
		options.TLSConfig = &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)
	switch mode {
	case TLSImplicit:
		client, err = imapclient.DialTLS(address, options)
	case TLSStart:
		client, err = imapclient.DialStartTLS(address, options)
	case TLSNone:
		client, err = imapclient.DialInsecure(address, options)
	default:
		return nil, nil, fmt.Errorf("unknown imap tls mode %q", opts.TLSMode)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(opts.Username, opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w", err)
	}

	logger.Debug("imap connection established", "address", address, "user", opts.Username, "tls", mode)

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil {
				logger.Warn("imap logout failed", "err", err)
			}
		}
		if err := client.Close(); err != nil {
			logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
}

// resolveFolder joins the subfolder to INBOX with the server's hierarchy
// delimiter.
func (s *Session) resolveFolder(subfolder string) (string, error) {
	subfolder = strings.TrimSpace(subfolder)
	if subfolder == "" {
		return Inbox, nil
	}

	list, err := s.client.List("", Inbox, nil).Collect()
	if err != nil {
		return "", fmt.Errorf("list %s: %w", Inbox, err)
	}
	delim := '/'
	if len(list) > 0 && list[0].Delim != 0 {
		delim = list[0].Delim
	}
	return Inbox + string(delim) + subfolder, nil
}

func (s *Session) Folder() string { return s.folder }

// Unseen returns every message without the \Seen flag. Bodies are fetched
// with BODY.PEEK[] so fetching does not mark them read.
func (s *Session) Unseen(ctx context.Context) ([]model.Mail, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	criteria := &imapv2.SearchCriteria{NotFlag: []imapv2.Flag{imapv2.FlagSeen}}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search unseen in %s: %w", s.folder, err)
	}
	uids := data.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	section := &imapv2.FetchItemBodySection{Peek: true}
	fetchOptions := &imapv2.FetchOptions{
		UID:         true,
		Flags:       true,
		BodySection: []*imapv2.FetchItemBodySection{section},
	}
	msgs, err := s.client.Fetch(imapv2.UIDSetNum(uids...), fetchOptions).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch unseen from %s: %w", s.folder, err)
	}

	mails := make([]model.Mail, 0, len(msgs))
	for _, msg := range msgs {
		mails = append(mails, model.Mail{
			UID:  uint32(msg.UID),
			Seen: slices.Contains(msg.Flags, imapv2.FlagSeen),
			Raw:  msg.FindBodySection(section),
		})
	}
	slices.SortFunc(mails, func(a, b model.Mail) int { return cmp.Compare(a.UID, b.UID) })
	s.logger.Debug("fetched unseen messages", "folder", s.folder, "count", len(mails))
	return mails, nil
}

// MarkSeen sets or clears \Seen on one message.
func (s *Session) MarkSeen(ctx context.Context, uid uint32, seen bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	op := imapv2.StoreFlagsDel
	if seen {
		op = imapv2.StoreFlagsAdd
	}
	store := &imapv2.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  []imapv2.Flag{imapv2.FlagSeen},
	}
	if err := s.client.Store(imapv2.UIDSetNum(imapv2.UID(uid)), store, nil).Close(); err != nil {
		return fmt.Errorf("store \\Seen=%t on uid %d: %w", seen, uid, err)
	}
	return nil
}

// Close logs out and closes the connection. Calling it twice is harmless.
func (s *Session) Close() error {
	if s.cleanup != nil {
		s.cleanup()
		s.cleanup = nil
	}
	return nil
}
