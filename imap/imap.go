package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mail-notify/config"
	"github.com/dhcgn/mail-notify/model"
	"github.com/dhcgn/mail-notify/parse"
	"github.com/dhcgn/mail-notify/state"
)

var ErrMissingCredentials = errors.New("imap username is empty")

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Folder             string
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Host:               cfg.IMAP.Host,
		Port:               cfg.IMAP.Port,
		Username:           cfg.User,
		Password:           cfg.Password,
		UseTLS:             cfg.IMAP.UseTLS,
		InsecureSkipVerify: cfg.IMAP.InsecureSkipVerify,
		Folder:             cfg.IMAP.Folder,
	}
}

// Fetcher polls one IMAP folder for unseen messages. Each FetchNew opens a
// session, returns the unseen messages and flags them \Seen.
type Fetcher struct {
	opts    Options
	tracker state.Tracker
	logger  *slog.Logger
}

func NewFetcher(opts Options, tracker state.Tracker, logger *slog.Logger) (*Fetcher, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if opts.Username == "" {
		return nil, ErrMissingCredentials
	}
	if tracker == nil {
		return nil, fmt.Errorf("tracker must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{opts: opts, tracker: tracker, logger: logger.With("component", "imap")}, nil
}

func (f *Fetcher) FetchNew(ctx context.Context) ([]model.Mail, error) {
	client, cleanup, err := f.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	folder := f.folder()
	selected, err := client.Select(folder, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", folder, err)
	}

	search, err := client.UIDSearch(&imapv2.SearchCriteria{
		NotFlag: []imapv2.Flag{imapv2.FlagSeen},
	}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search unseen in %s: %w", folder, err)
	}

	var uids []imapv2.UID
	for _, uid := range search.AllUIDs() {
		if !f.tracker.Seen(f.key(selected.UIDValidity, uid)) {
			uids = append(uids, uid)
		}
	}
	if len(uids) == 0 {
		f.logger.Debug("no unseen mail", "folder", folder, "messages", selected.NumMessages)
		return nil, nil
	}

	section := &imapv2.FetchItemBodySection{Peek: true}
	msgs, err := client.Fetch(imapv2.UIDSetNum(uids...), &imapv2.FetchOptions{
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch %d messages: %w", len(uids), err)
	}

	// claim in order; on a tracker failure the rest stays unseen for the next poll
	out := make([]model.Mail, 0, len(msgs))
	claimed := make([]imapv2.UID, 0, len(msgs))
	var markErr error
	for _, msg := range msgs {
		raw := msg.FindBodySection(section)
		m, parseErr := parse.Mail(raw)
		if parseErr != nil {
			f.logger.Warn("skipping unparsable imap message", "uid", msg.UID, "err", parseErr)
		}
		if err := f.tracker.MarkSeen(f.key(selected.UIDValidity, msg.UID), m.ID); err != nil {
			markErr = fmt.Errorf("mark uid %d seen: %w", msg.UID, err)
			break
		}
		claimed = append(claimed, msg.UID)
		if parseErr == nil {
			m.UID = strconv.FormatUint(uint64(msg.UID), 10)
			out = append(out, m)
		}
	}

	if len(claimed) > 0 {
		err = client.Store(imapv2.UIDSetNum(claimed...), &imapv2.StoreFlags{
			Op:     imapv2.StoreFlagsAdd,
			Silent: true,
			Flags:  []imapv2.Flag{imapv2.FlagSeen},
		}, nil).Close()
		if err != nil {
			// the tracker still prevents a second delivery
			f.logger.Warn("flag messages seen failed", "folder", folder, "count", len(claimed), "err", err)
		}
	}

	f.logger.Debug("fetched unseen mail", "folder", folder, "count", len(out))
	return out, markErr
}

func (f *Fetcher) Close() error {
	return f.tracker.Close()
}

func (f *Fetcher) key(validity uint32, uid imapv2.UID) string {
	return fmt.Sprintf("%s/%d/%d", f.folder(), validity, uid)
}

func (f *Fetcher) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(f.opts.Host, strconv.Itoa(f.opts.Port))
	options := &imapclient.Options{}

	if f.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         f.opts.Host,
			InsecureSkipVerify: f.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if f.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	// unblocks pending commands when the poll times out
	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	if err := client.Login(f.opts.Username, f.opts.Password).Wait(); err != nil {
		stopClose()
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w", err)
	}

	f.logger.Debug("imap connection established", "address", address, "user", f.opts.Username, "folder", f.folder(), "tls", f.opts.UseTLS)

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil {
				f.logger.Warn("imap logout failed", "err", err)
			}
		}
		if err := client.Close(); err != nil {
			f.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
}

func (f *Fetcher) folder() string {
	if f.opts.Folder == "" {
		return "INBOX"
	}
	return f.opts.Folder
}
