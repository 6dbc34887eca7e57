// Package mailservice composes a mail source and an outgoing transport
// behind a single interface chosen by configuration.
package mailservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dhcgn/mail-notify/config"
	"github.com/dhcgn/mail-notify/imap"
	"github.com/dhcgn/mail-notify/mbox"
	"github.com/dhcgn/mail-notify/model"
	"github.com/dhcgn/mail-notify/smtp"
	"github.com/dhcgn/mail-notify/state"
)

var ErrSendingDisabled = errors.New("sending is disabled: mail.smtp.host is not set")

// Service fetches new mail and sends mail.
type Service interface {
	FetchNew(ctx context.Context) ([]model.Mail, error)
	Send(ctx context.Context, m model.Mail) error
	Close() error
}

type Fetcher interface {
	FetchNew(ctx context.Context) ([]model.Mail, error)
	Close() error
}

type Sender interface {
	Send(ctx context.Context, m model.Mail) error
}

// Composite joins a Fetcher and an optional Sender.
type Composite struct {
	fetcher Fetcher
	sender  Sender
}

func NewComposite(fetcher Fetcher, sender Sender) *Composite {
	return &Composite{fetcher: fetcher, sender: sender}
}

func (c *Composite) FetchNew(ctx context.Context) ([]model.Mail, error) {
	if c.fetcher == nil {
		return nil, nil
	}
	return c.fetcher.FetchNew(ctx)
}

func (c *Composite) Send(ctx context.Context, m model.Mail) error {
	if c.sender == nil {
		return ErrSendingDisabled
	}
	return c.sender.Send(ctx, m)
}

func (c *Composite) CanSend() bool {
	return c.sender != nil
}

func (c *Composite) Close() error {
	if c.fetcher == nil {
		return nil
	}
	return c.fetcher.Close()
}

// New builds the fetcher selected by mail.store.protocol and, when
// mail.smtp.host is set, an SMTP sender. Seen state is persisted under
// cfg.StateDir.
func New(cfg config.Config, logger *slog.Logger) (*Composite, error) {
	if logger == nil {
		logger = slog.Default()
	}

	tracker, err := state.NewFileTracker(cfg.StateDir, trackerName(cfg))
	if err != nil {
		return nil, fmt.Errorf("open seen state: %w", err)
	}

	var fetcher Fetcher
	switch cfg.StoreProtocol {
	case config.ProtocolIMAP, config.ProtocolIMAPS:
		fetcher, err = imap.NewFetcher(imap.OptionsFromConfig(cfg), tracker, logger)
	case config.ProtocolMbox:
		fetcher, err = mbox.NewSource(cfg.MboxPath, tracker, logger)
	default:
		err = fmt.Errorf("unsupported mail.store.protocol: %s", cfg.StoreProtocol)
	}
	if err != nil {
		_ = tracker.Close()
		return nil, err
	}

	var sender Sender
	if cfg.SMTP.Enabled() {
		s, err := smtp.NewSender(smtp.OptionsFromConfig(cfg), logger)
		if err != nil {
			_ = fetcher.Close()
			return nil, err
		}
		sender = s
	}

	logger.Info("mail service ready",
		"protocol", cfg.StoreProtocol,
		"sending", sender != nil,
		"state", tracker.Path())
	return NewComposite(fetcher, sender), nil
}

// trackerName keeps seen state apart per store, so switching hosts or
// files does not suppress mail.
func trackerName(cfg config.Config) string {
	switch cfg.StoreProtocol {
	case config.ProtocolMbox:
		return "mbox-" + state.SafeName(cfg.MboxPath)
	default:
		return cfg.StoreProtocol + "-" + state.SafeName(cfg.User+"@"+cfg.IMAP.Host)
	}
}
