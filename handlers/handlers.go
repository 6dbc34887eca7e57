// Package handlers provides the built-in consumers and message handlers the
// daemon registers from configuration.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/mail-notify/config"
	"github.com/dhcgn/mail-notify/filter"
	"github.com/dhcgn/mail-notify/model"
	"github.com/dhcgn/mail-notify/notification"
)

// Log returns a consumer that logs a one-line summary of every mail.
func Log(logger *slog.Logger) notification.Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return func(_ context.Context, m model.Mail) error {
		logger.Info("mail received",
			"messageID", m.Key(),
			"from", m.Sender().String(),
			"subject", m.Subject,
			"attachments", len(m.Attachments))
		return nil
	}
}

// Sender is the outgoing side of a mail service.
type Sender interface {
	Send(ctx context.Context, m model.Mail) error
}

// Forward re-sends accepted mail to a fixed list of recipients. Mail that
// fails the configured filter is left to later handlers.
type Forward struct {
	to     []model.Address
	filter *filter.Filter
	sender Sender
	logger *slog.Logger
}

func NewForward(cfg config.ForwardConfig, sender Sender, logger *slog.Logger) (*Forward, error) {
	if sender == nil {
		return nil, errors.New("forward: sender is required")
	}
	if len(cfg.To) == 0 {
		return nil, errors.New("forward: no recipients")
	}

	to := make([]model.Address, 0, len(cfg.To))
	for _, raw := range cfg.To {
		addr, err := mail.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("forward recipient %q: %w", raw, err)
		}
		to = append(to, model.Address{Name: addr.Name, Address: addr.Address})
	}

	f, err := filter.New(filter.OptionsFromConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("forward filter: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Forward{to: to, filter: f, sender: sender, logger: logger.With("handler", "forward")}, nil
}

func (f *Forward) Accepts(m model.Mail) bool {
	return f.filter.AllowsMail(m)
}

func (f *Forward) Handle(ctx context.Context, m model.Mail) (notification.Outcome, error) {
	if err := f.sender.Send(ctx, f.build(m)); err != nil {
		return notification.NotHandled, fmt.Errorf("forward %s: %w", m.Key(), err)
	}
	f.logger.Info("mail forwarded", "messageID", m.Key(), "to", model.Addresses(f.to))
	return notification.Handled, nil
}

func (f *Forward) build(m model.Mail) model.Mail {
	var b strings.Builder
	b.WriteString("---------- Forwarded message ---------\n")
	fmt.Fprintf(&b, "From: %s\n", model.Addresses(m.From))
	if !m.Date.IsZero() {
		fmt.Fprintf(&b, "Date: %s\n", m.Date.Format(time.RFC1123Z))
	}
	fmt.Fprintf(&b, "Subject: %s\n", m.Subject)
	fmt.Fprintf(&b, "To: %s\n\n", model.Addresses(m.To))
	b.WriteString(m.TextBody)

	subject := m.Subject
	if !strings.HasPrefix(strings.ToLower(subject), "fwd:") {
		subject = "Fwd: " + subject
	}

	return model.Mail{
		To:          f.to,
		Subject:     subject,
		TextBody:    b.String(),
		HTMLBody:    m.HTMLBody,
		Attachments: m.Attachments,
	}
}
