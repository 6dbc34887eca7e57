package smtp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/wneessen/go-mail"

	"github.com/dhcgn/mail-notify/config"
	"github.com/dhcgn/mail-notify/model"
)

var (
	ErrNoRecipients = errors.New("mail has no recipients")
	ErrNoSender     = errors.New("mail has no sender")
)

type Options struct {
	Host         string
	Port         int
	Username     string
	Password     string
	Encryption   string
	From         string
	FromAlias    string
	RetryCount   int
	RetryBackoff time.Duration
	Timeout      time.Duration
}

func OptionsFromConfig(cfg config.Config) Options {
	from := cfg.Sender
	if from == "" {
		from = cfg.User
	}
	return Options{
		Host:         cfg.SMTP.Host,
		Port:         cfg.SMTP.Port,
		Username:     cfg.User,
		Password:     cfg.Password,
		Encryption:   cfg.SMTP.Encryption,
		From:         from,
		FromAlias:    cfg.SenderAlias,
		RetryCount:   cfg.SMTP.RetryCount,
		RetryBackoff: cfg.SMTP.RetryBackoff,
	}
}

// Sender delivers mail over SMTP. Temporary failures are retried with
// exponential backoff.
type Sender struct {
	opts    Options
	logger  *slog.Logger
	deliver func(ctx context.Context, msg *mail.Msg) error
}

func NewSender(opts Options, logger *slog.Logger) (*Sender, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("smtp host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("smtp port must be positive")
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sender{opts: opts, logger: logger.With("component", "smtp")}
	s.deliver = s.dialAndSend
	return s, nil
}

func (s *Sender) Send(ctx context.Context, m model.Mail) error {
	msg, err := s.Build(m)
	if err != nil {
		return err
	}

	b := retry.NewExponential(s.opts.RetryBackoff)
	b = retry.WithCappedDuration(5*time.Second, b)
	b = retry.WithMaxRetries(uint64(max(s.opts.RetryCount, 0)), b)

	attempt := 0
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := s.deliver(ctx, msg)
		if err == nil {
			return nil
		}
		if !temporary(err) {
			return err
		}
		s.logger.Warn("smtp send failed, retrying", "attempt", attempt, "subject", m.Subject, "err", err)
		return retry.RetryableError(err)
	})
	if err != nil {
		return fmt.Errorf("send mail %q: %w", m.Subject, err)
	}

	s.logger.Debug("mail sent", "subject", m.Subject, "to", model.Addresses(m.To), "attempts", attempt)
	return nil
}

// temporary reports whether a delivery error may succeed on retry. Errors
// go-mail classifies as permanent are not retried.
func temporary(err error) bool {
	var sendErr *mail.SendError
	if errors.As(err, &sendErr) {
		return sendErr.IsTemp()
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Build converts m into a go-mail message using the configured sender.
func (s *Sender) Build(m model.Mail) (*mail.Msg, error) {
	return Build(m, model.Address{Name: s.opts.FromAlias, Address: s.opts.From})
}

// Render returns the RFC 5322 form of m as the sender would send it.
func (s *Sender) Render(m model.Mail) ([]byte, error) {
	return Render(m, model.Address{Name: s.opts.FromAlias, Address: s.opts.From})
}

// Build converts m into a go-mail message. A mail without From uses
// defaultFrom.
func Build(m model.Mail, defaultFrom model.Address) (*mail.Msg, error) {
	if len(m.To)+len(m.Cc)+len(m.Bcc) == 0 {
		return nil, ErrNoRecipients
	}

	msg := mail.NewMsg()

	from := m.Sender()
	if from.Address == "" {
		from = defaultFrom
	}
	if from.Address == "" {
		return nil, ErrNoSender
	}
	if err := msg.FromFormat(from.Name, from.Address); err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}

	for _, a := range m.To {
		if err := msg.AddToFormat(a.Name, a.Address); err != nil {
			return nil, fmt.Errorf("invalid recipient %q: %w", a.Address, err)
		}
	}
	for _, a := range m.Cc {
		if err := msg.AddCcFormat(a.Name, a.Address); err != nil {
			return nil, fmt.Errorf("invalid cc %q: %w", a.Address, err)
		}
	}
	for _, a := range m.Bcc {
		if err := msg.AddBccFormat(a.Name, a.Address); err != nil {
			return nil, fmt.Errorf("invalid bcc %q: %w", a.Address, err)
		}
	}

	msg.Subject(m.Subject)
	if m.ID != "" {
		msg.SetMessageIDWithValue(m.ID)
	} else {
		msg.SetMessageID()
	}
	if m.Date.IsZero() {
		msg.SetDate()
	} else {
		msg.SetDateWithValue(m.Date)
	}

	switch {
	case m.TextBody != "" && m.HTMLBody != "":
		msg.SetBodyString(mail.TypeTextPlain, m.TextBody)
		msg.AddAlternativeString(mail.TypeTextHTML, m.HTMLBody)
	case m.HTMLBody != "":
		msg.SetBodyString(mail.TypeTextHTML, m.HTMLBody)
	default:
		msg.SetBodyString(mail.TypeTextPlain, m.TextBody)
	}

	for _, att := range m.Attachments {
		var opts []mail.FileOption
		if att.ContentType != "" {
			opts = append(opts, mail.WithFileContentType(mail.ContentType(att.ContentType)))
		}
		if err := msg.AttachReader(att.Filename, bytes.NewReader(att.Data), opts...); err != nil {
			return nil, fmt.Errorf("attach %q: %w", att.Filename, err)
		}
	}

	return msg, nil
}

// Render returns the RFC 5322 form of m.
func Render(m model.Mail, defaultFrom model.Address) ([]byte, error) {
	msg, err := Build(m, defaultFrom)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := msg.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("render mail: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *Sender) dialAndSend(ctx context.Context, msg *mail.Msg) error {
	c, err := mail.NewClient(s.opts.Host, s.clientOptions()...)
	if err != nil {
		return fmt.Errorf("failed to create mail client: %w", err)
	}
	return c.DialAndSendWithContext(ctx, msg)
}

func (s *Sender) clientOptions() []mail.Option {
	opts := []mail.Option{
		mail.WithPort(s.opts.Port),
		mail.WithTLSPolicy(tlsPolicyFromEncryption(s.opts.Encryption)),
	}
	if s.opts.Encryption == config.EncryptionSSL {
		opts = append(opts, mail.WithSSL())
	}
	if s.opts.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.opts.Username),
			mail.WithPassword(s.opts.Password),
		)
	}
	if s.opts.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(s.opts.Timeout))
	}
	return opts
}

// tlsPolicyFromEncryption converts the encryption setting to a go-mail TLSPolicy.
func tlsPolicyFromEncryption(enc string) mail.TLSPolicy {
	switch enc {
	case config.EncryptionSSL:
		return mail.TLSMandatory
	case config.EncryptionStartTLS:
		return mail.TLSOpportunistic
	default:
		return mail.NoTLS
	}
}
