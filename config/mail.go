package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	ProtocolIMAP  = "imap"
	ProtocolIMAPS = "imaps"
	ProtocolMbox  = "mbox"

	EncryptionNone     = "none"
	EncryptionStartTLS = "starttls"
	EncryptionSSL      = "ssl"

	DefaultLookupTime      = 5 * time.Second
	DefaultFetchTimeout    = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
)

// IMAPConfig holds the settings of the polled IMAP store.
type IMAPConfig struct {
	Host               string
	Port               int
	UseTLS             bool
	InsecureSkipVerify bool
	Folder             string
}

// SMTPConfig holds the settings of the outgoing transport.
type SMTPConfig struct {
	Host         string
	Port         int
	Encryption   string
	RetryCount   int
	RetryBackoff time.Duration
}

// Enabled reports whether sending is configured.
func (c SMTPConfig) Enabled() bool {
	return c.Host != ""
}

// ForwardConfig configures the built-in forward handler.
type ForwardConfig struct {
	To            []string
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// NotificationConfig holds the dispatch engine settings.
type NotificationConfig struct {
	Enabled         bool
	LookupTime      time.Duration
	FetchTimeout    time.Duration
	DispatchTimeout time.Duration
	ShutdownTimeout time.Duration
	Forward         ForwardConfig
}

// Config is the immutable mail configuration built once at startup.
type Config struct {
	Properties    Properties
	StoreProtocol string
	IMAP          IMAPConfig
	SMTP          SMTPConfig
	MboxPath      string
	User          string
	Password      string
	Sender        string
	SenderAlias   string
	StateDir      string
	Notification  NotificationConfig
}

// Build evaluates the enablement gate on raw, normalizes the keys and
// parses the result.
func Build(raw Properties, logger *slog.Logger) (Config, error) {
	enabled, err := NotificationEnabled(raw)
	if err != nil {
		return Config{}, err
	}

	if logger != nil {
		logger.Debug("appending 'mail.' prefix if missing", "keys", len(raw))
	}
	cfg, err := Parse(Normalize(raw, logger))
	if err != nil {
		return Config{}, err
	}
	cfg.Notification.Enabled = enabled
	return cfg, nil
}

// Parse converts normalized properties into a validated Config.
func Parse(props Properties) (Config, error) {
	p := parser{props: props}

	cfg := Config{
		Properties:    props,
		StoreProtocol: strings.ToLower(p.str("mail.store.protocol", ProtocolIMAPS)),
		MboxPath:      p.str("mail.mbox.path", ""),
		User:          p.str("mail.user", ""),
		Password:      p.str("mail.password", ""),
		Sender:        p.str("mail.sender", ""),
		SenderAlias:   p.str("mail.sender.alias", ""),
		StateDir:      p.str("mail.state.dir", ""),
	}

	if cfg.Password == "" {
		cfg.Password = os.Getenv("MAIL_PASSWORD")
	}

	proto := cfg.StoreProtocol
	defaultPort := 143
	if proto == ProtocolIMAPS {
		defaultPort = 993
	}
	cfg.IMAP = IMAPConfig{
		Host:               p.str("mail."+proto+".host", ""),
		Port:               p.integer("mail."+proto+".port", defaultPort),
		UseTLS:             proto == ProtocolIMAPS,
		InsecureSkipVerify: p.trust("mail." + proto + ".ssl.trust"),
		Folder:             p.str("mail.poll.folder", "INBOX"),
	}

	cfg.SMTP = SMTPConfig{
		Host:         p.str("mail.smtp.host", ""),
		Port:         p.integer("mail.smtp.port", 587),
		Encryption:   strings.ToLower(p.str("mail.smtp.encryption", EncryptionStartTLS)),
		RetryCount:   p.integer("mail.smtp.retry.count", 3),
		RetryBackoff: p.duration("mail.smtp.retry.backoff", 100*time.Millisecond),
	}

	cfg.Notification = NotificationConfig{
		Enabled:         p.boolean("mail.notification.enabled", true),
		LookupTime:      p.duration("mail.notification.lookup-time", DefaultLookupTime),
		FetchTimeout:    p.duration("mail.notification.fetch-timeout", DefaultFetchTimeout),
		DispatchTimeout: p.duration("mail.notification.dispatch-timeout", 0),
		ShutdownTimeout: p.duration("mail.notification.shutdown-timeout", DefaultShutdownTimeout),
		Forward: ForwardConfig{
			To:            p.list("mail.notification.forward.to"),
			IncludeHeader: p.list("mail.notification.forward.include-header"),
			IncludeBody:   p.list("mail.notification.forward.include-body"),
			ExcludeHeader: p.list("mail.notification.forward.exclude-header"),
			ExcludeBody:   p.list("mail.notification.forward.exclude-body"),
		},
	}

	if p.err != nil {
		return Config{}, p.err
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return Config{}, err
		}
		cfg.StateDir = dir
	}
	cfg.StateDir = filepath.Clean(cfg.StateDir)

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	switch cfg.StoreProtocol {
	case ProtocolIMAP, ProtocolIMAPS:
		if cfg.IMAP.Host == "" {
			return fmt.Errorf("mail.%s.host is required", cfg.StoreProtocol)
		}
		if cfg.IMAP.Port <= 0 || cfg.IMAP.Port > 65535 {
			return fmt.Errorf("mail.%s.port must be between 1 and 65535", cfg.StoreProtocol)
		}
		if cfg.User == "" {
			return fmt.Errorf("mail.user is required for %s", cfg.StoreProtocol)
		}
	case ProtocolMbox:
		if cfg.MboxPath == "" {
			return fmt.Errorf("mail.mbox.path is required for mbox")
		}
	default:
		return fmt.Errorf("unsupported mail.store.protocol: %s", cfg.StoreProtocol)
	}

	if cfg.SMTP.Enabled() {
		if cfg.SMTP.Port <= 0 || cfg.SMTP.Port > 65535 {
			return fmt.Errorf("mail.smtp.port must be between 1 and 65535")
		}
		switch cfg.SMTP.Encryption {
		case EncryptionNone, EncryptionStartTLS, EncryptionSSL:
		default:
			return fmt.Errorf("invalid mail.smtp.encryption: %s", cfg.SMTP.Encryption)
		}
		if cfg.Sender == "" && cfg.User == "" {
			return fmt.Errorf("mail.sender is required when mail.smtp.host is set")
		}
	}
	if cfg.SMTP.RetryCount < 0 {
		return fmt.Errorf("mail.smtp.retry.count must not be negative")
	}

	n := cfg.Notification
	if n.LookupTime <= 0 {
		return fmt.Errorf("mail.notification.lookup-time must be positive")
	}
	if n.FetchTimeout < 0 || n.DispatchTimeout < 0 || n.ShutdownTimeout < 0 {
		return fmt.Errorf("notification timeouts must not be negative")
	}
	if len(n.Forward.To) > 0 && !cfg.SMTP.Enabled() {
		return fmt.Errorf("mail.notification.forward.to requires mail.smtp.host")
	}

	return nil
}

// parser reads typed values and keeps the first error.
type parser struct {
	props Properties
	err   error
}

func (p *parser) str(key, def string) string {
	if v, ok := p.props[key]; ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (p *parser) integer(key string, def int) int {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v)
		return def
	}
	return n
}

func (p *parser) boolean(key string, def bool) bool {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v)
		return def
	}
	return b
}

// trust accepts the JavaMail style "*" as well as booleans.
func (p *parser) trust(key string) bool {
	if p.str(key, "") == "*" {
		return true
	}
	return p.boolean(key, false)
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	d, err := ParseDuration(v)
	if err != nil {
		p.fail(key, v)
		return def
	}
	return d
}

func (p *parser) list(key string) []string {
	v := p.str(key, "")
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (p *parser) fail(key, value string) {
	if p.err == nil {
		p.err = fmt.Errorf("%w: %s=%q", ErrInvalidValue, key, value)
	}
}

var isoDuration = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// ParseDuration accepts Go durations ("5s"), ISO-8601 durations ("PT5S")
// and bare integers, which are read as seconds.
func ParseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d, nil
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second, nil
	}

	m := isoDuration.FindStringSubmatch(strings.ToUpper(value))
	if m == nil || value == "P" || strings.HasSuffix(strings.ToUpper(value), "T") {
		return 0, fmt.Errorf("invalid duration %q", value)
	}

	var d time.Duration
	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute}
	for i, unit := range units {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", value, err)
		}
		d += time.Duration(n) * unit
	}
	if m[4] != "" {
		secs, err := strconv.ParseFloat(m[4], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", value, err)
		}
		d += time.Duration(secs * float64(time.Second))
	}
	return d, nil
}
