package config

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// KeyPrefix is the canonical prefix carried by every normalized key.
const KeyPrefix = "mail."

const keyDelimiter = "::"

var (
	ErrConfigFileMissing = errors.New("config file path is empty")
	ErrInvalidValue      = errors.New("invalid configuration value")
)

// Properties is a flat key/value view of the mail settings.
type Properties map[string]string

// Keys returns the keys in lexical order.
func (p Properties) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Normalize returns a copy of props where every key carries the "mail."
// prefix. Keys that already have it are kept as is. When both "k" and
// "mail.k" are present the explicitly prefixed key wins.
func Normalize(props Properties, logger *slog.Logger) Properties {
	fixed := make(Properties, len(props))
	for _, key := range props.Keys() {
		value := props[key]
		if strings.HasPrefix(key, KeyPrefix) {
			if logger != nil {
				logger.Debug("config key already prefixed", "key", key)
			}
			fixed[key] = value
			continue
		}

		fixedKey := KeyPrefix + key
		if _, explicit := props[fixedKey]; explicit {
			if logger != nil {
				logger.Debug("config key shadowed by prefixed key", "key", key, "prefixedKey", fixedKey)
			}
			continue
		}
		if logger != nil {
			logger.Debug("config key prefixed", "key", key, "fixedKey", fixedKey)
		}
		fixed[fixedKey] = value
	}
	return fixed
}

// NotificationEnabled evaluates the enablement gate on the raw (not yet
// normalized) properties. Both the current "mail.notification.enabled" and
// the legacy "notification.enabled" spelling are honoured; every spelling
// that is present must be true. Absent keys mean enabled.
func NotificationEnabled(raw Properties) (bool, error) {
	enabled := true
	for _, key := range []string{"notification.enabled", "mail.notification.enabled"} {
		value, ok := raw[key]
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return false, fmt.Errorf("%w: %s=%q", ErrInvalidValue, key, value)
		}
		enabled = enabled && b
	}
	return enabled, nil
}

// EnvKeys are the settings that can be given through MAIL_* environment
// variables even when the config file does not mention them.
var EnvKeys = []string{
	"store.protocol",
	"imap.host", "imap.port",
	"imaps.host", "imaps.port", "imaps.ssl.trust",
	"smtp.host", "smtp.port", "smtp.encryption", "smtp.retry.count", "smtp.retry.backoff",
	"user", "password", "sender", "sender.alias",
	"poll.folder", "mbox.path", "state.dir",
	"notification.enabled", "notification.lookup-time", "notification.fetch-timeout",
	"notification.dispatch-timeout", "notification.shutdown-timeout",
	"notification.forward.to",
	"notification.forward.include-header", "notification.forward.include-body",
	"notification.forward.exclude-header", "notification.forward.exclude-body",
}

// Load reads a configuration file with viper and returns the settings found
// under prefix with the prefix stripped. An empty prefix keeps every key.
// Keys present in the file can be overridden by the environment variable
// derived from their full path, e.g. NOTIFIER_USER for notifier.user. Every
// key in EnvKeys can also be set as MAIL_<KEY>, e.g. MAIL_SMTP_HOST for
// mail.smtp.host, which wins over the file.
func Load(path, prefix string) (Properties, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrConfigFileMissing
	}

	// Dotted keys such as "mail.sender" and "mail.sender.alias" must not be
	// split into nested maps, so nesting uses a delimiter that never occurs
	// in property names.
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	v.SetConfigFile(path)
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelimiter, "_", ".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	prefix = strings.Trim(strings.ToLower(prefix), ".")
	props := make(Properties)
	for _, key := range v.AllKeys() {
		name := strings.ReplaceAll(key, keyDelimiter, ".")
		if prefix != "" {
			if !strings.HasPrefix(name, prefix+".") {
				continue
			}
			name = strings.TrimPrefix(name, prefix+".")
		}
		props[name] = v.GetString(key)
	}

	env, err := envProperties()
	if err != nil {
		return nil, err
	}
	for key, value := range env {
		// drop the unprefixed spelling so Normalize cannot shadow the env value
		delete(props, strings.TrimPrefix(key, KeyPrefix))
		props[key] = value
	}

	return props, nil
}

// envProperties returns the MAIL_* variables bound to EnvKeys that are set.
func envProperties() (Properties, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	replacer := strings.NewReplacer(".", "_", "-", "_")

	props := make(Properties)
	for _, k := range EnvKeys {
		key := KeyPrefix + k
		if err := v.BindEnv(key, strings.ToUpper(replacer.Replace(key))); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", key, err)
		}
		if v.IsSet(key) {
			props[key] = v.GetString(key)
		}
	}
	return props, nil
}
