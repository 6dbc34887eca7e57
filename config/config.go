package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// Options captures the command-line options of the daemon. Mail settings
// live in the config file and are described by Config.
type Options struct {
	ConfigFile string
	Prefix     string
	LogLevel   string
	LogDir     string
	AdminAddr  string
	Once       bool
}

// RegisterFlags attaches the persistent CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	flags := cmd.PersistentFlags()
	flags.String("config", "", "Path to the mail configuration file (yaml, json, toml or properties)")
	flags.String("prefix", "", "Key prefix of the mail settings inside the config file, e.g. notifier.mail")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for rotated log files (stdout only when empty)")
	flags.String("admin-addr", "", "Listen address of the admin HTTP server, e.g. :9464 (disabled when empty)")
	cmd.Flags().Bool("once", false, "Poll the mailbox once, dispatch and exit")

	return cmd.MarkPersistentFlagFilename("config", "yaml", "yml", "json", "toml", "properties")
}

// LoadOptions converts the parsed Cobra flags into Options with validation.
func LoadOptions(cmd *cobra.Command) (Options, error) {
	flags := cmd.Flags()

	configFile, err := flags.GetString("config")
	if err != nil {
		return Options{}, err
	}
	prefix, err := flags.GetString("prefix")
	if err != nil {
		return Options{}, err
	}
	logLevel, err := flags.GetString("log-level")
	if err != nil {
		return Options{}, err
	}
	logDir, err := flags.GetString("log-dir")
	if err != nil {
		return Options{}, err
	}
	adminAddr, err := flags.GetString("admin-addr")
	if err != nil {
		return Options{}, err
	}

	var once bool
	if flags.Lookup("once") != nil {
		once, err = flags.GetBool("once")
		if err != nil {
			return Options{}, err
		}
	}

	logLevel = strings.ToLower(logLevel)
	if logLevel == "warning" {
		logLevel = "warn"
	}

	opts := Options{
		ConfigFile: configFile,
		Prefix:     strings.Trim(prefix, "."),
		LogLevel:   logLevel,
		LogDir:     logDir,
		AdminAddr:  adminAddr,
		Once:       once,
	}
	if opts.LogDir != "" {
		opts.LogDir = filepath.Clean(opts.LogDir)
	}

	if err := validateOptions(opts); err != nil {
		return Options{}, err
	}

	return opts, nil
}

func validateOptions(opts Options) error {
	if opts.ConfigFile == "" {
		return fmt.Errorf("--config is required")
	}
	if _, err := os.Stat(opts.ConfigFile); err != nil {
		return fmt.Errorf("--config: %w", err)
	}

	switch opts.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", opts.LogLevel)
	}

	return nil
}

// FromOptions loads the config file named by opts and builds the mail
// configuration from it.
func FromOptions(opts Options, logger *slog.Logger) (Config, error) {
	raw, err := Load(opts.ConfigFile, opts.Prefix)
	if err != nil {
		return Config{}, err
	}
	return Build(raw, logger)
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mail-notify", "state"), nil
}
