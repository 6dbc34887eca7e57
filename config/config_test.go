package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test", RunE: func(*cobra.Command, []string) error { return nil }}
	require.NoError(t, RegisterFlags(cmd))
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mail.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadOptions(t *testing.T) {
	path := writeConfig(t, "mail:\n  user: bob\n")
	cmd := newCommand(t, "--config", path, "--prefix", ".notifier.", "--log-level", "WARNING", "--log-dir", "logs/", "--once")

	opts, err := LoadOptions(cmd)
	require.NoError(t, err)
	assert.Equal(t, path, opts.ConfigFile)
	assert.Equal(t, "notifier", opts.Prefix)
	assert.Equal(t, "warn", opts.LogLevel)
	assert.Equal(t, "logs", opts.LogDir)
	assert.True(t, opts.Once)
	assert.Empty(t, opts.AdminAddr)
}

func TestLoadOptions_Errors(t *testing.T) {
	_, err := LoadOptions(newCommand(t))
	assert.ErrorContains(t, err, "--config is required")

	_, err = LoadOptions(newCommand(t, "--config", filepath.Join(t.TempDir(), "nope.yaml")))
	assert.ErrorContains(t, err, "--config")

	path := writeConfig(t, "mail:\n  user: bob\n")
	_, err = LoadOptions(newCommand(t, "--config", path, "--log-level", "verbose"))
	assert.ErrorContains(t, err, "invalid --log-level")
}

func TestFromOptions(t *testing.T) {
	state := t.TempDir()
	path := writeConfig(t, `app:
  user: bob
  password: secret
  store.protocol: mbox
  mbox.path: /var/mail/bob
  state.dir: `+state+`
  notification.enabled: "false"
`)

	cfg, err := FromOptions(Options{ConfigFile: path, Prefix: "app"}, nil)
	require.NoError(t, err)
	assert.Equal(t, ProtocolMbox, cfg.StoreProtocol)
	assert.Equal(t, "/var/mail/bob", cfg.MboxPath)
	assert.Equal(t, "bob", cfg.Properties["mail.user"])
	assert.False(t, cfg.Notification.Enabled)
}
