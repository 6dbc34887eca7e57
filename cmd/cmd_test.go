package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mail-notify/config"
	"github.com/dhcgn/mail-notify/mbox"
)

const archive = `From monitor@example.com Thu Jan  1 00:00:00 2026
From: monitor@example.com
To: ops@example.com
Subject: ALERT disk full

sda at 99%

From monitor@example.com Thu Jan  1 00:05:00 2026
From: monitor@example.com
To: ops@example.com
Subject: ALERT cpu hot

load 42

From news@example.com Thu Jan  1 01:00:00 2026
From: news@example.com
To: ops@example.com
Subject: weekly digest

nothing to see

`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := &cobra.Command{Use: "mail-notify", SilenceUsage: true, SilenceErrors: true}
	require.NoError(t, config.RegisterFlags(root))
	Register(root)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestInspect(t *testing.T) {
	path := writeFile(t, "archive.mbox", archive)
	reports := filepath.Join(t.TempDir(), "reports")

	out, err := execute(t, "inspect", path, "--include-header", "Subject: ALERT", "-o", reports)
	require.NoError(t, err)

	assert.Contains(t, out, "(3 messages)")
	assert.Contains(t, out, "Matched 2 messages (skipped 1 by filters, 33.33%)")
	assert.Contains(t, out, "1. monitor@example.com (2)")
	assert.NotContains(t, out, "weekly digest")

	csv, err := os.ReadFile(filepath.Join(reports, "report_from.csv"))
	require.NoError(t, err)
	assert.Equal(t, "Value,Count\nmonitor@example.com,2\n", string(csv))
	assert.FileExists(t, filepath.Join(reports, "report_delivered_to.csv"))
}

func TestInspect_Errors(t *testing.T) {
	path := writeFile(t, "archive.mbox", archive)

	_, err := execute(t, "inspect", path, "--include-header", "a", "--exclude-body", "b")
	assert.ErrorContains(t, err, "mutually exclusive")

	_, err = execute(t, "inspect", filepath.Join(t.TempDir(), "missing.mbox"))
	assert.Error(t, err)
}

func TestSend_ToMbox(t *testing.T) {
	state := t.TempDir()
	cfg := writeFile(t, "mail.yaml", "mail:\n  store.protocol: mbox\n  mbox.path: /dev/null\n  user: bot@example.com\n  sender.alias: Notifier\n  state.dir: "+state+"\n")
	target := filepath.Join(t.TempDir(), "out.mbox")
	attachment := writeFile(t, "report.txt", "all good")

	_, err := execute(t, "send", "--config", cfg, "--mbox", target,
		"--to", "Ops <ops@example.com>, dev@example.com", "-s", "nightly", "-b", "see attachment", "-a", attachment)
	require.NoError(t, err)

	n, err := mbox.CountMessages(target)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	raw, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Subject: nightly")
	assert.Contains(t, string(raw), `"Notifier" <bot@example.com>`)
	assert.Contains(t, string(raw), "report.txt")
}

func TestSend_WithoutSMTP(t *testing.T) {
	cfg := writeFile(t, "mail.yaml", "mail:\n  store.protocol: mbox\n  mbox.path: /dev/null\n  state.dir: "+t.TempDir()+"\n")

	_, err := execute(t, "send", "--config", cfg, "--to", "ops@example.com")
	assert.ErrorContains(t, err, "sending")
}

func TestComposeMail_InvalidAddress(t *testing.T) {
	_, err := composeMail(&sendOptions{to: []string{"not an address"}})
	assert.Error(t, err)
}

func TestConfig(t *testing.T) {
	cfg := writeFile(t, "mail.yaml", `mail:
  store.protocol: mbox
  mbox.path: /var/mail/bob
  password: hunter2
  state.dir: /tmp/state
notification.enabled: "false"
`)

	out, err := execute(t, "config", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "mail.mbox.path=/var/mail/bob")
	assert.Contains(t, out, "mail.password=********")
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "mail.notification.enabled=false")
	assert.Contains(t, out, "notification enabled: false")
	assert.Contains(t, out, "configuration ok")
}

func TestConfig_Invalid(t *testing.T) {
	cfg := writeFile(t, "mail.yaml", "mail:\n  store.protocol: pop3\n")

	_, err := execute(t, "config", "--config", cfg)
	assert.ErrorContains(t, err, "unsupported mail.store.protocol")
}
