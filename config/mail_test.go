package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func imapProps() Properties {
	return Properties{
		"mail.store.protocol": "imaps",
		"mail.imaps.host":     "imap.example.com",
		"mail.user":           "bob",
		"mail.password":       "secret",
		"mail.state.dir":      "/tmp/mail-notify-state",
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse(imapProps())
	require.NoError(t, err)

	assert.Equal(t, ProtocolIMAPS, cfg.StoreProtocol)
	assert.Equal(t, "imap.example.com", cfg.IMAP.Host)
	assert.Equal(t, 993, cfg.IMAP.Port)
	assert.True(t, cfg.IMAP.UseTLS)
	assert.False(t, cfg.IMAP.InsecureSkipVerify)
	assert.Equal(t, "INBOX", cfg.IMAP.Folder)
	assert.False(t, cfg.SMTP.Enabled())
	assert.True(t, cfg.Notification.Enabled)
	assert.Equal(t, DefaultLookupTime, cfg.Notification.LookupTime)
	assert.Equal(t, DefaultFetchTimeout, cfg.Notification.FetchTimeout)
	assert.Zero(t, cfg.Notification.DispatchTimeout)
	assert.Equal(t, "/tmp/mail-notify-state", cfg.StateDir)
}

func TestParse_FullIMAPAndSMTP(t *testing.T) {
	props := imapProps()
	props["mail.store.protocol"] = "imap"
	props["mail.imap.host"] = "imap.local"
	props["mail.imap.port"] = "1143"
	props["mail.imap.ssl.trust"] = "*"
	props["mail.poll.folder"] = "Alerts"
	props["mail.smtp.host"] = "smtp.local"
	props["mail.smtp.port"] = "2525"
	props["mail.smtp.encryption"] = "none"
	props["mail.sender"] = "noreply@example.com"
	props["mail.sender.alias"] = "Notifier"
	props["mail.notification.lookup-time"] = "PT1M30S"
	props["mail.notification.dispatch-timeout"] = "2s"
	props["mail.notification.forward.to"] = "ops@example.com, dev@example.com"
	props["mail.notification.forward.include-header"] = "Subject: .*ALERT"

	cfg, err := Parse(props)
	require.NoError(t, err)

	assert.Equal(t, IMAPConfig{Host: "imap.local", Port: 1143, UseTLS: false, InsecureSkipVerify: true, Folder: "Alerts"}, cfg.IMAP)
	assert.Equal(t, "smtp.local", cfg.SMTP.Host)
	assert.Equal(t, 2525, cfg.SMTP.Port)
	assert.Equal(t, EncryptionNone, cfg.SMTP.Encryption)
	assert.Equal(t, "Notifier", cfg.SenderAlias)
	assert.Equal(t, 90*time.Second, cfg.Notification.LookupTime)
	assert.Equal(t, 2*time.Second, cfg.Notification.DispatchTimeout)
	assert.Equal(t, []string{"ops@example.com", "dev@example.com"}, cfg.Notification.Forward.To)
	assert.Equal(t, []string{"Subject: .*ALERT"}, cfg.Notification.Forward.IncludeHeader)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(Properties)
	}{
		{"unknown protocol", func(p Properties) { p["mail.store.protocol"] = "pop3" }},
		{"missing imap host", func(p Properties) { delete(p, "mail.imaps.host") }},
		{"missing user", func(p Properties) { delete(p, "mail.user") }},
		{"bad port", func(p Properties) { p["mail.imaps.port"] = "abc" }},
		{"port out of range", func(p Properties) { p["mail.imaps.port"] = "70000" }},
		{"bad lookup time", func(p Properties) { p["mail.notification.lookup-time"] = "soon" }},
		{"zero lookup time", func(p Properties) { p["mail.notification.lookup-time"] = "0s" }},
		{"bad encryption", func(p Properties) {
			p["mail.smtp.host"] = "smtp.local"
			p["mail.smtp.encryption"] = "rot13"
		}},
		{"forward without smtp", func(p Properties) { p["mail.notification.forward.to"] = "ops@example.com" }},
		{"mbox without path", func(p Properties) { p["mail.store.protocol"] = "mbox" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			props := imapProps()
			tt.mutate(props)
			_, err := Parse(props)
			assert.Error(t, err)
		})
	}
}

func TestBuild_NormalizesAndGates(t *testing.T) {
	raw := Properties{
		"store.protocol":       "mbox",
		"mbox.path":            "/var/mail/bob",
		"state.dir":            "/tmp/state",
		"notification.enabled": "false",
	}

	cfg, err := Build(raw, nil)
	require.NoError(t, err)
	assert.Equal(t, ProtocolMbox, cfg.StoreProtocol)
	assert.Equal(t, "/var/mail/bob", cfg.MboxPath)
	assert.False(t, cfg.Notification.Enabled)
	assert.Contains(t, cfg.Properties, "mail.mbox.path")
}

func TestBuild_InvalidGate(t *testing.T) {
	_, err := Build(Properties{"mail.notification.enabled": "nope"}, nil)
	require.ErrorIs(t, err, ErrInvalidValue)
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"5s", 5 * time.Second, false},
		{"250ms", 250 * time.Millisecond, false},
		{"10", 10 * time.Second, false},
		{"PT5S", 5 * time.Second, false},
		{"pt2m", 2 * time.Minute, false},
		{"PT1H30M", 90 * time.Minute, false},
		{"P1D", 24 * time.Hour, false},
		{"PT0.5S", 500 * time.Millisecond, false},
		{"P", 0, true},
		{"PT", 0, true},
		{"later", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
