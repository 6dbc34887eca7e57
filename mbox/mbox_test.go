package mbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mail-notify/state"
)

const fixture = `From alice@example.com Thu Jan  1 00:00:00 2026
Message-ID: <one@example.com>
From: Alice <alice@example.com>
To: bob@example.com
Subject: first

hello bob

From carol@example.com Thu Jan  1 00:01:00 2026
Message-ID: <two@example.com>
From: carol@example.com
To: bob@example.com
Subject: second

>From the archive
second body

`

func writeMbox(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inbox.mbox")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestSource_FetchNewReturnsUnseenOnce(t *testing.T) {
	path := writeMbox(t, fixture)
	src, err := NewSource(path, state.NewMemoryTracker(), nil)
	require.NoError(t, err)

	mails, err := src.FetchNew(context.Background())
	require.NoError(t, err)
	require.Len(t, mails, 2)
	assert.Equal(t, "one@example.com", mails[0].ID)
	assert.Equal(t, "first", mails[0].Subject)
	assert.Equal(t, "0", mails[0].UID)
	assert.Equal(t, "two@example.com", mails[1].ID)
	assert.NotEmpty(t, mails[1].Hash)

	again, err := src.FetchNew(context.Background())
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestSource_PicksUpAppendedMail(t *testing.T) {
	path := writeMbox(t, fixture)
	src, err := NewSource(path, state.NewMemoryTracker(), nil)
	require.NoError(t, err)

	_, err = src.FetchNew(context.Background())
	require.NoError(t, err)

	raw := "Message-ID: <three@example.com>\r\nFrom: dave@example.com\r\nSubject: third\r\n\r\nlate arrival\r\n"
	require.NoError(t, Append(path, "dave@example.com", []byte(raw)))

	mails, err := src.FetchNew(context.Background())
	require.NoError(t, err)
	require.Len(t, mails, 1)
	assert.Equal(t, "three@example.com", mails[0].ID)
	assert.Contains(t, mails[0].TextBody, "late arrival")
}

func TestSource_PersistentTrackerSurvivesRestart(t *testing.T) {
	path := writeMbox(t, fixture)
	stateDir := t.TempDir()

	tracker, err := state.NewFileTracker(stateDir, "mbox")
	require.NoError(t, err)
	src, err := NewSource(path, tracker, nil)
	require.NoError(t, err)
	mails, err := src.FetchNew(context.Background())
	require.NoError(t, err)
	require.Len(t, mails, 2)
	require.NoError(t, src.Close())

	tracker, err = state.NewFileTracker(stateDir, "mbox")
	require.NoError(t, err)
	src, err = NewSource(path, tracker, nil)
	require.NoError(t, err)
	defer src.Close()

	mails, err = src.FetchNew(context.Background())
	require.NoError(t, err)
	assert.Empty(t, mails)
}

func TestSource_MissingFileIsEmpty(t *testing.T) {
	src, err := NewSource(filepath.Join(t.TempDir(), "absent.mbox"), state.NewMemoryTracker(), nil)
	require.NoError(t, err)

	mails, err := src.FetchNew(context.Background())
	require.NoError(t, err)
	assert.Empty(t, mails)
}

func TestSource_CancelledContext(t *testing.T) {
	src, err := NewSource(writeMbox(t, fixture), state.NewMemoryTracker(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.FetchNew(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	// an aborted read claims nothing
	mails, err := src.FetchNew(context.Background())
	require.NoError(t, err)
	assert.Len(t, mails, 2)
}

// failingTracker fails the nth MarkSeen call once.
type failingTracker struct {
	*state.MemoryTracker
	failOn int
	calls  int
}

func (f *failingTracker) MarkSeen(key, messageID string) error {
	f.calls++
	if f.calls == f.failOn {
		return errors.New("disk full")
	}
	return f.MemoryTracker.MarkSeen(key, messageID)
}

func TestSource_MarkFailureKeepsRemainingMail(t *testing.T) {
	src, err := NewSource(writeMbox(t, fixture), &failingTracker{MemoryTracker: state.NewMemoryTracker(), failOn: 2}, nil)
	require.NoError(t, err)

	mails, err := src.FetchNew(context.Background())
	require.ErrorContains(t, err, "disk full")
	require.Len(t, mails, 1)
	assert.Equal(t, "one@example.com", mails[0].ID)

	mails, err = src.FetchNew(context.Background())
	require.NoError(t, err)
	require.Len(t, mails, 1)
	assert.Equal(t, "two@example.com", mails[0].ID)
}

func TestSource_IdenticalCopiesAreDeliveredEach(t *testing.T) {
	msg := "From alice@example.com Thu Jan  1 00:00:00 2026\nFrom: alice@example.com\nTo: bob@example.com\nSubject: ping\n\nping\n\n"
	path := writeMbox(t, msg+msg)
	src, err := NewSource(path, state.NewMemoryTracker(), nil)
	require.NoError(t, err)

	mails, err := src.FetchNew(context.Background())
	require.NoError(t, err)
	require.Len(t, mails, 2)
	assert.Equal(t, "0", mails[0].UID)
	assert.Equal(t, "1", mails[1].UID)

	mails, err = src.FetchNew(context.Background())
	require.NoError(t, err)
	assert.Empty(t, mails)
}

func TestNewSource_Validation(t *testing.T) {
	_, err := NewSource("  ", state.NewMemoryTracker(), nil)
	assert.Error(t, err)

	_, err = NewSource("inbox.mbox", nil, nil)
	assert.Error(t, err)
}

func TestRead(t *testing.T) {
	path := writeMbox(t, fixture)

	var subjects []string
	err := Read(path, func(m *MboxMessage) error {
		subjects = append(subjects, m.Headers.Get("Subject"))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, subjects)
}

func TestCountMessages(t *testing.T) {
	n, err := CountMessages(writeMbox(t, fixture))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = CountMessages(filepath.Join(t.TempDir(), "absent.mbox"))
	assert.Error(t, err)
}
