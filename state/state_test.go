package state

import (
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTracker(t *testing.T) {
	tr := NewMemoryTracker()

	assert.False(t, tr.Seen("a"))
	require.NoError(t, tr.MarkSeen("a", "id-a"))
	assert.True(t, tr.Seen("a"))

	require.NoError(t, tr.MarkSeen("", "ignored"))
	assert.False(t, tr.Seen(""))
	assert.Equal(t, Snapshot{Seen: 1}, tr.Snapshot())
}

func TestMemoryTracker_Concurrent(t *testing.T) {
	tr := NewMemoryTracker()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = tr.MarkSeen(fmt.Sprintf("k-%d", i%10), "")
			_ = tr.Seen("k-1")
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 10, tr.Snapshot().Seen)
}

func TestFileTracker_PersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()

	first, err := NewFileTracker(dir, "imap")
	require.NoError(t, err)
	require.NoError(t, first.MarkSeen("42:1", "m1"))
	require.NoError(t, first.MarkSeen("42:2", "m2"))
	require.NoError(t, first.MarkSeen("42:1", "m1"))
	require.NoError(t, first.Close())

	data, err := os.ReadFile(first.Path())
	require.NoError(t, err)
	assert.Equal(t, 2, countLines(data))

	second, err := NewFileTracker(dir, "imap")
	require.NoError(t, err)
	defer second.Close()

	assert.True(t, second.Seen("42:1"))
	assert.True(t, second.Seen("42:2"))
	assert.False(t, second.Seen("42:3"))
	assert.Equal(t, 2, second.Snapshot().Seen)
}

func TestFileTracker_CorruptLine(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/seen.jsonl", []byte("{not json}\n"), 0o600))

	_, err := NewFileTracker(dir, "")
	require.Error(t, err)
}

func TestFileTracker_EmptyDir(t *testing.T) {
	_, err := NewFileTracker(" ", "seen")
	require.Error(t, err)
}

func TestFileTracker_CloseTwice(t *testing.T) {
	tr, err := NewFileTracker(t.TempDir(), "seen")
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
}

func countLines(data []byte) int {
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	return n
}

func TestSafeName(t *testing.T) {
	tests := map[string]string{
		"bob@imap.example.com": "bob_imap.example.com",
		"/var/mail/Bob":        "var_mail_bob",
		"":                     "default",
		"../..":                "default",
	}
	for in, want := range tests {
		assert.Equal(t, want, SafeName(in), in)
	}
}
