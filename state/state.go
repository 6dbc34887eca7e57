package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Tracker remembers which fetched items were already handed to the
// dispatcher so that a later poll does not deliver them twice.
type Tracker interface {
	Seen(key string) bool
	MarkSeen(key, messageID string) error
	Snapshot() Snapshot
	Close() error
}

type Snapshot struct {
	Seen int
}

type MemoryTracker struct {
	mu   sync.RWMutex
	seen map[string]string
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{seen: make(map[string]string)}
}

func (m *MemoryTracker) Seen(key string) bool {
	if key == "" {
		return false
	}

	m.mu.RLock()
	_, ok := m.seen[key]
	m.mu.RUnlock()
	return ok
}

func (m *MemoryTracker) MarkSeen(key, messageID string) error {
	if key == "" {
		return nil
	}

	m.mu.Lock()
	m.seen[key] = messageID
	m.mu.Unlock()
	return nil
}

// add records key and reports whether it was new.
func (m *MemoryTracker) add(key, messageID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.seen[key]; exists {
		return false
	}
	m.seen[key] = messageID
	return true
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.seen)
	m.mu.RUnlock()
	return Snapshot{Seen: count}
}

func (m *MemoryTracker) Close() error {
	return nil
}

// FileTracker persists seen keys as JSON lines so a restarted daemon keeps
// skipping items it already dispatched.
type FileTracker struct {
	*MemoryTracker
	path    string
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
}

type fileRecord struct {
	Key       string    `json:"key"`
	MessageID string    `json:"message_id,omitempty"`
	SeenAt    time.Time `json:"seen_at"`
}

// NewFileTracker loads <stateDir>/<name>.jsonl and appends new keys to it.
func NewFileTracker(stateDir, name string) (*FileTracker, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}
	if strings.TrimSpace(name) == "" {
		name = "seen"
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	tracker := &FileTracker{
		MemoryTracker: NewMemoryTracker(),
		path:          filepath.Join(stateDir, name+".jsonl"),
	}

	if err := tracker.load(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(tracker.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open state file for append: %w", err)
	}
	tracker.file = file
	tracker.writer = bufio.NewWriterSize(file, 16*1024)

	return tracker, nil
}

// Path returns the backing file.
func (f *FileTracker) Path() string {
	return f.path
}

func (f *FileTracker) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var record fileRecord
		if err := json.Unmarshal(text, &record); err != nil {
			return fmt.Errorf("parse state line %d: %w", line, err)
		}
		if record.Key == "" {
			continue
		}
		f.add(record.Key, record.MessageID)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	return nil
}

// MarkSeen records key and flushes it to disk. Keys seen before are not
// written again.
func (f *FileTracker) MarkSeen(key, messageID string) error {
	if key == "" {
		return nil
	}
	if !f.add(key, messageID) {
		return nil
	}

	data, err := json.Marshal(fileRecord{Key: key, MessageID: messageID, SeenAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("write state record: %w", err)
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}

	return nil
}

// Close flushes and closes the state file.
func (f *FileTracker) Close() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if f.file == nil {
		return nil
	}

	var firstErr error
	if err := f.writer.Flush(); err != nil {
		firstErr = fmt.Errorf("flush state file: %w", err)
	}
	if err := f.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync state file: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close state file: %w", err)
	}
	f.file = nil

	return firstErr
}

// SafeName turns an arbitrary identifier such as a path or user@host into
// a file name component.
func SafeName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := strings.Trim(b.String(), "._")
	if name == "" {
		return "default"
	}
	return name
}
