package mbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"os"
	"strings"
	"time"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/mail-notify/model"
	"github.com/dhcgn/mail-notify/parse"
	"github.com/dhcgn/mail-notify/state"
)

// Source polls a local mbox file. Every call to FetchNew re-reads the file
// and returns the messages the tracker has not seen yet.
type Source struct {
	path    string
	tracker state.Tracker
	logger  *slog.Logger
}

func NewSource(path string, tracker state.Tracker, logger *slog.Logger) (*Source, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	if tracker == nil {
		return nil, fmt.Errorf("tracker must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{path: path, tracker: tracker, logger: logger.With("component", "mbox")}, nil
}

func (s *Source) Path() string { return s.path }

// FetchNew returns unseen messages in file order and marks them seen.
// Messages that cannot be parsed are logged and skipped. Nothing is marked
// until the whole file was read, so an aborted read is retried in full.
func (s *Source) FetchNew(ctx context.Context) ([]model.Mail, error) {
	file, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Debug("mbox does not exist yet", "path", s.path)
			return nil, nil
		}
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	type pending struct {
		index int
		key   string
		mail  model.Mail
		ok    bool
	}

	reader := mboxlib.NewReader(file)
	occurrences := make(map[string]int)
	var batch []pending
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return nil, fmt.Errorf("message %d read: %w", idx, err)
		}

		key := seenKey(parse.Hash(raw), occurrences)
		if s.tracker.Seen(key) {
			continue
		}

		m, err := parse.Mail(raw)
		if err != nil {
			s.logger.Warn("skipping unparsable mbox message", "index", idx, "err", err)
			batch = append(batch, pending{index: idx, key: key})
			continue
		}
		m.UID = fmt.Sprintf("%d", idx)
		batch = append(batch, pending{index: idx, key: key, mail: m, ok: true})
	}

	var out []model.Mail
	for _, p := range batch {
		if err := s.tracker.MarkSeen(p.key, p.mail.ID); err != nil {
			return out, fmt.Errorf("mark message %d seen: %w", p.index, err)
		}
		if p.ok {
			out = append(out, p.mail)
		}
	}
	return out, nil
}

// seenKey keys a message by content hash. Repeated copies of the same bytes
// get the occurrence number appended so each copy is delivered once.
func seenKey(hash string, occurrences map[string]int) string {
	n := occurrences[hash]
	occurrences[hash] = n + 1
	if n == 0 {
		return hash
	}
	return fmt.Sprintf("%s#%d", hash, n)
}

func (s *Source) Close() error {
	return s.tracker.Close()
}

// MboxMessage represents a single message from an mbox file for stats.
type MboxMessage struct {
	Headers mail.Header
	Body    []byte
}

func open(path string) (*mboxlib.Reader, io.Closer, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open mbox: %w", err)
	}
	return mboxlib.NewReader(file), file, nil
}

// Read opens an mbox file and iterates through its messages,
// calling the provided callback for each message.
func Read(path string, callback func(m *MboxMessage) error) error {
	reader, closer, err := open(path)
	if err != nil {
		return err
	}
	defer closer.Close()

	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		msg, err := mail.ReadMessage(msgReader)
		if err != nil {
			// try to continue
			continue
		}

		body, err := io.ReadAll(msg.Body)
		if err != nil {
			continue
		}

		if err := callback(&MboxMessage{Headers: msg.Header, Body: body}); err != nil {
			return err
		}
	}
}

// CountMessages counts the total number of messages in an mbox file.
func CountMessages(path string) (int, error) {
	reader, closer, err := open(path)
	if err != nil {
		return 0, err
	}
	defer closer.Close()

	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return 0, err
		}

		// a message we cannot drain is still a message
		_, _ = io.Copy(io.Discard, msgReader)
		count++
	}
}

// Append writes raw as a new message at the end of the mbox file, creating
// it if needed.
func Append(path, from string, raw []byte) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open mbox for append: %w", err)
	}
	defer file.Close()

	w := mboxlib.NewWriter(file)
	mw, err := w.CreateMessage(from, time.Now())
	if err != nil {
		return fmt.Errorf("create mbox message: %w", err)
	}
	if _, err := mw.Write(raw); err != nil {
		return fmt.Errorf("write mbox message: %w", err)
	}
	return w.Close()
}
