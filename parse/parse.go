// Package parse turns raw RFC 5322 messages into model.Mail values.
package parse

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/mail-notify/model"
)

var ErrEmptyMessage = errors.New("message is empty")

// Mail parses raw into a Mail. Header fields that fail to decode are left
// empty; only an unreadable message structure is an error.
func Mail(raw []byte) (model.Mail, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return model.Mail{}, ErrEmptyMessage
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return model.Mail{}, fmt.Errorf("read message: %w", err)
	}
	defer mr.Close()

	m := model.Mail{
		Hash: Hash(raw),
		Raw:  raw,
	}

	h := mr.Header
	if id, err := h.MessageID(); err == nil {
		m.ID = strings.Trim(id, " <>")
	}
	if subject, err := h.Subject(); err == nil {
		m.Subject = subject
	}
	if date, err := h.Date(); err == nil {
		m.Date = date
	}
	m.From = addressList(h, "From")
	m.To = addressList(h, "To")
	m.Cc = addressList(h, "Cc")
	m.Bcc = addressList(h, "Bcc")

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return model.Mail{}, fmt.Errorf("read part: %w", err)
		}

		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := ph.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return model.Mail{}, fmt.Errorf("read inline part: %w", err)
			}
			switch {
			case strings.EqualFold(contentType, "text/html") && m.HTMLBody == "":
				m.HTMLBody = string(body)
			case (contentType == "" || strings.EqualFold(contentType, "text/plain")) && m.TextBody == "":
				m.TextBody = string(body)
			}
		case *mail.AttachmentHeader:
			filename, _ := ph.Filename()
			contentType, _, _ := ph.ContentType()
			data, err := io.ReadAll(part.Body)
			if err != nil {
				return model.Mail{}, fmt.Errorf("read attachment %q: %w", filename, err)
			}
			m.Attachments = append(m.Attachments, model.Attachment{
				Filename:    filename,
				ContentType: contentType,
				Data:        data,
			})
		}
	}

	return m, nil
}

// Hash returns the base64 encoded sha256 of raw.
func Hash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func addressList(h mail.Header, key string) []model.Address {
	list, err := h.AddressList(key)
	if err != nil || len(list) == 0 {
		return nil
	}
	out := make([]model.Address, 0, len(list))
	for _, a := range list {
		out = append(out, model.Address{Name: a.Name, Address: a.Address})
	}
	return out
}
