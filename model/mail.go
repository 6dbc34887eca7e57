package model

import (
	"strings"
	"time"
)

// Address is a single mailbox, e.g. "Jane Doe <jane@example.com>".
type Address struct {
	Name    string
	Address string
}

func (a Address) String() string {
	if a.Name == "" {
		return a.Address
	}
	return a.Name + " <" + a.Address + ">"
}

// Attachment is a non-inline part of a message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Mail represents a single email message exchanged with a mail service.
// Values are passed by copy and must not be mutated by handlers.
type Mail struct {
	ID          string
	UID         string
	From        []Address
	To          []Address
	Cc          []Address
	Bcc         []Address
	Subject     string
	Date        time.Time
	TextBody    string
	HTMLBody    string
	Attachments []Attachment
	Hash        string
	Raw         []byte
}

// Sender returns the first From address or an empty Address.
func (m Mail) Sender() Address {
	if len(m.From) == 0 {
		return Address{}
	}
	return m.From[0]
}

// Key identifies the mail for logging and dedupe. It prefers the Message-ID
// and falls back to the source UID and the content hash.
func (m Mail) Key() string {
	switch {
	case m.ID != "":
		return m.ID
	case m.UID != "":
		return m.UID
	default:
		return m.Hash
	}
}

// Addresses renders a list as a comma separated header value.
func Addresses(list []Address) string {
	parts := make([]string, 0, len(list))
	for _, a := range list {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, ", ")
}
