// Package email defines the parsed message model shared by the rendering and
// forwarding stages.
package email

import (
	"fmt"
	"strings"
)

// Email represents a parsed email message with all its components.
type Email struct {
	From        string
	FromName    string
	ReplyTo     string
	To          []string
	Cc          []string
	Subject     string
	Date        string
	TextBody    string
	HtmlBody    string
	Attachments []Attachment
	RawHeaders  map[string][]string
	MessageID   string
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Size returns the decoded attachment size in bytes.
func (a Attachment) Size() int {
	return len(a.Content)
}

// DisplayFrom renders the sender as `Name <addr>` when a display name is known.
func (e *Email) DisplayFrom() string {
	if e == nil {
		return ""
	}
	name := strings.TrimSpace(e.FromName)
	if name == "" || strings.EqualFold(name, e.From) {
		return e.From
	}
	if e.From == "" {
		return name
	}
	return name + " <" + e.From + ">"
}

// Header returns the first raw value of a header, matched case-insensitively.
func (e *Email) Header(key string) string {
	if e == nil {
		return ""
	}
	for k, values := range e.RawHeaders {
		if strings.EqualFold(k, key) && len(values) > 0 {
			return values[0]
		}
	}
	return ""
}

// HumanSize formats a byte count into a human-readable string.
func HumanSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
