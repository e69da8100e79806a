// Package parser provides RFC 5322 email message parsing with MIME multipart support.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/mail"
	"strings"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	htmlcharset "golang.org/x/net/html/charset"

	"github.com/shineum/mail2slack/internal/email"
)

// maxPartSize bounds how much of a single MIME part is read into memory.
const maxPartSize = 25 * 1024 * 1024

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

var wordDecoder = &mime.WordDecoder{CharsetReader: htmlcharset.NewReaderLabel}

// Parse parses a raw RFC 5322 email message into an Email struct.
// Text and HTML bodies are decoded from their transfer encoding and charset.
// The first text/plain and text/html inline parts win; anything carrying a
// filename or an attachment disposition is collected as an attachment.
func Parse(raw []byte) (*email.Email, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.New("empty message")
	}

	reader, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) && !gomessage.IsUnknownEncoding(err) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if reader == nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	defer reader.Close()

	result := &email.Email{
		RawHeaders: make(map[string][]string),
	}

	fields := reader.Header.Fields()
	for fields.Next() {
		result.RawHeaders[fields.Key()] = append(result.RawHeaders[fields.Key()], fields.Value())
	}

	result.From, result.FromName = firstAddress(&reader.Header, "From")
	result.ReplyTo, _ = firstAddress(&reader.Header, "Reply-To")
	result.To = parseAddressList(&reader.Header, "To")
	result.Cc = parseAddressList(&reader.Header, "Cc")
	result.Subject = decodeSubject(&reader.Header)
	result.Date = strings.TrimSpace(reader.Header.Get("Date"))
	result.MessageID = strings.TrimSpace(reader.Header.Get("Message-Id"))

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if gomessage.IsUnknownCharset(err) || gomessage.IsUnknownEncoding(err) {
				slog.Warn("undecodable MIME part, using raw content", "error", err)
			} else {
				return result, fmt.Errorf("failed to read next part: %w", err)
			}
		}
		if part == nil {
			continue
		}

		switch h := part.Header.(type) {
		case *gomail.InlineHeader:
			readInlinePart(part, h, result)
		case *gomail.AttachmentHeader:
			readAttachmentPart(part, h, result)
		}
	}

	return result, nil
}

// readInlinePart fills the text or HTML body from an inline part. Inline parts
// that are neither text nor HTML are kept as attachments when they carry a name.
func readInlinePart(part *gomail.Part, h *gomail.InlineHeader, result *email.Email) {
	mediaType, params, err := h.ContentType()
	if err != nil || mediaType == "" {
		mediaType = "text/plain"
	}
	mediaType = strings.ToLower(mediaType)

	content, err := io.ReadAll(io.LimitReader(part.Body, maxPartSize))
	if err != nil {
		slog.Warn("failed to read part content",
			"content_type", mediaType,
			"error", err,
		)
		return
	}

	switch mediaType {
	case "text/plain":
		if result.TextBody == "" {
			result.TextBody = string(content)
		}
	case "text/html":
		if result.HtmlBody == "" {
			result.HtmlBody = string(content)
		}
	default:
		if name := params["name"]; name != "" {
			result.Attachments = append(result.Attachments, email.Attachment{
				Filename:    name,
				ContentType: mediaType,
				Content:     content,
			})
			return
		}
		slog.Warn("unrecognized MIME part, skipping",
			"content_type", mediaType,
		)
	}
}

func readAttachmentPart(part *gomail.Part, h *gomail.AttachmentHeader, result *email.Email) {
	mediaType, params, err := h.ContentType()
	if err != nil || mediaType == "" {
		mediaType = "application/octet-stream"
	}
	mediaType = strings.ToLower(mediaType)

	content, err := io.ReadAll(io.LimitReader(part.Body, maxPartSize))
	if err != nil {
		slog.Warn("failed to read attachment content",
			"content_type", mediaType,
			"error", err,
		)
		return
	}

	result.Attachments = append(result.Attachments, email.Attachment{
		Filename:    extractFilename(h, params, mediaType),
		ContentType: mediaType,
		Content:     content,
	})
}

// extractFilename prefers the Content-Disposition filename, then the
// Content-Type name parameter, then a name derived from the media type.
func extractFilename(h *gomail.AttachmentHeader, params map[string]string, mediaType string) string {
	if fn, err := h.Filename(); err == nil && fn != "" {
		return fn
	}
	if name := params["name"]; name != "" {
		return name
	}
	if parts := strings.SplitN(mediaType, "/", 2); len(parts) == 2 && parts[1] != "" {
		return "attachment." + parts[1]
	}
	return "attachment"
}

func decodeSubject(h *gomail.Header) string {
	if subject, err := h.Subject(); err == nil {
		return strings.TrimSpace(subject)
	}
	raw := h.Get("Subject")
	if decoded, err := wordDecoder.DecodeHeader(raw); err == nil {
		return strings.TrimSpace(decoded)
	}
	return strings.TrimSpace(raw)
}

// firstAddress returns the address and display name of the first entry of an
// address header.
func firstAddress(h *gomail.Header, key string) (string, string) {
	if list, err := h.AddressList(key); err == nil && len(list) > 0 {
		return strings.TrimSpace(list[0].Address), strings.TrimSpace(list[0].Name)
	}
	raw := strings.TrimSpace(h.Get(key))
	if raw == "" {
		return "", ""
	}
	if addr, err := mail.ParseAddress(raw); err == nil {
		return addr.Address, addr.Name
	}
	return raw, ""
}

// parseAddressList splits an address header into individual addresses.
func parseAddressList(h *gomail.Header, key string) []string {
	raw := h.Get(key)
	if raw == "" {
		return nil
	}

	addresses, err := h.AddressList(key)
	if err != nil {
		// Fall back to simple comma split if RFC 5322 parsing fails
		parts := strings.Split(raw, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, addr.Address)
	}
	return result
}
