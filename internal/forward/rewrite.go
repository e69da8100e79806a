package forward

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/mail"
	"strings"

	"github.com/emersion/go-message/textproto"
)

// DefaultRewriteLocalPart is the local part of the derived alternate sender.
const DefaultRewriteLocalPart = "forwarder"

// rewriteSender returns a copy of raw whose From is alternate and whose
// Reply-To carries the original sender. DKIM signatures no longer verify after
// the rewrite and are dropped. Without an original sender the message keeps
// its own Reply-To.
func rewriteSender(raw []byte, alternate, original string) ([]byte, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read message header: %w", err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}

	originalFrom := strings.TrimSpace(h.Get("From"))
	if originalFrom == "" {
		originalFrom = original
	}

	h.Del("DKIM-Signature")
	h.Set("From", alternate)
	if original != "" {
		h.Set("Reply-To", original)
	}
	if originalFrom != "" {
		h.Set("X-Original-From", originalFrom)
	}

	var buf bytes.Buffer
	buf.Grow(len(raw) + 128)
	if err := textproto.WriteHeader(&buf, h); err != nil {
		return nil, fmt.Errorf("failed to write message header: %w", err)
	}
	buf.Write(body)
	return buf.Bytes(), nil
}

// bareAddress returns the address part of s, or false when s does not parse.
func bareAddress(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return "", false
	}
	return addr.Address, true
}

// domainOf returns the domain of an address, or "" when it has none.
func domainOf(addr string) string {
	a, ok := bareAddress(addr)
	if !ok {
		return ""
	}
	at := strings.LastIndexByte(a, '@')
	if at < 0 || at == len(a)-1 {
		return ""
	}
	return strings.ToLower(a[at+1:])
}
