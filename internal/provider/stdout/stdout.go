// Package stdout implements a Forwarder that prints forwarded copies to
// standard output. It is meant for local development.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shineum/mail2slack/internal/email"
	"github.com/shineum/mail2slack/internal/parser"
	"github.com/shineum/mail2slack/internal/provider"
)

// Provider prints forwarded messages in a human-readable format.
type Provider struct {
	mu sync.Mutex
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Forward prints the forwarded copy. It never rejects.
func (p *Provider) Forward(_ context.Context, req *provider.ForwardRequest) error {
	var b strings.Builder

	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "Forward-To: %s\n", req.To)
	fmt.Fprintf(&b, "From: %s\n", req.From)
	if req.ReplyTo != "" {
		fmt.Fprintf(&b, "Reply-To: %s\n", req.ReplyTo)
	}

	msg, err := parser.Parse(req.Raw)
	if err != nil {
		fmt.Fprintf(&b, "Raw: %s (unparsable: %v)\n", email.HumanSize(len(req.Raw)), err)
	} else {
		writeSummary(&b, msg)
	}

	b.WriteString("========================================\n")

	p.mu.Lock()
	defer p.mu.Unlock()
	// A failed write to stdout is not a rejection of the copy.
	_, _ = fmt.Fprint(p.writer, b.String())
	return nil
}

func writeSummary(b *strings.Builder, msg *email.Email) {
	fmt.Fprintf(b, "Subject: %s\n", msg.Subject)
	b.WriteString("Body:\n")

	body := msg.TextBody
	if body == "" {
		body = msg.HtmlBody
	}
	b.WriteString(body + "\n")

	if len(msg.Attachments) > 0 {
		attachments := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			attachments = append(attachments, fmt.Sprintf("%s (%s)", att.Filename, email.HumanSize(att.Size())))
		}
		fmt.Fprintf(b, "Attachments: %s\n", strings.Join(attachments, ", "))
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}
