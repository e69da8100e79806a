// Package preview renders an inbound email as a Slack notification.
package preview

import (
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/shineum/mail2slack/internal/email"
	"github.com/shineum/mail2slack/internal/slackapi"
)

// NoBodyMarker stands in for a message without readable text.
const NoBodyMarker = "(no readable body)"

// headerLimit is Slack's limit for header block text.
const headerLimit = 150

// codeFence wraps the body preview. PreviewLimit covers both fences.
const codeFence = "```"

// Options bounds the size of a rendered notification.
type Options struct {
	PreviewLimit   int
	FieldLimit     int
	MaxAttachments int
}

// DefaultOptions returns the standard notification budgets.
func DefaultOptions() Options {
	return Options{
		PreviewLimit:   2800,
		FieldLimit:     2000,
		MaxAttachments: 5,
	}
}

// Headers are the envelope and header values shown in a notification.
type Headers struct {
	From    string
	To      string
	Subject string
	Date    string
}

// AttachmentSummary describes one attachment in a notification.
type AttachmentSummary struct {
	Name string
	Type string
	Size int
}

// Notification is a rendered, size-bounded Slack message. Text fields are
// already escaped.
type Notification struct {
	Subject     string
	From        string
	To          string
	Date        string
	Preview     string
	Attachments []AttachmentSummary
	// AttachmentCount is the real number of attachments, which may exceed
	// len(Attachments).
	AttachmentCount int
	Blocks          []slack.Block
	Text            string
}

// Renderer builds notifications.
type Renderer struct {
	opts Options
}

// NewRenderer creates a Renderer. Non-positive budgets take their defaults.
func NewRenderer(opts Options) *Renderer {
	def := DefaultOptions()
	if opts.PreviewLimit <= 0 {
		opts.PreviewLimit = def.PreviewLimit
	}
	if opts.FieldLimit <= 0 {
		opts.FieldLimit = def.FieldLimit
	}
	if opts.MaxAttachments <= 0 {
		opts.MaxAttachments = def.MaxAttachments
	}
	return &Renderer{opts: opts}
}

// Render builds the notification for msg. msg may be nil when the body could
// not be parsed; the notification is then built from h alone.
func (r *Renderer) Render(msg *email.Email, h Headers) *Notification {
	h = fillHeaders(msg, h)

	subject := strings.TrimSpace(h.Subject)
	if subject == "" {
		subject = "(no subject)"
	}

	n := &Notification{
		Subject: Truncate(Escape(subject), headerLimit),
		From:    r.field(h.From),
		To:      r.field(h.To),
		Date:    r.field(h.Date),
		Preview: Truncate(Escape(BodyText(msg)), r.opts.PreviewLimit-2*len(codeFence)),
	}

	if msg != nil {
		n.AttachmentCount = len(msg.Attachments)
		for i, att := range msg.Attachments {
			if i == r.opts.MaxAttachments {
				break
			}
			n.Attachments = append(n.Attachments, AttachmentSummary{
				Name: att.Filename,
				Type: att.ContentType,
				Size: att.Size(),
			})
		}
	}

	n.Text = r.field(fmt.Sprintf("Email from %s: %s", orDash(h.From), subject))
	n.Blocks = r.blocks(n)
	return n
}

// Message returns the chat.postMessage payload for channelID.
func (n *Notification) Message(channelID string) *slackapi.Message {
	return &slackapi.Message{
		Channel: channelID,
		Text:    n.Text,
		Blocks:  n.Blocks,
	}
}

func (r *Renderer) blocks(n *Notification) []slack.Block {
	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, n.Subject, false, false)),
	}

	var fields []*slack.TextBlockObject
	for _, f := range []struct{ label, value string }{
		{"From", n.From},
		{"To", n.To},
		{"Date", n.Date},
	} {
		if f.value == "" {
			continue
		}
		text := Truncate(fmt.Sprintf("*%s:*\n%s", f.label, f.value), r.opts.FieldLimit)
		fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType, text, false, false))
	}
	if len(fields) > 0 {
		blocks = append(blocks, slack.NewSectionBlock(nil, fields, nil))
	}

	blocks = append(blocks,
		slack.NewDividerBlock(),
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, codeFence+n.Preview+codeFence, false, false), nil, nil),
	)

	if summary := r.attachmentSummary(n); summary != "" {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType, summary, false, false)))
	}
	return blocks
}

func (r *Renderer) attachmentSummary(n *Notification) string {
	if n.AttachmentCount == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, ":paperclip: *%d attachment", n.AttachmentCount)
	if n.AttachmentCount != 1 {
		b.WriteString("s")
	}
	b.WriteString("*")
	for _, att := range n.Attachments {
		name := att.Name
		if name == "" {
			name = "unnamed"
		}
		fmt.Fprintf(&b, "\n• %s (%s, %s)", Escape(name), Escape(orDash(att.Type)), email.HumanSize(att.Size))
	}
	if more := n.AttachmentCount - len(n.Attachments); more > 0 {
		fmt.Fprintf(&b, "\n…and %d more", more)
	}
	return Truncate(b.String(), r.opts.FieldLimit)
}

func (r *Renderer) field(s string) string {
	return Truncate(Escape(strings.TrimSpace(s)), r.opts.FieldLimit)
}

// BodyText returns the readable text of msg: the plain part, else the HTML
// part reduced to text, else NoBodyMarker.
func BodyText(msg *email.Email) string {
	if msg == nil {
		return NoBodyMarker
	}
	if text := normalizeText(msg.TextBody); text != "" {
		return text
	}
	if msg.HtmlBody != "" {
		if text := HTMLToText(msg.HtmlBody); text != "" {
			return text
		}
	}
	return NoBodyMarker
}

func fillHeaders(msg *email.Email, h Headers) Headers {
	if msg == nil {
		return h
	}
	if h.From == "" {
		h.From = msg.DisplayFrom()
	}
	if h.To == "" {
		h.To = strings.Join(msg.To, ", ")
	}
	if h.Subject == "" {
		h.Subject = msg.Subject
	}
	if h.Date == "" {
		h.Date = msg.Date
	}
	return h
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
