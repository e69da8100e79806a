package preview

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/slack-go/slack"

	"github.com/shineum/mail2slack/internal/email"
)

func TestRender_PlainTextPreferred(t *testing.T) {
	t.Parallel()

	msg := &email.Email{
		From:     "alice@example.com",
		FromName: "Alice",
		To:       []string{"support@example.com"},
		Subject:  "Printer on fire",
		Date:     "Mon, 02 Jan 2006 15:04:05 +0000",
		TextBody: "The printer is on fire.\r\nPlease help.",
		HtmlBody: "<p>HTML version</p>",
	}

	n := NewRenderer(DefaultOptions()).Render(msg, Headers{})

	if n.Subject != "Printer on fire" {
		t.Errorf("Subject: got %q", n.Subject)
	}
	if n.From != "Alice &lt;alice@example.com&gt;" {
		t.Errorf("From: got %q", n.From)
	}
	if n.To != "support@example.com" {
		t.Errorf("To: got %q", n.To)
	}
	if n.Preview != "The printer is on fire.\nPlease help." {
		t.Errorf("Preview: got %q", n.Preview)
	}
	if !strings.Contains(n.Text, "Printer on fire") {
		t.Errorf("fallback text should mention the subject: %q", n.Text)
	}
	if len(n.Blocks) < 3 {
		t.Fatalf("Blocks: got %d, want at least 3", len(n.Blocks))
	}
	if _, ok := n.Blocks[0].(*slack.HeaderBlock); !ok {
		t.Errorf("first block: got %T, want *slack.HeaderBlock", n.Blocks[0])
	}
}

func TestRender_HTMLFallback(t *testing.T) {
	t.Parallel()

	msg := &email.Email{
		Subject: "Newsletter",
		HtmlBody: `<html><head><title>x</title><style>p{color:red}</style></head>
<body><script>alert(1)</script><p>Hello &amp; welcome</p><div>Second&nbsp;line</div></body></html>`,
	}

	n := NewRenderer(DefaultOptions()).Render(msg, Headers{From: "news@example.com"})

	want := "Hello &amp; welcome\nSecond line"
	if n.Preview != want {
		t.Errorf("Preview: got %q, want %q", n.Preview, want)
	}
	if strings.Contains(n.Preview, "alert") || strings.Contains(n.Preview, "color") {
		t.Errorf("script or style leaked into preview: %q", n.Preview)
	}
}

func TestRender_NoReadableBody(t *testing.T) {
	t.Parallel()

	r := NewRenderer(DefaultOptions())

	if n := r.Render(&email.Email{Subject: "empty"}, Headers{}); n.Preview != NoBodyMarker {
		t.Errorf("empty body: got %q, want %q", n.Preview, NoBodyMarker)
	}

	n := r.Render(nil, Headers{From: "x@example.com", Subject: "broken"})
	if n.Preview != NoBodyMarker {
		t.Errorf("nil message: got %q, want %q", n.Preview, NoBodyMarker)
	}
	if n.Subject != "broken" || n.From != "x@example.com" {
		t.Errorf("headers: got subject=%q from=%q", n.Subject, n.From)
	}
}

func TestRender_EscapesFreeText(t *testing.T) {
	t.Parallel()

	msg := &email.Email{
		Subject:  "<b>bold</b> & `code`",
		TextBody: "a < b && c > d ```break out```",
	}
	n := NewRenderer(DefaultOptions()).Render(msg, Headers{})

	if n.Subject != "&lt;b&gt;bold&lt;/b&gt; &amp; 'code'" {
		t.Errorf("Subject: got %q", n.Subject)
	}
	if strings.ContainsAny(n.Preview, "<>`") {
		t.Errorf("Preview not escaped: %q", n.Preview)
	}
}

func TestRender_Budgets(t *testing.T) {
	t.Parallel()

	opts := Options{PreviewLimit: 50, FieldLimit: 30, MaxAttachments: 5}
	msg := &email.Email{
		From:     strings.Repeat("f", 100) + "@example.com",
		Subject:  strings.Repeat("s", 400),
		TextBody: strings.Repeat("word ", 200),
	}

	n := NewRenderer(opts).Render(msg, Headers{})

	if got := utf8.RuneCountInString(n.Preview); got > opts.PreviewLimit {
		t.Errorf("Preview length: got %d, want <= %d", got, opts.PreviewLimit)
	}
	if !strings.HasSuffix(n.Preview, Ellipsis) {
		t.Errorf("truncated preview should end with %q: %q", Ellipsis, n.Preview)
	}
	var previewText string
	for _, b := range n.Blocks {
		if sec, ok := b.(*slack.SectionBlock); ok && sec.Text != nil && strings.HasPrefix(sec.Text.Text, "```") {
			previewText = sec.Text.Text
		}
	}
	if previewText == "" {
		t.Fatal("no preview section in blocks")
	}
	if got := utf8.RuneCountInString(previewText); got > opts.PreviewLimit {
		t.Errorf("preview section length: got %d, want <= %d", got, opts.PreviewLimit)
	}
	if got := utf8.RuneCountInString(n.From); got > opts.FieldLimit {
		t.Errorf("From length: got %d, want <= %d", got, opts.FieldLimit)
	}
	if got := utf8.RuneCountInString(n.Subject); got > headerLimit {
		t.Errorf("Subject length: got %d, want <= %d", got, headerLimit)
	}
}

func TestRender_AttachmentSummary(t *testing.T) {
	t.Parallel()

	msg := &email.Email{TextBody: "see attached"}
	for i := 0; i < 7; i++ {
		msg.Attachments = append(msg.Attachments, email.Attachment{
			Filename:    "file.bin",
			ContentType: "application/octet-stream",
			Content:     make([]byte, 2048),
		})
	}

	n := NewRenderer(DefaultOptions()).Render(msg, Headers{})

	if len(n.Attachments) != 5 {
		t.Errorf("listed attachments: got %d, want 5", len(n.Attachments))
	}
	if n.AttachmentCount != 7 {
		t.Errorf("AttachmentCount: got %d, want 7", n.AttachmentCount)
	}

	data, err := json.Marshal(n.Blocks)
	if err != nil {
		t.Fatalf("marshal blocks: %v", err)
	}
	payload := string(data)
	if !strings.Contains(payload, "7 attachments") {
		t.Errorf("summary should state the real total: %s", payload)
	}
	if !strings.Contains(payload, "and 2 more") {
		t.Errorf("summary should mention the remainder: %s", payload)
	}
	if !strings.Contains(payload, "2.0 KB") {
		t.Errorf("summary should include human sizes: %s", payload)
	}
}

func TestNotification_Message(t *testing.T) {
	t.Parallel()

	n := NewRenderer(DefaultOptions()).Render(&email.Email{Subject: "hi", TextBody: "body"}, Headers{})
	m := n.Message("C42")

	if m.Channel != "C42" {
		t.Errorf("Channel: got %q, want %q", m.Channel, "C42")
	}
	if m.Text != n.Text || len(m.Blocks) != len(n.Blocks) {
		t.Error("message should carry the notification text and blocks")
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{"short", "hello", 10, "hello"},
		{"exact", "hello", 5, "hello"},
		{"cut", "hello world", 6, "hello…"},
		{"entity kept whole", "ab &amp; cd", 9, "ab &amp;…"},
		{"entity not split", "ab &amp; cd", 6, "ab…"},
		{"multibyte", "ééééé", 3, "éé…"},
		{"zero", "abc", 0, ""},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.limit); got != tt.want {
			t.Errorf("%s: Truncate(%q, %d): got %q, want %q", tt.name, tt.in, tt.limit, got, tt.want)
		}
	}
}

func TestHTMLToText_Lists(t *testing.T) {
	t.Parallel()

	got := HTMLToText("<ul><li>one</li><li>two</li></ul><p>a<br>b</p>")
	want := "- one\n- two\na\nb"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
