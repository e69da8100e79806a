package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/shineum/mail2slack/internal/config"
	"github.com/shineum/mail2slack/internal/preview"
	"github.com/shineum/mail2slack/internal/rawbody"
)

func TestPrintRoute(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Routing: config.RoutingConfig{
		Routes: map[string]any{
			"support@example.com": "support",
			"ops@example.com":     map[string]any{"user_id": "U0123ABC", "forward": "oncall@example.net"},
		},
	}}

	tests := []struct {
		name    string
		address string
		want    []string
	}{
		{name: "channel name", address: "<SUPPORT@example.com>", want: []string{`"kind": "channel"`, `"channel_name": "support"`}},
		{name: "direct message", address: "ops@example.com", want: []string{`"kind": "direct_message"`, `"user_id": "U0123ABC"`, `"oncall@example.net"`}},
		{name: "no route", address: "nobody@example.com", want: []string{"no route"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			if err := printRoute(&buf, cfg, tt.address); err != nil {
				t.Fatalf("printRoute: unexpected error: %v", err)
			}
			for _, want := range tt.want {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("output %q does not contain %q", buf.String(), want)
				}
			}
		})
	}
}

func TestPrintRoute_FallbackChannel(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Routing: config.RoutingConfig{FallbackChannel: "catch-all"}}

	var buf bytes.Buffer
	if err := printRoute(&buf, cfg, "anyone@example.com"); err != nil {
		t.Fatalf("printRoute: unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), `"channel_name": "catch-all"`) {
		t.Errorf("output %q does not name the fallback channel", buf.String())
	}
}

func TestPrintRoutes(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Routing: config.RoutingConfig{
		FallbackChannel: "catch-all",
		Routes: map[string]any{
			"Support@Example.com": "support",
			"ops@example.com":     map[string]any{"user_id": "U0123ABC"},
		},
	}}

	var buf bytes.Buffer
	if err := printRoutes(&buf, cfg); err != nil {
		t.Fatalf("printRoutes: unexpected error: %v", err)
	}

	var got map[string]struct {
		Kind        string `json:"kind"`
		ChannelName string `json:"channel_name"`
		UserID      string `json:"user_id"`
	}
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3: %s", len(got), buf.String())
	}
	if r := got["support@example.com"]; r.Kind != "channel" || r.ChannelName != "support" {
		t.Errorf("support@example.com: got %+v", r)
	}
	if r := got["ops@example.com"]; r.Kind != "direct_message" || r.UserID != "U0123ABC" {
		t.Errorf("ops@example.com: got %+v", r)
	}
	if r := got["*"]; r.ChannelName != "catch-all" {
		t.Errorf("fallback: got %+v", r)
	}
}

func TestPrintRoutes_EmptyTable(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := printRoutes(&buf, &config.Config{}); err != nil {
		t.Fatalf("printRoutes: unexpected error: %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != "{}" {
		t.Errorf("got %q, want %q", got, "{}")
	}
}

func TestRenderPreview(t *testing.T) {
	t.Parallel()

	raw := strings.Join([]string{
		"From: Alice <alice@example.com>",
		"To: support@example.com",
		"Subject: Printer on fire",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Please send help.",
		"",
	}, "\r\n")

	var buf bytes.Buffer
	if err := renderPreview(&buf, rawbody.FromStream(strings.NewReader(raw), int64(len(raw))), "C0TEST"); err != nil {
		t.Fatalf("renderPreview: unexpected error: %v", err)
	}

	var payload struct {
		Channel string            `json:"channel"`
		Text    string            `json:"text"`
		Blocks  []json.RawMessage `json:"blocks"`
	}
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if payload.Channel != "C0TEST" {
		t.Errorf("channel: got %q, want %q", payload.Channel, "C0TEST")
	}
	if !strings.Contains(payload.Text, "Printer on fire") {
		t.Errorf("text %q does not contain the subject", payload.Text)
	}
	if len(payload.Blocks) == 0 {
		t.Error("expected blocks in payload")
	}
	if !strings.Contains(buf.String(), "Please send help.") {
		t.Error("payload does not contain the body preview")
	}
}

func TestRenderPreview_EmptyMessage(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := renderPreview(&buf, rawbody.FromBytes(nil), "C0TEST"); err != nil {
		t.Fatalf("renderPreview: unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), preview.NoBodyMarker) {
		t.Errorf("output %q does not contain %q", buf.String(), preview.NoBodyMarker)
	}
}
