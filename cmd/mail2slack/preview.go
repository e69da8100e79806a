package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/shineum/mail2slack/internal/email"
	"github.com/shineum/mail2slack/internal/parser"
	"github.com/shineum/mail2slack/internal/preview"
	"github.com/shineum/mail2slack/internal/rawbody"
)

var previewChannel string

var previewCmd = &cobra.Command{
	Use:   "preview <file.eml>",
	Short: "Render the Slack notification for a message file",
	Long: `Parse a raw RFC 5322 message and print the chat.postMessage payload the
pipeline would post for it. Nothing is sent to Slack.`,
	Args: cobra.ExactArgs(1),
	RunE: runPreview,
}

func init() {
	previewCmd.Flags().StringVar(&previewChannel, "channel", "C0PREVIEW", "Channel id placed in the payload")
}

func runPreview(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open message: %w", err)
	}
	defer func() { _ = f.Close() }()

	var size int64
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}
	return renderPreview(cmd.OutOrStdout(), rawbody.FromStream(f, size), previewChannel)
}

// renderPreview mirrors the notification task: an unparsable body still
// renders, with the no-body marker in place of the preview.
func renderPreview(w io.Writer, body rawbody.Body, channelID string) error {
	raw, err := rawbody.Read(body)
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}

	var msg *email.Email
	if parsed, err := parser.Parse(raw); err == nil {
		msg = parsed
	} else {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	n := preview.NewRenderer(preview.DefaultOptions()).Render(msg, preview.Headers{})

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(n.Message(channelID))
}
