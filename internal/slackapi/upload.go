package slackapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// UploadSession tracks one file across the three upload phases.
type UploadSession struct {
	Filename   string
	TotalBytes int
	UploadURL  string
	FileID     string
}

// Annotation is the optional title and comment shown with an uploaded file.
type Annotation struct {
	Title   string
	Comment string
}

// Uploader shares files in Slack using the external upload flow.
type Uploader struct {
	client *Client
}

// NewUploader creates an Uploader on top of client.
func NewUploader(client *Client) *Uploader {
	return &Uploader{client: client}
}

// Upload reserves an upload URL, sends the bytes, and completes the upload into
// channelID. It reports success; any failed phase stops the remaining ones.
func (u *Uploader) Upload(ctx context.Context, channelID, filename string, data []byte, note *Annotation) bool {
	if len(data) == 0 {
		slog.Warn("refusing to upload empty file", "filename", filename)
		return false
	}
	if !u.client.Configured() {
		return false
	}

	session := &UploadSession{Filename: filename, TotalBytes: len(data)}

	var err error
	session.UploadURL, session.FileID, err = u.client.GetUploadURLExternal(ctx, session.Filename, session.TotalBytes)
	if err != nil {
		slog.Warn("upload reservation failed", "filename", filename, "error", err)
		return false
	}

	if err := u.client.postRaw(ctx, session.UploadURL, data); err != nil {
		slog.Warn("upload transfer failed", "filename", filename, "file_id", session.FileID, "error", err)
		return false
	}

	file := CompletedFile{ID: session.FileID}
	comment := ""
	if note != nil {
		file.Title = note.Title
		comment = note.Comment
	}
	if err := u.client.CompleteUploadExternal(ctx, []CompletedFile{file}, channelID, comment); err != nil {
		slog.Warn("upload completion failed", "filename", filename, "file_id", session.FileID, "error", err)
		return false
	}

	slog.Debug("file uploaded",
		"filename", filename,
		"file_id", session.FileID,
		"bytes", session.TotalBytes,
		"channel", channelID,
	)
	return true
}

// postRaw sends data to an upload URL. The URL is pre-signed, so no token is sent.
func (c *Client) postRaw(ctx context.Context, url string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(data))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upload returned status %d", resp.StatusCode)
	}
	return nil
}
