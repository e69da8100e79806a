package slackapi

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/slack-go/slack"
)

// listPageSize is the conversations.list page size.
const listPageSize = 200

// Error is a failed method call surfaced by the typed helpers.
type Error struct {
	Method     string
	Code       string
	HTTPStatus int
}

func (e *Error) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("slack %s failed: %s (http %d)", e.Method, e.Code, e.HTTPStatus)
	}
	return fmt.Sprintf("slack %s failed: %s", e.Method, e.Code)
}

// IsCode reports whether err is a Slack Error carrying code.
func IsCode(err error, code string) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func (c *Client) callDecode(ctx context.Context, method string, payload any, enc Encoding, out any) (*Response, error) {
	resp := c.Call(ctx, method, payload, enc)
	if !resp.OK {
		return resp, &Error{Method: method, Code: resp.Error, HTTPStatus: resp.HTTPStatus}
	}
	if out == nil {
		return resp, nil
	}
	if err := resp.Decode(out); err != nil {
		return resp, fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	return resp, nil
}

// OpenConversation opens (or reuses) a direct message with userID and returns
// its channel id.
func (c *Client) OpenConversation(ctx context.Context, userID string) (string, error) {
	var out struct {
		Channel slack.Channel `json:"channel"`
	}
	payload := map[string]any{"users": userID, "return_im": false}
	if _, err := c.callDecode(ctx, "conversations.open", payload, EncodingJSON, &out); err != nil {
		return "", err
	}
	if out.Channel.ID == "" {
		return "", &Error{Method: "conversations.open", Code: "missing_channel"}
	}
	return out.Channel.ID, nil
}

// ListConversations returns one page of non-archived public and private
// channels and the cursor for the next page ("" when done).
func (c *Client) ListConversations(ctx context.Context, cursor string) ([]slack.Channel, string, error) {
	form := Form{
		"types":            "public_channel,private_channel",
		"exclude_archived": "true",
		"limit":            strconv.Itoa(listPageSize),
	}
	if cursor != "" {
		form["cursor"] = cursor
	}

	var out struct {
		Channels []slack.Channel `json:"channels"`
	}
	resp, err := c.callDecode(ctx, "conversations.list", form, EncodingForm, &out)
	if err != nil {
		return nil, "", err
	}
	return out.Channels, resp.Metadata.Cursor, nil
}

// CreateConversation creates a channel named name.
func (c *Client) CreateConversation(ctx context.Context, name string, private bool) (*slack.Channel, error) {
	var out struct {
		Channel slack.Channel `json:"channel"`
	}
	payload := map[string]any{"name": name, "is_private": private}
	if _, err := c.callDecode(ctx, "conversations.create", payload, EncodingJSON, &out); err != nil {
		return nil, err
	}
	if out.Channel.ID == "" {
		return nil, &Error{Method: "conversations.create", Code: "missing_channel"}
	}
	return &out.Channel, nil
}

// Message is a chat.postMessage payload.
type Message struct {
	Channel     string        `json:"channel"`
	Text        string        `json:"text"`
	Blocks      []slack.Block `json:"blocks,omitempty"`
	UnfurlLinks bool          `json:"unfurl_links"`
	UnfurlMedia bool          `json:"unfurl_media"`
}

// PostMessage posts msg and returns the message timestamp.
func (c *Client) PostMessage(ctx context.Context, msg *Message) (string, error) {
	var out struct {
		TS string `json:"ts"`
	}
	if _, err := c.callDecode(ctx, "chat.postMessage", msg, EncodingJSON, &out); err != nil {
		return "", err
	}
	return out.TS, nil
}

// GetUploadURLExternal reserves an upload slot for a file of length bytes.
func (c *Client) GetUploadURLExternal(ctx context.Context, filename string, length int) (uploadURL, fileID string, err error) {
	form := Form{
		"filename": filename,
		"length":   strconv.Itoa(length),
	}
	var out struct {
		UploadURL string `json:"upload_url"`
		FileID    string `json:"file_id"`
	}
	if _, err := c.callDecode(ctx, "files.getUploadURLExternal", form, EncodingForm, &out); err != nil {
		return "", "", err
	}
	if out.UploadURL == "" || out.FileID == "" {
		return "", "", &Error{Method: "files.getUploadURLExternal", Code: "missing_upload_url"}
	}
	return out.UploadURL, out.FileID, nil
}

// CompletedFile names an uploaded file in files.completeUploadExternal.
type CompletedFile struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

type completeUploadRequest struct {
	Files          []CompletedFile `json:"files"`
	ChannelID      string          `json:"channel_id,omitempty"`
	InitialComment string          `json:"initial_comment,omitempty"`
}

// CompleteUploadExternal finalizes uploaded files and shares them in channelID.
func (c *Client) CompleteUploadExternal(ctx context.Context, files []CompletedFile, channelID, comment string) error {
	payload := completeUploadRequest{
		Files:          files,
		ChannelID:      channelID,
		InitialComment: comment,
	}
	_, err := c.callDecode(ctx, "files.completeUploadExternal", payload, EncodingJSON, nil)
	return err
}
