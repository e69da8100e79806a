// Package graph implements a Forwarder that sends copies via the Microsoft Graph API.
package graph

import (
	"encoding/base64"

	"github.com/shineum/mail2slack/internal/email"
	"github.com/shineum/mail2slack/internal/provider"
)

// sendMailRequest is the top-level request body for the Graph API sendMail endpoint.
type sendMailRequest struct {
	Message         sendMailMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

// sendMailMessage represents the message portion of a sendMail request.
type sendMailMessage struct {
	Subject      string            `json:"subject"`
	Body         messageBody       `json:"body"`
	From         *recipient        `json:"from,omitempty"`
	ReplyTo      []recipient       `json:"replyTo,omitempty"`
	ToRecipients []recipient       `json:"toRecipients"`
	Attachments  []graphAttachment `json:"attachments,omitempty"`
	Headers      []internetHeader  `json:"internetMessageHeaders,omitempty"`
}

// messageBody represents the body of an email message.
type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// recipient represents an email recipient.
type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

// emailAddress represents an email address in a Graph API request.
type emailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// internetHeader is a custom x- header carried on the message.
type internetHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// graphAttachment represents a file attachment in a Graph API request.
type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
}

// graphErrorResponse represents an error response from the Graph API.
type graphErrorResponse struct {
	Error graphError `json:"error"`
}

// graphError represents the error detail in a Graph API error response.
type graphError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// buildSendMailRequest converts a parsed inbound message into a sendMail
// request addressed to the single forward target in req.
func buildSendMailRequest(msg *email.Email, req *provider.ForwardRequest) *sendMailRequest {
	body := messageBody{
		ContentType: "text",
		Content:     msg.TextBody,
	}
	if msg.HtmlBody != "" {
		body.ContentType = "html"
		body.Content = msg.HtmlBody
	}

	out := &sendMailRequest{
		Message: sendMailMessage{
			Subject: msg.Subject,
			Body:    body,
			ToRecipients: []recipient{
				{EmailAddress: emailAddress{Address: req.To}},
			},
		},
	}

	if req.From != "" {
		from := recipient{EmailAddress: emailAddress{Address: req.From}}
		if req.ReplyTo == "" {
			from.EmailAddress.Name = msg.FromName
		}
		out.Message.From = &from
	}
	if req.ReplyTo != "" {
		out.Message.ReplyTo = []recipient{{EmailAddress: emailAddress{Address: req.ReplyTo}}}
	}
	if orig := msg.Header("X-Original-From"); orig != "" {
		out.Message.Headers = []internetHeader{{Name: "X-Original-From", Value: orig}}
	}

	for _, att := range msg.Attachments {
		out.Message.Attachments = append(out.Message.Attachments, graphAttachment{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         att.Filename,
			ContentType:  att.ContentType,
			ContentBytes: base64.StdEncoding.EncodeToString(att.Content),
		})
	}

	return out
}
