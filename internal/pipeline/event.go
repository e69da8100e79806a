// Package pipeline handles one inbound email: it routes the recipient and fans
// the message out to Slack notification, Slack archive and email forwarding.
package pipeline

import (
	"github.com/emersion/go-message/textproto"

	"github.com/shineum/mail2slack/internal/rawbody"
)

// Event is one inbound message for one recipient.
type Event struct {
	// ID identifies the event in logs. A random id is assigned when empty.
	ID           string
	Raw          rawbody.Body
	Header       textproto.Header
	EnvelopeFrom string
	Recipient    string
}

// Verdict is the accept or reject decision returned to the mail transport.
type Verdict struct {
	Accept bool
	// Reason is set for every rejection.
	Reason string
	// Code is the transport reply code suggested for a rejection.
	Code int
}

// Outcome is the result of one delivery task.
type Outcome string

const (
	OutcomeSkipped           Outcome = "skipped"
	OutcomeSucceeded         Outcome = "succeeded"
	OutcomeFailedRecoverable Outcome = "failed-recoverable"
	OutcomeFailedFatal       Outcome = "failed-fatal"
)

// Task names used in logs and metrics.
const (
	TaskNotify  = "notify"
	TaskArchive = "archive"
	TaskForward = "forward"
)

// ReasonNoRecipient is the rejection reason for unrouted recipients.
const ReasonNoRecipient = "no such recipient"

func accept() Verdict {
	return Verdict{Accept: true}
}

func reject(code int, reason string) Verdict {
	return Verdict{Code: code, Reason: reason}
}
