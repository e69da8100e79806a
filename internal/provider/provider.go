// Package provider defines the interface for email forwarding backends.
package provider

import "context"

// ForwardRequest is one copy of an inbound message sent to one address.
type ForwardRequest struct {
	// To is the single forward target.
	To string
	// Raw is the complete RFC 5322 message, headers already rewritten when
	// From differs from the original sender.
	Raw []byte
	// From is the sender the backend should present.
	From string
	// ReplyTo is set when From was rewritten.
	ReplyTo string
}

// Forwarder is the interface that forwarding backends must implement.
// A non-nil error from Forward means the copy was rejected; backends retry
// their own transient failures before returning.
type Forwarder interface {
	// Forward delivers one copy of a message.
	Forward(ctx context.Context, req *ForwardRequest) error

	// Name returns the human-readable name of this backend.
	Name() string
}
