// Package forward delivers copies of inbound mail to the forward targets of a
// route, falling back to one sender rewrite when a target rejects the copy.
package forward

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	goerrors "github.com/goliatone/go-errors"

	"github.com/shineum/mail2slack/internal/provider"
)

// RejectCode is the SMTP reply code carried by fatal forwarding errors.
const RejectCode = 554

// TextCodeRejected identifies fatal forwarding errors.
const TextCodeRejected = "FORWARD_REJECTED"

// Config holds the sender rewrite settings.
type Config struct {
	// Sender is the configured alternate sender. It is used when the route
	// has no sender of its own.
	Sender string
	// RewriteLocalPart builds the derived alternate <local>@<recipient domain>.
	RewriteLocalPart string
}

// Request describes one forwarding job.
type Request struct {
	// Targets are tried strictly in order.
	Targets      []string
	Raw          []byte
	OriginalFrom string
	// RewriteSender is the route-level alternate sender, if any.
	RewriteSender string
	// Recipient is the inbound recipient whose domain the derived sender uses.
	Recipient string
}

// Result reports what happened to a forwarding job.
type Result struct {
	// Delivered lists targets that accepted a copy, in order.
	Delivered []string
	// Rewritten lists the subset of Delivered that needed the sender rewrite.
	Rewritten []string
	// Reason is the stable rejection reason when Err is set.
	Reason string
	// Err is a *goerrors.Error when forwarding failed fatally.
	Err error
}

// Fatal reports whether the inbound message must be rejected.
func (r *Result) Fatal() bool {
	return r != nil && r.Err != nil
}

// Deliverer forwards copies through a provider.Forwarder.
type Deliverer struct {
	forwarder provider.Forwarder
	sender    string
	localPart string
}

// NewDeliverer creates a Deliverer. A nil forwarder is allowed; Configured
// then reports false.
func NewDeliverer(f provider.Forwarder, cfg Config) *Deliverer {
	localPart := strings.TrimSpace(cfg.RewriteLocalPart)
	if localPart == "" {
		localPart = DefaultRewriteLocalPart
	}
	return &Deliverer{
		forwarder: f,
		sender:    strings.TrimSpace(cfg.Sender),
		localPart: localPart,
	}
}

// Configured reports whether a forwarder is available.
func (d *Deliverer) Configured() bool {
	return d != nil && d.forwarder != nil
}

// Deliver forwards req.Raw to each target in order. The first target that
// still fails after the rewrite fallback stops the loop; targets delivered
// before it stay delivered.
// @MX:ANCHOR: [AUTO] The only delivery path whose failure rejects inbound mail
// @MX:REASON: The SMTP reply for a routed recipient depends on this result
func (d *Deliverer) Deliver(ctx context.Context, req Request) *Result {
	result := &Result{}
	if !d.Configured() || len(req.Targets) == 0 {
		return result
	}

	original, _ := bareAddress(req.OriginalFrom)
	if original == "" {
		original = strings.TrimSpace(req.OriginalFrom)
	}

	for _, target := range req.Targets {
		rewritten, err := d.deliverOne(ctx, req, target, original)
		if err != nil {
			reason := fmt.Sprintf("forwarding to %s failed", target)
			slog.Error("forwarding failed",
				"provider", d.forwarder.Name(),
				"target", target,
				"error", err,
			)
			result.Reason = reason
			result.Err = goerrors.Wrap(err, goerrors.CategoryExternal, reason).
				WithCode(RejectCode).
				WithTextCode(TextCodeRejected).
				WithMetadata(map[string]any{
					"target":    target,
					"provider":  d.forwarder.Name(),
					"delivered": len(result.Delivered),
				})
			return result
		}

		result.Delivered = append(result.Delivered, target)
		if rewritten {
			result.Rewritten = append(result.Rewritten, target)
		}
	}

	return result
}

// deliverOne forwards to a single target. It reports whether the sender
// rewrite was needed.
func (d *Deliverer) deliverOne(ctx context.Context, req Request, target, original string) (bool, error) {
	err := d.forwarder.Forward(ctx, &provider.ForwardRequest{
		To:   target,
		Raw:  req.Raw,
		From: original,
	})
	if err == nil {
		slog.Debug("forwarded", "target", target)
		return false, nil
	}

	alternate, ok := d.alternateSender(req, original)
	if !ok {
		return false, fmt.Errorf("rejected without usable alternate sender: %w", err)
	}

	slog.Warn("forward rejected, retrying with rewritten sender",
		"target", target,
		"alternate", alternate,
		"error", err,
	)

	raw, rerr := rewriteSender(req.Raw, alternate, original)
	if rerr != nil {
		return false, fmt.Errorf("rejected and sender rewrite failed: %w", rerr)
	}

	err = d.forwarder.Forward(ctx, &provider.ForwardRequest{
		To:      target,
		Raw:     raw,
		From:    alternate,
		ReplyTo: original,
	})
	if err != nil {
		return false, fmt.Errorf("rejected after sender rewrite: %w", err)
	}
	return true, nil
}

// alternateSender picks the rewrite sender: route sender, configured sender,
// then <local part>@<recipient domain>. The first one present decides; it is
// unusable when it does not parse or equals the original sender.
func (d *Deliverer) alternateSender(req Request, original string) (string, bool) {
	candidate := strings.TrimSpace(req.RewriteSender)
	if candidate == "" {
		candidate = d.sender
	}
	if candidate == "" {
		domain := domainOf(req.Recipient)
		if domain == "" {
			return "", false
		}
		candidate = d.localPart + "@" + domain
	}

	addr, ok := bareAddress(candidate)
	if !ok {
		return "", false
	}
	if strings.EqualFold(addr, original) {
		return "", false
	}
	return addr, true
}
