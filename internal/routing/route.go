// Package routing maps inbound recipient addresses to delivery routes.
package routing

import (
	"net/mail"
	"strings"
)

// Kind is the Slack destination type of a route.
type Kind string

const (
	KindChannel       Kind = "channel"
	KindDirectMessage Kind = "direct_message"
)

// FallbackKey is the reserved table key used when no recipient matches.
const FallbackKey = "*"

// RouteConfig is the routing decision for one recipient. It is immutable once
// parsed.
type RouteConfig struct {
	Kind           Kind     `json:"kind" yaml:"kind"`
	ChannelID      string   `json:"channel_id,omitempty" yaml:"channel_id,omitempty"`
	ChannelName    string   `json:"channel_name,omitempty" yaml:"channel_name,omitempty"`
	UserID         string   `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	ForwardTargets []string `json:"forward_targets,omitempty" yaml:"forward_targets,omitempty"`
	ForwardSender  string   `json:"forward_sender,omitempty" yaml:"forward_sender,omitempty"`
}

// HasSlackTarget reports whether the route names a Slack destination.
func (r *RouteConfig) HasSlackTarget() bool {
	if r == nil {
		return false
	}
	switch r.Kind {
	case KindDirectMessage:
		return r.UserID != ""
	case KindChannel:
		return r.ChannelID != "" || r.ChannelName != ""
	default:
		return false
	}
}

// HasForwardTargets reports whether the route forwards copies by email.
func (r *RouteConfig) HasForwardTargets() bool {
	return r != nil && len(r.ForwardTargets) > 0
}

// validate enforces the per-kind invariants. For channel routes ChannelID
// takes precedence and ChannelName is cleared so exactly one is meaningful.
func (r *RouteConfig) validate() bool {
	switch r.Kind {
	case KindDirectMessage:
		r.ChannelID, r.ChannelName = "", ""
		return r.UserID != ""
	case KindChannel:
		r.UserID = ""
		if r.ChannelID != "" {
			r.ChannelName = ""
		}
		return r.HasSlackTarget() || r.HasForwardTargets()
	default:
		return false
	}
}

// normalizeTargets trims, validates and de-duplicates forward addresses while
// keeping the first occurrence's position.
func normalizeTargets(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		addr, ok := parseAddress(raw)
		if !ok {
			continue
		}
		key := strings.ToLower(addr)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, addr)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func parseAddress(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return "", false
	}
	return addr.Address, true
}
