// Package target turns route destinations into Slack channel ids.
package target

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/slack-go/slack"

	"github.com/shineum/mail2slack/internal/routing"
	"github.com/shineum/mail2slack/internal/slackapi"
)

// maxListPages bounds conversations.list pagination.
const maxListPages = 50

// maxNameLength is Slack's channel name limit.
const maxNameLength = 80

// Conversations is the subset of the Slack API the resolver needs.
type Conversations interface {
	OpenConversation(ctx context.Context, userID string) (string, error)
	ListConversations(ctx context.Context, cursor string) ([]slack.Channel, string, error)
	CreateConversation(ctx context.Context, name string, private bool) (*slack.Channel, error)
}

// ResolvedTarget is a route bound to a concrete channel id.
type ResolvedTarget struct {
	ChannelID string
	Route     *routing.RouteConfig
}

// Resolver resolves routes to channel ids.
type Resolver struct {
	api           Conversations
	AllowCreate   bool
	CreatePrivate bool
}

// NewResolver creates a Resolver backed by api.
func NewResolver(api Conversations) *Resolver {
	return &Resolver{api: api}
}

// Resolve returns the target for route, or nil when it cannot be resolved.
// Failures are logged; the caller only sees nil.
func (r *Resolver) Resolve(ctx context.Context, route *routing.RouteConfig, cache *Cache) *ResolvedTarget {
	if !route.HasSlackTarget() {
		return nil
	}
	if cache == nil {
		cache = NewCache()
	}

	var id string
	switch route.Kind {
	case routing.KindDirectMessage:
		id = cache.do("user:"+route.UserID, func() string {
			return r.openDirect(ctx, route.UserID)
		})
	default:
		if route.ChannelID != "" {
			if !routing.IsChannelID(route.ChannelID) {
				slog.Warn("route channel id is malformed", "channel_id", route.ChannelID)
				return nil
			}
			id = route.ChannelID
			break
		}
		name := SanitizeName(route.ChannelName)
		if name == "" {
			slog.Warn("route channel name is empty after sanitizing", "channel_name", route.ChannelName)
			return nil
		}
		id = cache.do("name:"+name, func() string {
			return r.channelByName(ctx, name)
		})
	}

	if id == "" {
		return nil
	}
	return &ResolvedTarget{ChannelID: id, Route: route}
}

func (r *Resolver) openDirect(ctx context.Context, userID string) string {
	id, err := r.api.OpenConversation(ctx, userID)
	if err != nil {
		slog.Warn("failed to open direct message", "user_id", userID, "error", err)
		return ""
	}
	return id
}

func (r *Resolver) channelByName(ctx context.Context, name string) string {
	id, err := r.findChannel(ctx, name)
	if err != nil {
		slog.Warn("failed to list channels", "channel", name, "error", err)
		return ""
	}
	if id != "" {
		return id
	}
	if !r.AllowCreate {
		slog.Warn("channel not found and creation is disabled", "channel", name)
		return ""
	}

	ch, err := r.api.CreateConversation(ctx, name, r.CreatePrivate)
	if err == nil {
		slog.Info("created channel", "channel", name, "channel_id", ch.ID, "private", r.CreatePrivate)
		return ch.ID
	}
	if slackapi.IsCode(err, "name_taken") {
		// Created concurrently, or hidden from the first listing.
		if id, lerr := r.findChannel(ctx, name); lerr == nil && id != "" {
			return id
		}
	}
	slog.Warn("failed to create channel", "channel", name, "error", err)
	return ""
}

// findChannel pages through conversations.list looking for name. It returns
// "" with a nil error when the channel does not exist.
func (r *Resolver) findChannel(ctx context.Context, name string) (string, error) {
	seen := make(map[string]bool)
	cursor := ""
	for page := 0; page < maxListPages; page++ {
		channels, next, err := r.api.ListConversations(ctx, cursor)
		if err != nil {
			return "", err
		}
		for _, ch := range channels {
			if ch.Name == name && !ch.IsArchived {
				return ch.ID, nil
			}
		}
		if next == "" {
			return "", nil
		}
		if seen[next] {
			return "", fmt.Errorf("conversations.list repeated cursor %q", next)
		}
		seen[next] = true
		cursor = next
	}
	slog.Warn("channel listing hit page ceiling", "channel", name, "pages", maxListPages)
	return "", nil
}

// SanitizeName converts a configured channel name into Slack's naming rules:
// lower case, no leading '#', spaces as '-', only [a-z0-9_-], no repeated or
// edge hyphens, at most 80 characters.
func SanitizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.TrimLeft(name, "#")

	var b strings.Builder
	lastHyphen := false
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
			lastHyphen = false
		case r == '-' || r == ' ':
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}

	out := strings.Trim(b.String(), "-")
	if utf8.RuneCountInString(out) > maxNameLength {
		out = strings.TrimRight(out[:maxNameLength], "-")
	}
	return out
}
