package routing

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// channelIDShape matches Slack public (C) and private (G) channel ids.
var channelIDShape = regexp.MustCompile(`^[CG][A-Z0-9]{1,20}$`)

// IsChannelID reports whether s has the shape of a Slack channel id.
func IsChannelID(s string) bool {
	return channelIDShape.MatchString(s)
}

// Table is a parsed routing table. Keys are normalized addresses.
type Table struct {
	routes   map[string]*RouteConfig
	fallback *RouteConfig
}

// NewTable builds a table from already validated routes. It is mainly useful
// in tests; configuration goes through ParseTable.
func NewTable(routes map[string]*RouteConfig) *Table {
	t := &Table{routes: make(map[string]*RouteConfig, len(routes))}
	for key, route := range routes {
		if route == nil {
			continue
		}
		if key == FallbackKey {
			t.fallback = route
			continue
		}
		t.routes[Normalize(key)] = route
	}
	return t
}

// Len returns the number of address routes, excluding the fallback.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.routes)
}

// Addresses returns the routed addresses in sorted order.
func (t *Table) Addresses() []string {
	if t == nil {
		return nil
	}
	out := make([]string, 0, len(t.routes))
	for addr := range t.routes {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// Fallback returns the table's fallback route, or nil.
func (t *Table) Fallback() *RouteConfig {
	if t == nil {
		return nil
	}
	return t.fallback
}

func (t *Table) lookup(addr string) *RouteConfig {
	if t == nil {
		return nil
	}
	return t.routes[addr]
}

// ParseTable converts a loosely typed mapping into a Table. Entries that
// cannot be turned into a valid RouteConfig are logged and dropped.
func ParseTable(raw map[string]any) *Table {
	t := &Table{routes: make(map[string]*RouteConfig, len(raw))}
	for key, value := range raw {
		route, err := ParseRoute(value)
		if err != nil {
			slog.Warn("ignoring invalid route", "address", key, "error", err)
			continue
		}
		if strings.TrimSpace(key) == FallbackKey {
			t.fallback = route
			continue
		}
		addr := Normalize(key)
		if addr == "" {
			slog.Warn("ignoring route with empty address")
			continue
		}
		t.routes[addr] = route
	}
	return t
}

// ParseJSON parses a JSON routing table.
func ParseJSON(data []byte) (*Table, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse routing table: %w", err)
	}
	return ParseTable(raw), nil
}

// ParseYAML parses a YAML routing table.
func ParseYAML(data []byte) (*Table, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse routing table: %w", err)
	}
	return ParseTable(raw), nil
}

// LoadFile reads a routing table from disk, choosing the decoder by extension.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routing table: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return ParseJSON(data)
	}
}

// ParseRoute converts one table entry into a RouteConfig, applying defaults.
// A string entry is shorthand: "@U123" is a direct message, a channel-id
// shaped value is a channel id, anything else is a channel name.
func ParseRoute(value any) (*RouteConfig, error) {
	var route *RouteConfig
	switch v := value.(type) {
	case string:
		route = parseShorthand(v)
	case map[string]any:
		route = parseObject(v)
	default:
		return nil, fmt.Errorf("unsupported route entry of type %T", value)
	}
	if route == nil || !route.validate() {
		return nil, fmt.Errorf("route has no usable destination")
	}
	return route, nil
}

func parseShorthand(s string) *RouteConfig {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return nil
	case strings.HasPrefix(s, "@"):
		return &RouteConfig{Kind: KindDirectMessage, UserID: strings.TrimPrefix(s, "@")}
	case IsChannelID(s):
		return &RouteConfig{Kind: KindChannel, ChannelID: s}
	default:
		return &RouteConfig{Kind: KindChannel, ChannelName: s}
	}
}

func parseObject(m map[string]any) *RouteConfig {
	route := &RouteConfig{
		ChannelID:      stringField(m, "channel_id", "channelId"),
		ChannelName:    stringField(m, "channel", "channel_name", "channelName"),
		UserID:         stringField(m, "user_id", "userId", "dm"),
		ForwardTargets: normalizeTargets(listField(m, "forward", "forward_targets", "forwardTargets")),
		ForwardSender:  stringField(m, "forward_sender", "forwardSender"),
	}

	// A channel value shaped like an id is treated as one.
	if route.ChannelID == "" && IsChannelID(route.ChannelName) {
		route.ChannelID, route.ChannelName = route.ChannelName, ""
	}

	switch Kind(strings.ToLower(stringField(m, "kind", "type"))) {
	case KindDirectMessage, "dm":
		route.Kind = KindDirectMessage
	case KindChannel:
		route.Kind = KindChannel
	case "":
		if route.UserID != "" && route.ChannelID == "" && route.ChannelName == "" {
			route.Kind = KindDirectMessage
		} else {
			route.Kind = KindChannel
		}
	default:
		return nil
	}

	if route.ForwardSender != "" {
		sender, ok := parseAddress(route.ForwardSender)
		if !ok {
			slog.Warn("ignoring invalid forward sender", "forward_sender", route.ForwardSender)
		}
		route.ForwardSender = sender
	}
	return route
}

func stringField(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

func listField(m map[string]any, keys ...string) []string {
	for _, key := range keys {
		v, ok := m[key]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case string:
			return strings.Split(val, ",")
		case []any:
			out := make([]string, 0, len(val))
			for _, item := range val {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
			return out
		case []string:
			return val
		}
	}
	return nil
}
