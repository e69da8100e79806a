package routing

import "strings"

// MissPolicy decides what happens to mail for a recipient without a route.
type MissPolicy string

const (
	// MissReject rejects the inbound message.
	MissReject MissPolicy = "reject"
	// MissSkip accepts the message and delivers it nowhere.
	MissSkip MissPolicy = "skip"
)

// Valid reports whether p is a known policy.
func (p MissPolicy) Valid() bool {
	return p == MissReject || p == MissSkip
}

// Router resolves recipients against a routing table.
type Router struct {
	// FallbackChannel, when set, names the channel used for unmatched
	// recipients if the table itself has no fallback entry.
	FallbackChannel string
}

// NewRouter creates a Router with the given fallback channel name.
func NewRouter(fallbackChannel string) *Router {
	return &Router{FallbackChannel: strings.TrimSpace(fallbackChannel)}
}

// Resolve returns the route for recipient, the fallback route when nothing
// matches, or nil when neither exists.
func (r *Router) Resolve(recipient string, table *Table) *RouteConfig {
	addr := Normalize(recipient)
	if addr != "" && addr != FallbackKey {
		if route := table.lookup(addr); route != nil {
			return route
		}
	}
	if fb := table.Fallback(); fb != nil {
		return fb
	}
	if r != nil && r.FallbackChannel != "" {
		return &RouteConfig{Kind: KindChannel, ChannelName: r.FallbackChannel}
	}
	return nil
}

// Normalize trims whitespace and angle brackets and lower-cases an address.
func Normalize(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(addr, "<")
	addr = strings.TrimSuffix(addr, ">")
	return strings.ToLower(strings.TrimSpace(addr))
}
