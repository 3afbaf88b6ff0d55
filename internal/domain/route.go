package domain

// DefaultRouteKey is the catch-all routing entry.
const DefaultRouteKey = "_default"

// RouteEntry maps a recipient identity to a consumer and forwarding policy.
type RouteEntry struct {
	Consumer        string         `json:"consumer" yaml:"consumer"`
	Forward         bool           `json:"forward" yaml:"forward"`
	ReplyCredential string         `json:"replyCredential,omitempty" yaml:"replyCredential,omitempty"`
	ForwardTo       *ForwardTarget `json:"forwardTo,omitempty" yaml:"forwardTo,omitempty"`
}

// ForwardTarget names a human-facing chat destination.
type ForwardTarget struct {
	Channel string `json:"channel" yaml:"channel"`
	Address string `json:"address" yaml:"address"`
	Account string `json:"account,omitempty" yaml:"account,omitempty"`
}

// DeliveryContext is a resolved human-forwarding destination. It is derived fresh
// for every forward and never persisted. Account selects a channel account
// when the channel has more than one.
type DeliveryContext struct {
	Channel string
	Address string
	Account string
}
