package route

import (
	"agentrelay/internal/domain"
)

// Table maps recipient identities to route entries. It is built once at startup
// and is read-only afterwards; a routing change requires an engine restart.
type Table struct {
	routes          map[string]domain.RouteEntry
	defaultConsumer string
}

// NewTable copies the given routing so later mutation of the source map has no effect.
func NewTable(routing map[string]domain.RouteEntry, defaultConsumer string) *Table {
	routes := make(map[string]domain.RouteEntry, len(routing))
	for identity, entry := range routing {
		if entry.Consumer == "" {
			entry.Consumer = defaultConsumer
		}
		routes[identity] = entry
	}
	return &Table{routes: routes, defaultConsumer: defaultConsumer}
}

// Resolve always returns exactly one entry: the exact match for identity, then the
// _default entry, then the default consumer with forwarding enabled.
func (t *Table) Resolve(identity string) domain.RouteEntry {
	if entry, ok := t.routes[identity]; ok && identity != domain.DefaultRouteKey {
		return entry
	}
	if entry, ok := t.routes[domain.DefaultRouteKey]; ok {
		return entry
	}
	return domain.RouteEntry{Consumer: t.defaultConsumer, Forward: true}
}

// DefaultConsumer is the always-on consumer whose failed dispatches are left to
// the broker for redelivery instead of being queued locally.
func (t *Table) DefaultConsumer() string { return t.defaultConsumer }

// IsDefault reports whether consumer is the always-on default consumer.
func (t *Table) IsDefault(consumer string) bool { return consumer == t.defaultConsumer }

// ReplyCredential returns the credential replies should be sent with: the
// route's own credential when set, else the account credential.
func ReplyCredential(entry domain.RouteEntry, accountCredential string) string {
	if entry.ReplyCredential != "" {
		return entry.ReplyCredential
	}
	return accountCredential
}
