// Package policy decides whether a sender may deliver to this account.
package policy

import (
	"strings"
)

// Mode names a delivery policy.
type Mode string

const (
	ModeEveryone  Mode = "everyone"
	ModeAllowlist Mode = "allowlist"
	ModeBlocklist Mode = "blocklist"
)

// Policy is an account's sender filter.
type Policy struct {
	Mode      Mode
	AllowFrom []string
	BlockFrom []string
}

// Decision is the outcome of evaluating a sender.
type Decision struct {
	Allow  bool
	Reason string
}

// Evaluate is a pure function of its inputs. Unknown modes allow.
func Evaluate(sender string, p Policy) Decision {
	switch Mode(strings.ToLower(string(p.Mode))) {
	case ModeAllowlist:
		if contains(p.AllowFrom, sender) {
			return Decision{Allow: true}
		}
		return Decision{Reason: "sender not in allowlist"}
	case ModeEveryone, ModeBlocklist:
		if contains(p.BlockFrom, sender) {
			return Decision{Reason: "sender is blocked"}
		}
		return Decision{Allow: true}
	default:
		return Decision{Allow: true}
	}
}

func contains(list []string, sender string) bool {
	s := normalize(sender)
	if s == "" {
		return false
	}
	for _, entry := range list {
		if normalize(entry) == s {
			return true
		}
	}
	return false
}

func normalize(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}
