package policy

import "testing"

func TestEvaluate_Everyone(t *testing.T) {
	p := Policy{Mode: ModeEveryone, BlockFrom: []string{"spammer"}}

	if d := Evaluate("bob", p); !d.Allow {
		t.Errorf("bob should be allowed: %s", d.Reason)
	}
	if d := Evaluate("spammer", p); d.Allow {
		t.Error("blocked sender should be rejected")
	}
}

func TestEvaluate_BlocklistIsAliasOfEveryone(t *testing.T) {
	p := Policy{Mode: ModeBlocklist, BlockFrom: []string{"spammer"}}

	if d := Evaluate("spammer", p); d.Allow {
		t.Error("blocked sender should be rejected")
	}
	if d := Evaluate("carol", p); !d.Allow {
		t.Error("unlisted sender should be allowed")
	}
}

func TestEvaluate_Allowlist(t *testing.T) {
	p := Policy{Mode: ModeAllowlist, AllowFrom: []string{"alice", "Bob"}}

	if d := Evaluate("alice", p); !d.Allow {
		t.Error("alice should be allowed")
	}
	if d := Evaluate(" bob ", p); !d.Allow {
		t.Error("match should ignore case and surrounding space")
	}
	d := Evaluate("mallory", p)
	if d.Allow {
		t.Error("mallory should be rejected")
	}
	if d.Reason == "" {
		t.Error("rejection should carry a reason")
	}
}

func TestEvaluate_EmptyAllowlistRejectsAll(t *testing.T) {
	if d := Evaluate("alice", Policy{Mode: ModeAllowlist}); d.Allow {
		t.Error("empty allowlist should reject")
	}
}

func TestEvaluate_UnknownModeAllows(t *testing.T) {
	p := Policy{Mode: "friends-only", BlockFrom: []string{"bob"}}
	if d := Evaluate("bob", p); !d.Allow {
		t.Error("unknown policy must default to allow")
	}
}

func TestEvaluate_ModeCaseInsensitive(t *testing.T) {
	p := Policy{Mode: "AllowList", AllowFrom: []string{"alice"}}
	if d := Evaluate("bob", p); d.Allow {
		t.Error("mode should be matched case-insensitively")
	}
}
