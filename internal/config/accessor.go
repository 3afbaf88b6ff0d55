package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// GetByPath retrieves a config value by dot-notation path (e.g. "general.dataDir",
// "accounts.0.transport").
func GetByPath(cfg *Config, path string) (any, error) {
	data, err := json.Marshal(Sanitize(cfg))
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}

	var current any = m
	for _, key := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[key]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", path)
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("invalid array index: %s", key)
			}
			current = v[idx]
		default:
			return nil, fmt.Errorf("cannot traverse into %T at %s", current, key)
		}
	}
	return current, nil
}

// Sanitize returns a copy of the config with credentials and tokens masked.
func Sanitize(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var copy Config
	if err := json.Unmarshal(data, &copy); err != nil {
		return cfg
	}

	for i := range copy.Accounts {
		a := &copy.Accounts[i]
		a.Credential = maskString(a.Credential)
		for identity, route := range a.Routing {
			route.ReplyCredential = maskString(route.ReplyCredential)
			a.Routing[identity] = route
		}
	}
	copy.Forward.Telegram.Token = maskString(copy.Forward.Telegram.Token)
	copy.Forward.Discord.Token = maskString(copy.Forward.Discord.Token)
	copy.Forward.Slack.BotToken = maskString(copy.Forward.Slack.BotToken)
	copy.Forward.WhatsApp.AccessToken = maskString(copy.Forward.WhatsApp.AccessToken)
	copy.Forward.Webhook.Secret = maskString(copy.Forward.Webhook.Secret)

	return &copy
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
