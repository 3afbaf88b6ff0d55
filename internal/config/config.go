package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"agentrelay/internal/domain"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for agentrelay.
type Config struct {
	General   GeneralConfig             `json:"general" yaml:"general"`
	Broker    BrokerConfig              `json:"broker" yaml:"broker"`
	Accounts  []AccountConfig           `json:"accounts" yaml:"accounts"`
	Consumers map[string]ConsumerConfig `json:"consumers" yaml:"consumers"`
	Forward   ForwardConfig             `json:"forward" yaml:"forward"`
	Metrics   MetricsConfig             `json:"metrics" yaml:"metrics"`
	Journal   JournalConfig             `json:"journal" yaml:"journal"`
}

type GeneralConfig struct {
	DataDir                  string `json:"dataDir" yaml:"dataDir"`
	LogLevel                 string `json:"logLevel" yaml:"logLevel"`
	LogFile                  string `json:"logFile,omitempty" yaml:"logFile,omitempty"`
	DefaultConsumer          string `json:"defaultConsumer" yaml:"defaultConsumer"`
	MaxAttachmentSize        string `json:"maxAttachmentSize" yaml:"maxAttachmentSize"` // e.g. "20MB"
	AttachmentCleanupSeconds int    `json:"attachmentCleanupSeconds" yaml:"attachmentCleanupSeconds"`
	DispatchTimeoutSeconds   int    `json:"dispatchTimeoutSeconds" yaml:"dispatchTimeoutSeconds"`
}

// BrokerConfig holds defaults shared by every account.
type BrokerConfig struct {
	BaseURL               string `json:"baseUrl" yaml:"baseUrl"`
	RequestTimeoutSeconds int    `json:"requestTimeoutSeconds" yaml:"requestTimeoutSeconds"`
}

// AccountConfig configures one broker account. Each account runs an isolated
// delivery loop with its own credential, queue file and transport.
type AccountConfig struct {
	ID                  string                       `json:"id" yaml:"id"`
	Disabled            bool                         `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Credential          string                       `json:"credential" yaml:"credential"`
	Identity            string                       `json:"identity,omitempty" yaml:"identity,omitempty"` // legacy mode only
	Transport           domain.TransportMode         `json:"transport" yaml:"transport"`
	BaseURL             string                       `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
	StreamURL           string                       `json:"streamUrl,omitempty" yaml:"streamUrl,omitempty"`
	PollIntervalSeconds int                          `json:"pollIntervalSeconds,omitempty" yaml:"pollIntervalSeconds,omitempty"`
	PollWaitSeconds     int                          `json:"pollWaitSeconds,omitempty" yaml:"pollWaitSeconds,omitempty"`
	BatchSize           int                          `json:"batchSize,omitempty" yaml:"batchSize,omitempty"`
	DMPolicy            string                       `json:"dmPolicy,omitempty" yaml:"dmPolicy,omitempty"` // everyone | allowlist | blocklist
	AllowFrom           []string                     `json:"allowFrom,omitempty" yaml:"allowFrom,omitempty"`
	BlockFrom           []string                     `json:"blockFrom,omitempty" yaml:"blockFrom,omitempty"`
	Routing             map[string]domain.RouteEntry `json:"routing,omitempty" yaml:"routing,omitempty"`
}

// ConsumerConfig describes how to reach a local consumer.
type ConsumerConfig struct {
	URL            string `json:"url" yaml:"url"`
	SessionAPI     string `json:"sessionApi,omitempty" yaml:"sessionApi,omitempty"` // sibling process fallback
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds,omitempty"`
}

type ForwardConfig struct {
	Target        *domain.ForwardTarget `json:"target,omitempty" yaml:"target,omitempty"`
	SessionsDir   string                `json:"sessionsDir,omitempty" yaml:"sessionsDir,omitempty"`
	RatePerMinute int                   `json:"ratePerMinute" yaml:"ratePerMinute"`
	Telegram      TelegramConfig        `json:"telegram" yaml:"telegram"`
	Discord       DiscordConfig         `json:"discord" yaml:"discord"`
	Slack         SlackConfig           `json:"slack" yaml:"slack"`
	WhatsApp      WhatsAppConfig        `json:"whatsapp" yaml:"whatsapp"`
	Webhook       WebhookConfig         `json:"webhook" yaml:"webhook"`
	WebSocket     WebSocketConfig       `json:"websocket" yaml:"websocket"`
	Console       ConsoleConfig         `json:"console" yaml:"console"`
}

type TelegramConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Token     string `json:"token" yaml:"token"`
	ParseMode string `json:"parseMode" yaml:"parseMode"`
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Token   string `json:"token" yaml:"token"`
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	BotToken string `json:"botToken" yaml:"botToken"`
}

type WhatsAppConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	AccessToken   string `json:"accessToken" yaml:"accessToken"`
	PhoneNumberID string `json:"phoneNumberId" yaml:"phoneNumberId"`
}

// WebhookConfig signs outbound webhook posts with HMAC-SHA256 when Secret is set.
// The forward address is the destination URL.
type WebhookConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Secret  string `json:"secret" yaml:"secret"`
}

type ConsoleConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

type WebSocketConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Listen  string `json:"listen" yaml:"listen"`
	Path    string `json:"path" yaml:"path"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Listen  string `json:"listen" yaml:"listen"`
	Path    string `json:"path" yaml:"path"`
}

// JournalConfig configures the sqlite delivery journal.
type JournalConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	DBPath        string `json:"dbPath" yaml:"dbPath"`
	RetentionDays int    `json:"retentionDays" yaml:"retentionDays"` // 0 keeps everything
}

// DefaultConfigDir returns the default config directory (~/.agentrelay).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentrelay"
	}
	return filepath.Join(home, ".agentrelay")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// AccountDir is the per-account state directory holding the retry queue.
func (c *Config) AccountDir(accountID string) string {
	return filepath.Join(c.General.DataDir, "accounts", accountID)
}

// MaxAttachmentBytes returns the parsed attachment size cap.
func (c *Config) MaxAttachmentBytes() int64 {
	n, err := humanize.ParseBytes(c.General.MaxAttachmentSize)
	if err != nil || n == 0 {
		return defaultMaxAttachmentBytes
	}
	return int64(n)
}

// EnabledAccounts returns the accounts that are not disabled.
func (c *Config) EnabledAccounts() []AccountConfig {
	var out []AccountConfig
	for _, a := range c.Accounts {
		if !a.Disabled {
			out = append(out, a)
		}
	}
	return out
}

// Load reads a JSON or YAML (by extension) config file, applies defaults and validates it.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Journal.DBPath = ExpandPath(cfg.Journal.DBPath)
	cfg.Forward.SessionsDir = ExpandPath(cfg.Forward.SessionsDir)
	applyAccountDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyAccountDefaults fills per-account fields left empty, inheriting from the
// shared broker section where applicable.
func applyAccountDefaults(cfg *Config) {
	for i := range cfg.Accounts {
		a := &cfg.Accounts[i]
		if a.BaseURL == "" {
			a.BaseURL = cfg.Broker.BaseURL
		}
		a.BaseURL = strings.TrimRight(a.BaseURL, "/")
		if a.Transport == "" {
			a.Transport = domain.TransportPoll
		}
		if a.PollIntervalSeconds <= 0 {
			a.PollIntervalSeconds = defaultPollIntervalSeconds
		}
		if a.PollWaitSeconds <= 0 {
			a.PollWaitSeconds = defaultPollWaitSeconds
		}
		if a.BatchSize <= 0 {
			a.BatchSize = defaultBatchSize
		}
		if a.DMPolicy == "" {
			a.DMPolicy = "everyone"
		}
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset VAR without
// a default is left untouched.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

var accountIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.DataDir == "" {
		errs = append(errs, "general.dataDir is required")
	}
	if cfg.General.DefaultConsumer == "" {
		errs = append(errs, "general.defaultConsumer is required")
	} else if _, ok := cfg.Consumers[cfg.General.DefaultConsumer]; !ok {
		errs = append(errs, fmt.Sprintf("general.defaultConsumer references unknown consumer: %s", cfg.General.DefaultConsumer))
	}
	if cfg.General.MaxAttachmentSize != "" {
		if _, err := humanize.ParseBytes(cfg.General.MaxAttachmentSize); err != nil {
			errs = append(errs, fmt.Sprintf("general.maxAttachmentSize: %v", err))
		}
	}
	if cfg.General.DispatchTimeoutSeconds < 1 || cfg.General.DispatchTimeoutSeconds > 600 {
		errs = append(errs, "general.dispatchTimeoutSeconds must be between 1 and 600")
	}

	for name, c := range cfg.Consumers {
		if c.URL == "" {
			errs = append(errs, fmt.Sprintf("consumers.%s: url is required", name))
		}
	}

	seen := make(map[string]bool)
	for i, a := range cfg.Accounts {
		prefix := fmt.Sprintf("accounts[%d]", i)
		if !accountIDPattern.MatchString(a.ID) {
			errs = append(errs, prefix+": id must match [A-Za-z0-9_-]{1,64}")
		} else if seen[a.ID] {
			errs = append(errs, fmt.Sprintf("%s: duplicate account id %s", prefix, a.ID))
		}
		seen[a.ID] = true
		if a.Disabled {
			continue
		}
		if a.Credential == "" {
			errs = append(errs, prefix+": credential is required")
		}
		if a.BaseURL == "" {
			errs = append(errs, prefix+": baseUrl is required (or set broker.baseUrl)")
		}
		switch a.Transport {
		case domain.TransportStream, domain.TransportPoll:
		case domain.TransportLegacy:
			if a.Identity == "" {
				errs = append(errs, prefix+": identity is required for legacy transport")
			}
		default:
			errs = append(errs, prefix+": transport must be one of: stream, poll, legacy")
		}
		for identity, route := range a.Routing {
			if route.Consumer == "" {
				continue
			}
			if _, ok := cfg.Consumers[route.Consumer]; !ok {
				errs = append(errs, fmt.Sprintf("%s.routing.%s references unknown consumer: %s", prefix, identity, route.Consumer))
			}
		}
	}

	if cfg.Journal.Enabled && cfg.Journal.DBPath == "" {
		errs = append(errs, "journal.dbPath is required when the journal is enabled")
	}
	if cfg.Journal.RetentionDays < 0 {
		errs = append(errs, "journal.retentionDays must not be negative")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		errs = append(errs, "metrics.listen is required when metrics are enabled")
	}
	if cfg.Forward.WebSocket.Enabled && cfg.Forward.WebSocket.Listen == "" {
		errs = append(errs, "forward.websocket.listen is required when the websocket sink is enabled")
	}
	if cfg.Forward.WhatsApp.Enabled && cfg.Forward.WhatsApp.PhoneNumberID == "" {
		errs = append(errs, "forward.whatsapp.phoneNumberId is required when whatsapp is enabled")
	}
	if t := cfg.Forward.Target; t != nil {
		if !knownChannels[t.Channel] {
			errs = append(errs, "forward.target.channel must be one of: "+channelList())
		}
		if t.Address == "" {
			errs = append(errs, "forward.target.address is required")
		}
	}
	for i, a := range cfg.Accounts {
		for identity, route := range a.Routing {
			if route.ForwardTo != nil && !knownChannels[route.ForwardTo.Channel] {
				errs = append(errs, fmt.Sprintf("accounts[%d].routing.%s.forwardTo.channel must be one of: %s", i, identity, channelList()))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

var knownChannels = map[string]bool{
	"telegram": true, "discord": true, "slack": true, "whatsapp": true,
	"webhook": true, "websocket": true, "console": true,
}

func channelList() string {
	names := make([]string, 0, len(knownChannels))
	for n := range knownChannels {
		names = append(names, n)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
