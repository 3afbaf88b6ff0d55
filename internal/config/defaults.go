package config

const (
	defaultPollIntervalSeconds = 5
	defaultPollWaitSeconds     = 5
	defaultBatchSize           = 20
	defaultMaxAttachmentBytes  = 20 * 1024 * 1024
)

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:                  "~/.agentrelay/data",
			LogLevel:                 "info",
			DefaultConsumer:          "main",
			MaxAttachmentSize:        "20MiB",
			AttachmentCleanupSeconds: 60,
			DispatchTimeoutSeconds:   120,
		},
		Broker: BrokerConfig{
			RequestTimeoutSeconds: 15,
		},
		Consumers: map[string]ConsumerConfig{
			"main": {
				URL:            "http://127.0.0.1:18790/inbound",
				TimeoutSeconds: 120,
			},
		},
		Forward: ForwardConfig{
			RatePerMinute: 20,
			Telegram: TelegramConfig{
				ParseMode: "Markdown",
			},
			WebSocket: WebSocketConfig{
				Listen: "127.0.0.1:18791",
				Path:   "/ws",
			},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
			Path:    "/metrics",
		},
		Journal: JournalConfig{
			Enabled:       true,
			DBPath:        "~/.agentrelay/journal.db",
			RetentionDays: 30,
		},
	}
}
