package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
			DataDir:  "~/.chatbridge",
		},
		Server: ServerConfig{
			Host:                   "0.0.0.0",
			Port:                   2511,
			ShutdownTimeoutSeconds: 10,
		},
		Storage: StorageConfig{
			DBPath: "~/.chatbridge/chatbridge.db",
		},
		KV: KVConfig{
			Driver:    "sqlite",
			Path:      "~/.chatbridge/kv.db",
			RedisAddr: "localhost:6379",
		},
		AI: AIConfig{
			APIBase:            "https://generativelanguage.googleapis.com/v1beta/openai",
			Model:              "gemini-2.0-flash",
			TimeoutSeconds:     120,
			RateLimitPerMinute: 60,
			MaxOutputTokens:    1024,
			Temperature:        0.7,
		},
		Aggregation: AggregationConfig{
			WindowSeconds: 15,
		},
		History: HistoryConfig{
			RetentionHours: 4,
			ContextLimit:   10,
		},
		Sessions: SessionsConfig{
			InitTimeoutSeconds:      30,
			ReconnectTimeoutSeconds: 30,
			RestoreConcurrency:      4,
			EventBuffer:             100,
		},
		Channels: ChannelsConfig{
			WhatsApp: ChannelConfig{
				Enabled:   false,
				BridgeURL: "http://localhost:3001",
			},
			Telegram: ChannelConfig{
				Enabled:         false,
				BridgeURL:       "http://localhost:3002",
				Typing:          true,
				ReplyDelayMinMs: 5000,
				ReplyDelayMaxMs: 10000,
			},
		},
		Events: EventsConfig{
			Enabled:  false,
			Exchange: "chatbridge.events",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
	}
}
