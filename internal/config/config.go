package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for chatbridge.
type Config struct {
	General     GeneralConfig     `json:"general" yaml:"general"`
	Server      ServerConfig      `json:"server" yaml:"server"`
	Storage     StorageConfig     `json:"storage" yaml:"storage"`
	KV          KVConfig          `json:"kv" yaml:"kv"`
	AI          AIConfig          `json:"ai" yaml:"ai"`
	Aggregation AggregationConfig `json:"aggregation" yaml:"aggregation"`
	History     HistoryConfig     `json:"history" yaml:"history"`
	Sessions    SessionsConfig    `json:"sessions" yaml:"sessions"`
	Channels    ChannelsConfig    `json:"channels" yaml:"channels"`
	Notify      NotifyConfig      `json:"notify" yaml:"notify"`
	Events      EventsConfig      `json:"events" yaml:"events"`
	Metrics     MetricsConfig     `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel" yaml:"logLevel"`
	LogFile  string `json:"logFile,omitempty" yaml:"logFile,omitempty"` // optional log file path (JSON lines)
	DataDir  string `json:"dataDir" yaml:"dataDir"`
}

type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
	// JWTSecret enables HS256 bearer auth on /api when set.
	JWTSecret              string `json:"jwtSecret,omitempty" yaml:"jwtSecret,omitempty"`
	DevRoutes              bool   `json:"devRoutes" yaml:"devRoutes"`
	ShutdownTimeoutSeconds int    `json:"shutdownTimeoutSeconds" yaml:"shutdownTimeoutSeconds"`
}

type StorageConfig struct {
	DBPath string `json:"dbPath" yaml:"dbPath"`
}

type KVConfig struct {
	Driver        string `json:"driver" yaml:"driver"` // "redis" | "sqlite"
	Path          string `json:"path,omitempty" yaml:"path,omitempty"`
	RedisAddr     string `json:"redisAddr,omitempty" yaml:"redisAddr,omitempty"`
	RedisPassword string `json:"redisPassword,omitempty" yaml:"redisPassword,omitempty"`
	RedisDB       int    `json:"redisDb,omitempty" yaml:"redisDb,omitempty"`
}

type AIConfig struct {
	APIBase            string  `json:"apiBase" yaml:"apiBase"`
	APIKey             string  `json:"apiKey,omitempty" yaml:"apiKey,omitempty"` // default key when an account has none
	Model              string  `json:"model" yaml:"model"`
	TimeoutSeconds     int     `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	RateLimitPerMinute int     `json:"rateLimitPerMinute" yaml:"rateLimitPerMinute"`
	MaxOutputTokens    int     `json:"maxOutputTokens" yaml:"maxOutputTokens"`
	Temperature        float64 `json:"temperature" yaml:"temperature"`
}

type AggregationConfig struct {
	WindowSeconds int `json:"windowSeconds" yaml:"windowSeconds"`
}

type HistoryConfig struct {
	RetentionHours int `json:"retentionHours" yaml:"retentionHours"`
	ContextLimit   int `json:"contextLimit" yaml:"contextLimit"`
}

type SessionsConfig struct {
	InitTimeoutSeconds      int `json:"initTimeoutSeconds" yaml:"initTimeoutSeconds"`
	ReconnectTimeoutSeconds int `json:"reconnectTimeoutSeconds" yaml:"reconnectTimeoutSeconds"`
	RestoreConcurrency      int `json:"restoreConcurrency" yaml:"restoreConcurrency"`
	EventBuffer             int `json:"eventBuffer" yaml:"eventBuffer"`
}

type ChannelsConfig struct {
	WhatsApp ChannelConfig `json:"whatsapp" yaml:"whatsapp"`
	Telegram ChannelConfig `json:"telegram" yaml:"telegram"`
}

// ChannelConfig configures one transport bridge and how replies go out on it.
type ChannelConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	BridgeURL     string `json:"bridgeUrl" yaml:"bridgeUrl"`
	BridgeToken   string `json:"bridgeToken,omitempty" yaml:"bridgeToken,omitempty"`
	IncludeGroups bool   `json:"includeGroups" yaml:"includeGroups"`
	PlainReplies  bool   `json:"plainReplies" yaml:"plainReplies"`
	Typing        bool   `json:"typing" yaml:"typing"`
	// Random pause before each reply, in milliseconds. 0/0 disables it.
	ReplyDelayMinMs int `json:"replyDelayMinMs" yaml:"replyDelayMinMs"`
	ReplyDelayMaxMs int `json:"replyDelayMaxMs" yaml:"replyDelayMaxMs"`
}

type NotifyConfig struct {
	Telegram TelegramNotifyConfig `json:"telegram" yaml:"telegram"`
}

// TelegramNotifyConfig points operator alerts at a bot chat.
type TelegramNotifyConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Token   string `json:"token,omitempty" yaml:"token,omitempty"`
	ChatID  int64  `json:"chatId,omitempty" yaml:"chatId,omitempty"`
}

type EventsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	AMQPURL  string `json:"amqpUrl,omitempty" yaml:"amqpUrl,omitempty"`
	Exchange string `json:"exchange" yaml:"exchange"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// Channel returns the config block for a channel name.
func (c ChannelsConfig) Channel(name string) (ChannelConfig, bool) {
	switch name {
	case "whatsapp":
		return c.WhatsApp, true
	case "telegram":
		return c.Telegram, true
	}
	return ChannelConfig{}, false
}

// DefaultConfigDir returns the default config directory (~/.chatbridge).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatbridge"
	}
	return filepath.Join(home, ".chatbridge")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a config file. The format follows the extension: .yaml/.yml,
// .toml, anything else is JSON.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := decode(path, data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Storage.DBPath = ExpandPath(cfg.Storage.DBPath)
	cfg.KV.Path = ExpandPath(cfg.KV.Path)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	default:
		return json.Unmarshal(data, cfg)
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg in the format implied by path's extension.
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
	case ".toml":
		var sb strings.Builder
		err = toml.NewEncoder(&sb).Encode(cfg)
		data = []byte(sb.String())
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Server.ShutdownTimeoutSeconds < 1 {
		errs = append(errs, "server.shutdownTimeoutSeconds must be >= 1")
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.dbPath is required")
	}

	switch cfg.KV.Driver {
	case "sqlite":
		if cfg.KV.Path == "" {
			errs = append(errs, "kv.path is required for the sqlite driver")
		}
	case "redis":
		if cfg.KV.RedisAddr == "" {
			errs = append(errs, "kv.redisAddr is required for the redis driver")
		}
	default:
		errs = append(errs, "kv.driver must be one of: redis, sqlite")
	}

	if cfg.AI.APIBase == "" {
		errs = append(errs, "ai.apiBase is required")
	}
	if cfg.AI.TimeoutSeconds < 1 {
		errs = append(errs, "ai.timeoutSeconds must be >= 1")
	}
	if cfg.AI.RateLimitPerMinute < 0 {
		errs = append(errs, "ai.rateLimitPerMinute must be >= 0")
	}

	if cfg.Aggregation.WindowSeconds < 1 {
		errs = append(errs, "aggregation.windowSeconds must be >= 1")
	}
	if cfg.History.RetentionHours < 1 {
		errs = append(errs, "history.retentionHours must be >= 1")
	}
	if cfg.History.ContextLimit < 1 {
		errs = append(errs, "history.contextLimit must be >= 1")
	}
	if cfg.Sessions.InitTimeoutSeconds < 1 {
		errs = append(errs, "sessions.initTimeoutSeconds must be >= 1")
	}
	if cfg.Sessions.ReconnectTimeoutSeconds < 1 {
		errs = append(errs, "sessions.reconnectTimeoutSeconds must be >= 1")
	}
	if cfg.Sessions.RestoreConcurrency < 1 {
		errs = append(errs, "sessions.restoreConcurrency must be >= 1")
	}

	for name, ch := range map[string]ChannelConfig{
		"whatsapp": cfg.Channels.WhatsApp,
		"telegram": cfg.Channels.Telegram,
	} {
		if ch.Enabled && ch.BridgeURL == "" {
			errs = append(errs, fmt.Sprintf("channels.%s.bridgeUrl is required when enabled", name))
		}
		if ch.ReplyDelayMinMs < 0 || ch.ReplyDelayMaxMs < ch.ReplyDelayMinMs {
			errs = append(errs, fmt.Sprintf("channels.%s: replyDelayMinMs must be >= 0 and <= replyDelayMaxMs", name))
		}
	}

	if cfg.Notify.Telegram.Enabled && (cfg.Notify.Telegram.Token == "" || cfg.Notify.Telegram.ChatID == 0) {
		errs = append(errs, "notify.telegram requires token and chatId when enabled")
	}
	if cfg.Events.Enabled && (cfg.Events.AMQPURL == "" || cfg.Events.Exchange == "") {
		errs = append(errs, "events requires amqpUrl and exchange when enabled")
	}

	if len(errs) > 0 {
		// map iteration above is unordered
		slices.Sort(errs)
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
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
