package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// GetByPath retrieves a config value by dot-notation path (e.g. "server.port").
func GetByPath(cfg *Config, path string) (any, error) {
	m, err := toMap(cfg)
	if err != nil {
		return nil, err
	}

	var current any = m
	for _, key := range strings.Split(path, ".") {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("cannot traverse into %T at %s", current, key)
		}
		val, ok := node[key]
		if !ok {
			return nil, fmt.Errorf("key not found: %s", path)
		}
		current = val
	}
	return current, nil
}

// SetByPath sets a config value by dot-notation path. String values that
// look like bools or numbers are converted first.
func SetByPath(cfg *Config, path string, value any) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	m, err := toMap(cfg)
	if err != nil {
		return err
	}

	parts := strings.Split(path, ".")
	parent := m
	for _, key := range parts[:len(parts)-1] {
		child, ok := parent[key].(map[string]any)
		if !ok {
			return fmt.Errorf("key not found: %s", path)
		}
		parent = child
	}
	last := parts[len(parts)-1]
	if _, ok := parent[last]; !ok {
		return fmt.Errorf("key not found: %s", path)
	}
	parent[last] = parseValue(value)

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	fillOptional(m)
	return m, nil
}

// fillOptional adds the omitempty leaves back so SetByPath can reach them.
func fillOptional(m map[string]any) {
	optional := map[string][]string{
		"general": {"logFile"},
		"server":  {"jwtSecret"},
		"kv":      {"path", "redisAddr", "redisPassword", "redisDb"},
		"ai":      {"apiKey"},
		"events":  {"amqpUrl"},
	}
	for section, keys := range optional {
		node, ok := m[section].(map[string]any)
		if !ok {
			continue
		}
		for _, k := range keys {
			if _, ok := node[k]; !ok {
				node[k] = nil
			}
		}
	}
}

// parseValue tries to convert string values to appropriate Go types.
func parseValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if s == "true" {
		return true
	}
	if s == "false" {
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// Sanitize returns a copy of the config with sensitive values masked.
func Sanitize(cfg *Config) *Config {
	c := *cfg

	c.Server.JWTSecret = maskString(c.Server.JWTSecret)
	c.KV.RedisPassword = maskString(c.KV.RedisPassword)
	c.AI.APIKey = maskString(c.AI.APIKey)
	c.Channels.WhatsApp.BridgeToken = maskString(c.Channels.WhatsApp.BridgeToken)
	c.Channels.Telegram.BridgeToken = maskString(c.Channels.Telegram.BridgeToken)
	c.Notify.Telegram.Token = maskString(c.Notify.Telegram.Token)
	if c.Events.AMQPURL != "" {
		if u, err := url.Parse(c.Events.AMQPURL); err == nil && u.User != nil {
			u.User = url.UserPassword(u.User.Username(), "***")
			c.Events.AMQPURL = u.String()
		}
	}
	return &c
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
