package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerURL      string
	APIBaseURL     string
	DBFile         string
	EventNamesFile string
	LogLevel       slog.Level

	ReconnectDelay        time.Duration
	HandshakeTimeout      time.Duration
	HeartbeatInterval     time.Duration
	HeartbeatMaxMissed    int
	BackgroundThreshold   time.Duration
	PresenceInterval      time.Duration
	RoomHeartbeatInterval time.Duration
	MaxMessagesPerTab     int
	MetadataCacheTTL      time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		ServerURL:      getEnv("CHAT_SERVER_URL", "ws://localhost:8080/chat"),
		APIBaseURL:     getEnv("API_BASE_URL", "http://localhost:8080"),
		DBFile:         getEnv("CLIENT_DB", "tabchat.db"),
		EventNamesFile: os.Getenv("EVENT_NAMES_FILE"),
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	durations := []struct {
		dst      *time.Duration
		key      string
		fallback string
	}{
		{&cfg.ReconnectDelay, "RECONNECT_DELAY", "1s"},
		{&cfg.HandshakeTimeout, "HANDSHAKE_TIMEOUT", "10s"},
		{&cfg.HeartbeatInterval, "HEARTBEAT_INTERVAL", "25s"},
		{&cfg.BackgroundThreshold, "BACKGROUND_THRESHOLD", "2m"},
		{&cfg.PresenceInterval, "PRESENCE_INTERVAL", "90s"},
		{&cfg.RoomHeartbeatInterval, "ROOM_HEARTBEAT_INTERVAL", "28s"},
		{&cfg.MetadataCacheTTL, "METADATA_CACHE_TTL", "5m"},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(getEnv(d.key, d.fallback))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = v
	}

	ints := []struct {
		dst      *int
		key      string
		fallback string
	}{
		{&cfg.HeartbeatMaxMissed, "HEARTBEAT_MAX_MISSED", "2"},
		{&cfg.MaxMessagesPerTab, "MAX_MESSAGES_PER_TAB", "500"},
	}
	for _, i := range ints {
		v, err := strconv.Atoi(getEnv(i.key, i.fallback))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", i.key, err)
		}
		*i.dst = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("CHAT_SERVER_URL must be a ws:// or wss:// URL")
	}

	if c.APIBaseURL == "" {
		return fmt.Errorf("API_BASE_URL is required")
	}

	positive := map[string]time.Duration{
		"RECONNECT_DELAY":         c.ReconnectDelay,
		"HANDSHAKE_TIMEOUT":       c.HandshakeTimeout,
		"HEARTBEAT_INTERVAL":      c.HeartbeatInterval,
		"BACKGROUND_THRESHOLD":    c.BackgroundThreshold,
		"PRESENCE_INTERVAL":       c.PresenceInterval,
		"ROOM_HEARTBEAT_INTERVAL": c.RoomHeartbeatInterval,
		"METADATA_CACHE_TTL":      c.MetadataCacheTTL,
	}
	for key, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be greater than 0", key)
		}
	}

	if c.HeartbeatMaxMissed < 1 {
		return fmt.Errorf("HEARTBEAT_MAX_MISSED must be at least 1")
	}

	if c.MaxMessagesPerTab < 1 {
		return fmt.Errorf("MAX_MESSAGES_PER_TAB must be at least 1")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
