package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// fileConfig mirrors the optional TOML configuration file. Flags and
// environment variables override whatever it sets.
type fileConfig struct {
	Endpoint  string `toml:"endpoint"`
	ServerID  string `toml:"server_id"`
	ChannelID string `toml:"channel_id"`
	UserID    string `toml:"user_id"`
	SessionID string `toml:"session_id"`
	Token     string `toml:"token"`

	Dave                bool   `toml:"dave"`
	OpusLib             string `toml:"opus_lib"`
	IterationIntervalMs int    `toml:"iteration_interval_ms"`
	DSCP                int    `toml:"dscp"`
	LogLevel            string `toml:"log_level"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

func getenvOrDefault(key string, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
