package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Notify   NotifyConfig   `json:"notify"`
	Verifier VerifierConfig `json:"verifier"`
	Pipeline PipelineConfig `json:"pipeline"`
	Agents   []AgentConfig  `json:"agents"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type NotifyConfig struct {
	Slack   SlackNotifyConfig   `json:"slack"`
	Discord DiscordNotifyConfig `json:"discord"`
}

type SlackNotifyConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

type DiscordNotifyConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type VerifierConfig struct {
	Endpoint       string `json:"endpoint"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// PipelineConfig carries the orchestrator timers. Zero values fall back to
// the built-in defaults.
type PipelineConfig struct {
	StageTimeoutSeconds    int `json:"stage_timeout_seconds"`
	SweepIntervalSeconds   int `json:"sweep_interval_seconds"`
	MaxRetries             int `json:"max_retries"`
	CooldownSeconds        int `json:"cooldown_seconds"`
	WatchdogSilenceSeconds int `json:"watchdog_silence_seconds"`
	IdleCheckSeconds       int `json:"idle_check_seconds"`
}

// AgentConfig declares one expected roster member.
type AgentConfig struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// StageTimeout returns the configured stage deadline or the given fallback.
func (p PipelineConfig) StageTimeout(fallback time.Duration) time.Duration {
	return secondsOr(p.StageTimeoutSeconds, fallback)
}

// SweepInterval returns the sweep cadence or the given fallback.
func (p PipelineConfig) SweepInterval(fallback time.Duration) time.Duration {
	return secondsOr(p.SweepIntervalSeconds, fallback)
}

// Cooldown returns the rate-limit cooldown or the given fallback.
func (p PipelineConfig) Cooldown(fallback time.Duration) time.Duration {
	return secondsOr(p.CooldownSeconds, fallback)
}

// WatchdogSilence returns the silence threshold or the given fallback.
func (p PipelineConfig) WatchdogSilence(fallback time.Duration) time.Duration {
	return secondsOr(p.WatchdogSilenceSeconds, fallback)
}

// IdleCheck returns the idle-discussion cadence or the given fallback.
func (p PipelineConfig) IdleCheck(fallback time.Duration) time.Duration {
	return secondsOr(p.IdleCheckSeconds, fallback)
}

func secondsOr(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	return &cfg, nil
}
