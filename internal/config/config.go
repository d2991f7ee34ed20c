package config

import (
	"fmt"
	"os"
	"time"

	"crowdfund/pkg/config"
)

// Config 调度器、fanout 和 govctl 共用一份配置
type Config struct {
	Service string              `yaml:"service"`
	Log     LogConfig           `yaml:"log"`
	DB      config.DBConfig     `yaml:"db"`
	MQ      config.MQConfig     `yaml:"mq"`
	Redis   config.RedisConfig  `yaml:"redis"`
	Cache   config.CacheConfig  `yaml:"cache"`
	Server  config.ServerConfig `yaml:"server"`
	Otel    config.OtelConfig   `yaml:"otel"`
	Events  EventsConfig        `yaml:"events"`
	Escrow  EscrowConfig        `yaml:"escrow"`
	Users   UsersConfig         `yaml:"users"`
	Breaker BreakerConfig       `yaml:"breaker"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// EventsConfig mode: outbox（默认）或 direct
type EventsConfig struct {
	Mode             string `yaml:"mode"`
	OutboxIntervalMS int    `yaml:"outbox_interval_ms"`
	OutboxBatchSize  int    `yaml:"outbox_batch_size"`
	OutboxMaxRetries int    `yaml:"outbox_max_retries"`
	ConsumerRetries  int64  `yaml:"consumer_max_retries"`
}

func (e EventsConfig) OutboxInterval() time.Duration {
	if e.OutboxIntervalMS <= 0 {
		return time.Second
	}
	return time.Duration(e.OutboxIntervalMS) * time.Millisecond
}

type EscrowConfig struct {
	VotingWindowHours int `yaml:"voting_window_hours"`
}

// VotingWindow 默认 7 天
func (e EscrowConfig) VotingWindow() time.Duration {
	if e.VotingWindowHours <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(e.VotingWindowHours) * time.Hour
}

type UsersConfig struct {
	CleanupUnverifiedAfterHours int `yaml:"cleanup_unverified_after_hours"`
}

func (u UsersConfig) CleanupUnverifiedAfter() time.Duration {
	if u.CleanupUnverifiedAfterHours <= 0 {
		return 72 * time.Hour
	}
	return time.Duration(u.CleanupUnverifiedAfterHours) * time.Hour
}

type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	TimeoutSeconds   int `yaml:"timeout_seconds"`
}

// Load 读取 CONFIG_DIR 下的分层配置，环境变量优先级最高
func Load() (*Config, error) {
	env := config.GetConfigEnv()
	dir := config.GetEnv("CONFIG_DIR", "config")
	return LoadFrom(env, dir)
}

func LoadFrom(env, dir string) (*Config, error) {
	var cfg Config
	if err := config.Decode(env, dir, &cfg); err != nil {
		return nil, fmt.Errorf("load config (%s): %w", env, err)
	}

	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideServerFromEnv(&cfg.Server)
	config.OverrideOtelFromEnv(&cfg.Otel)
	if mode := os.Getenv("EVENTS_MODE"); mode != "" {
		cfg.Events.Mode = mode
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	return &cfg, nil
}
