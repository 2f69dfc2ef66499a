package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`
	Services ServicesConfig `yaml:"services"`
	Presence PresenceConfig `yaml:"presence"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	BasePath string `yaml:"base_path"`
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type AuthConfig struct {
	ServiceURL string `yaml:"service_url"`
	SecretKey  string `yaml:"secret_key"`
}

type ServicesConfig struct {
	UserServiceURL string `yaml:"user_service_url"`
}

// PresenceConfig carries the liveness policy knobs. The reaper trade-off
// (fast departure detection vs ghost presence) lives entirely here.
type PresenceConfig struct {
	ReapInterval             time.Duration `yaml:"reap_interval"`
	LookbackWindow           time.Duration `yaml:"lookback_window"`
	HeartbeatWindow          time.Duration `yaml:"heartbeat_window"`
	MissedHeartbeatThreshold int           `yaml:"missed_heartbeat_threshold"`
	DefaultRecencyMinutes    int           `yaml:"default_recency_minutes"`
	RetentionDays            int           `yaml:"retention_days"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:     8004,
			BasePath: "/api/presence",
			Env:      "dev",
			LogLevel: "debug",
		},
		Redis: RedisConfig{
			URL: "redis://localhost:6379/0",
		},
		Presence: PresenceConfig{
			ReapInterval:             90 * time.Second,
			LookbackWindow:           15 * time.Minute,
			HeartbeatWindow:          5 * time.Minute,
			MissedHeartbeatThreshold: 1,
			DefaultRecencyMinutes:    10,
			RetentionDays:            30,
		},
	}

	// Load from yaml file if exists
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	// Override with environment variables
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if basePath := os.Getenv("SERVER_BASE_PATH"); basePath != "" {
		cfg.Server.BasePath = basePath
	}
	if env := os.Getenv("ENV"); env != "" {
		cfg.Server.Env = env
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Server.LogLevel = logLevel
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Redis.URL = redisURL
	}
	if authURL := os.Getenv("AUTH_SERVICE_URL"); authURL != "" {
		cfg.Auth.ServiceURL = authURL
	}
	if secretKey := os.Getenv("SECRET_KEY"); secretKey != "" {
		cfg.Auth.SecretKey = secretKey
	}
	if userURL := os.Getenv("USER_SERVICE_URL"); userURL != "" {
		cfg.Services.UserServiceURL = userURL
	}
	if v := os.Getenv("PRESENCE_REAP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Presence.ReapInterval = d
		}
	}
	if v := os.Getenv("PRESENCE_LOOKBACK_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Presence.LookbackWindow = d
		}
	}
	if v := os.Getenv("PRESENCE_HEARTBEAT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Presence.HeartbeatWindow = d
		}
	}
	if v := os.Getenv("PRESENCE_MISSED_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Presence.MissedHeartbeatThreshold = n
		}
	}
	if v := os.Getenv("PRESENCE_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Presence.RetentionDays = n
		}
	}

	return cfg, nil
}
