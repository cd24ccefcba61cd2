// Package config loads server configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server ServerConfig
	Logger LoggerConfig
	DB     DBConfig
	Lock   LockConfig
	Redis  RedisConfig
	Retry  RetryConfig
	Jobs   JobsConfig
}

type ServerConfig struct {
	AppEnv      string
	Port        string
	CORSOrigins []string
}

type LoggerConfig struct {
	Level    string
	Encoding string
}

type DBConfig struct {
	Path string
}

type LockConfig struct {
	Backend string // "local" or "redis"
	TTL     time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type JobsConfig struct {
	IntegrityInterval time.Duration // zero disables the sweep
}

// LoadEnv reads the configuration. Call godotenv.Load first to pick up a
// .env file.
func LoadEnv() *Config {
	return &Config{
		Server: ServerConfig{
			AppEnv:      getEnv("APP_ENV", "development"),
			Port:        getEnv("HTTP_PORT", "8080"),
			CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"*"}),
		},
		Logger: LoggerConfig{
			Level:    getEnv("LOG_LEVEL", "info"),
			Encoding: getEnv("LOG_ENCODING", "console"),
		},
		DB: DBConfig{
			Path: getEnv("DB_PATH", "fifo.db"),
		},
		Lock: LockConfig{
			Backend: getEnv("LOCK_BACKEND", "local"),
			TTL:     getEnvMillis("LOCK_TTL_MS", 10*time.Second),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Retry: RetryConfig{
			MaxAttempts:     getEnvInt("RETRY_MAX_ATTEMPTS", 4),
			InitialInterval: getEnvMillis("RETRY_INITIAL_MS", 20*time.Millisecond),
			MaxInterval:     getEnvMillis("RETRY_MAX_MS", 400*time.Millisecond),
		},
		Jobs: JobsConfig{
			IntegrityInterval: getEnvMillis("INTEGRITY_INTERVAL_MS", time.Hour),
		},
	}
}

func (c *Config) IsDevelopment() bool {
	return c.Server.AppEnv == "development"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvMillis(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}

func getEnvSlice(key string, fallback []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		parts := strings.Split(value, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return fallback
}
