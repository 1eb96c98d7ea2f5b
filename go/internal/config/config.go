package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
)

var ErrMissingUserID = errors.New("user id is required (STUDYSYNC_USER_ID)")

// Config is the runtime configuration of the presence engine.
type Config struct {
	UserID    string   `yaml:"user_id"`
	Groups    []string `yaml:"groups"` // empty means every group the user belongs to
	Transport string   `yaml:"transport"`
	LogLevel  string   `yaml:"log_level"`

	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	NATS      NATSConfig      `yaml:"nats"`
	Relay     RelayConfig     `yaml:"relay"`
	Journal   JournalConfig   `yaml:"journal"`
	Activity  ActivityConfig  `yaml:"activity"`
}

type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type WebSocketConfig struct {
	URL               string        `yaml:"url"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	Stream        string `yaml:"stream"`
	SubjectPrefix string `yaml:"subject_prefix"`
	MaxDeliver    int    `yaml:"max_deliver"`
}

type RelayConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type JournalConfig struct {
	DatabaseURL string `yaml:"database_url"`
}

type ActivityConfig struct {
	IdleAfter time.Duration `yaml:"idle_after"`
}

// Default returns the configuration used when neither file nor environment set a key.
func Default() Config {
	return Config{
		Transport: TransportWebSocket,
		LogLevel:  "info",
		API: APIConfig{
			BaseURL: "http://localhost:5000/api",
			Timeout: 30 * time.Second,
		},
		WebSocket: WebSocketConfig{
			URL:               "ws://localhost:5000/ws",
			ReconnectAttempts: 5,
			ReconnectDelay:    time.Second,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			Stream:        "STUDY_PRESENCE",
			SubjectPrefix: "study",
			MaxDeliver:    3,
		},
		Relay: RelayConfig{
			Addr:           ":8081",
			AllowedOrigins: []string{"*"},
		},
		Activity: ActivityConfig{
			IdleAfter: 10 * time.Minute,
		},
	}
}

// Load reads the YAML file at path (skipped when path is empty), then applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.UserID = getEnv("STUDYSYNC_USER_ID", c.UserID)
	if groups := getEnv("STUDYSYNC_GROUPS", ""); groups != "" {
		c.Groups = splitList(groups)
	}
	c.Transport = getEnv("STUDYSYNC_TRANSPORT", c.Transport)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.API.BaseURL = getEnv("STUDYSYNC_API_URL", c.API.BaseURL)
	c.API.Token = getEnv("STUDYSYNC_API_TOKEN", c.API.Token)
	c.API.Timeout = getEnvAsDuration("STUDYSYNC_API_TIMEOUT", c.API.Timeout)

	c.WebSocket.URL = getEnv("STUDYSYNC_SOCKET_URL", c.WebSocket.URL)
	c.WebSocket.ReconnectAttempts = getEnvAsInt("RECONNECT_ATTEMPTS", c.WebSocket.ReconnectAttempts)
	c.WebSocket.ReconnectDelay = getEnvAsDuration("RECONNECT_DELAY", c.WebSocket.ReconnectDelay)

	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.Stream = getEnv("NATS_STREAM", c.NATS.Stream)
	c.NATS.SubjectPrefix = getEnv("NATS_SUBJECT_PREFIX", c.NATS.SubjectPrefix)

	if port := getEnv("RELAY_PORT", ""); port != "" {
		c.Relay.Addr = ":" + port
	}
	c.Relay.Addr = getEnv("RELAY_ADDR", c.Relay.Addr)
	if origins := getEnv("RELAY_ALLOWED_ORIGINS", ""); origins != "" {
		c.Relay.AllowedOrigins = splitList(origins)
	}

	c.Journal.DatabaseURL = getEnv("DATABASE_URL", c.Journal.DatabaseURL)
	if c.Journal.DatabaseURL == "" && os.Getenv("DB_HOST") != "" {
		c.Journal.DatabaseURL = DatabaseFromEnv().DSN()
	}

	c.Activity.IdleAfter = getEnvAsDuration("IDLE_TIMEOUT", c.Activity.IdleAfter)
}

// Validate reports configuration the engine cannot run with.
func (c *Config) Validate() error {
	if c.UserID == "" {
		return ErrMissingUserID
	}
	switch c.Transport {
	case TransportWebSocket, TransportNATS:
	default:
		return fmt.Errorf("unknown transport %q (want %s or %s)", c.Transport, TransportWebSocket, TransportNATS)
	}
	if c.WebSocket.ReconnectAttempts < 0 {
		return fmt.Errorf("reconnect attempts must not be negative, got %d", c.WebSocket.ReconnectAttempts)
	}
	if c.Activity.IdleAfter <= 0 {
		return fmt.Errorf("idle timeout must be positive, got %s", c.Activity.IdleAfter)
	}
	return nil
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// DatabaseFromEnv reads DB_* environment variables (with defaults).
func DatabaseFromEnv() DatabaseConfig {
	return DatabaseConfig{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnvAsInt("DB_PORT", 5432),
		User:     getEnv("DB_USER", "postgres"),
		Password: getEnv("DB_PASSWORD", "postgres"),
		Database: getEnv("DB_NAME", "studysync"),
		SSLMode:  getEnv("DB_SSLMODE", "disable"),
	}
}

// DSN returns the Postgres connection URL.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
