// Package server provides configuration helpers that define runtime defaults
// and environment parsing for the chat relay.
package server

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHost            = "0.0.0.0"
	defaultPort            = "8765"
	defaultMaxMessageSize  = 1 << 20
	defaultSendTimeout     = 10 * time.Second
	defaultPingInterval    = 20 * time.Second
	defaultPongTimeout     = 20 * time.Second
	defaultShutdownTimeout = 30 * time.Second
)

// Config holds the server configuration settings.
type Config struct {
	Host           string
	Port           string
	AllowedOrigins []string
	MaxMessageSize int64
	// SendTimeout bounds a single delivery to one peer.
	SendTimeout time.Duration
	// PingInterval is the keepalive period; zero disables pings and the
	// read deadline that goes with them.
	PingInterval    time.Duration
	PongTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Addr returns the host:port the server listens on.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

func defaultConfig() Config {
	return Config{
		Host:            defaultHost,
		Port:            defaultPort,
		AllowedOrigins:  []string{"*"},
		MaxMessageSize:  defaultMaxMessageSize,
		SendTimeout:     defaultSendTimeout,
		PingInterval:    defaultPingInterval,
		PongTimeout:     defaultPongTimeout,
		ShutdownTimeout: defaultShutdownTimeout,
	}
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Host == "" {
		cfg.Host = defaultHost
	}
	if !validPort(cfg.Port) {
		cfg.Port = defaultPort
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.PingInterval < 0 {
		cfg.PingInterval = 0
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set or invalid.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if host := os.Getenv("HOST"); host != "" {
		cfg.Host = host
	}

	if port := os.Getenv("PORT"); port != "" && validPort(port) {
		cfg.Port = port
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}

	if timeout := os.Getenv("SEND_TIMEOUT"); timeout != "" {
		cfg.SendTimeout = parseDuration(timeout, cfg.SendTimeout, false)
	}

	if interval := os.Getenv("PING_INTERVAL"); interval != "" {
		cfg.PingInterval = parseDuration(interval, cfg.PingInterval, true)
	}

	if timeout := os.Getenv("PONG_TIMEOUT"); timeout != "" {
		cfg.PongTimeout = parseDuration(timeout, cfg.PongTimeout, false)
	}

	if timeout := os.Getenv("SHUTDOWN_TIMEOUT"); timeout != "" {
		cfg.ShutdownTimeout = parseDuration(timeout, cfg.ShutdownTimeout, false)
	}

	return &cfg
}

func validPort(port string) bool {
	n, err := strconv.Atoi(port)
	return err == nil && n > 0 && n <= 65535
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

// parseDuration accepts Go duration syntax ("1500ms") or whole seconds ("15").
func parseDuration(value string, defaultValue time.Duration, allowZero bool) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		seconds, convErr := strconv.Atoi(value)
		if convErr != nil {
			return defaultValue
		}
		d = time.Duration(seconds) * time.Second
	}
	if d < 0 || (d == 0 && !allowZero) {
		return defaultValue
	}
	return d
}
