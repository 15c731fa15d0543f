package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type HTTP struct {
	Addr            string   `yaml:"addr"`
	ReadTimeout     string   `yaml:"readTimeout"`     // "10s"
	IdleTimeout     string   `yaml:"idleTimeout"`     // "60s"
	ShutdownTimeout string   `yaml:"shutdownTimeout"` // "10s"
	AllowedOrigins  []string `yaml:"allowedOrigins"`
}

type GRPC struct {
	Addr string `yaml:"addr"`
}

type Logging struct {
	Env       string `yaml:"env"`       // dev|stage|prod
	Service   string `yaml:"service"`   // chat-server
	Version   string `yaml:"version"`   // v0.1.0
	Backend   string `yaml:"backend"`   // std|zap
	AddSource bool   `yaml:"addSource"` // false|true
	Debug     bool   `yaml:"debug"`     // false|true
}

// Postgres with an empty DSN selects the in-memory store.
type Postgres struct {
	DSN             string `yaml:"dsn"`
	MaxConns        int32  `yaml:"maxConns"`
	MinConns        int32  `yaml:"minConns"`
	MaxConnLifetime string `yaml:"maxConnLifetime"`
	ApplicationName string `yaml:"applicationName"`
	SlowQuery       string `yaml:"slowQuery"`
}

// Auth with an empty PublicKeyPath trusts the handshake/header identity (dev only).
type Auth struct {
	PublicKeyPath string `yaml:"publicKeyPath"`
	Issuer        string `yaml:"issuer"`
	Audience      string `yaml:"audience"`
	ClockSkew     string `yaml:"clockSkew"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type Gateway struct {
	PingInterval     string `yaml:"pingInterval"` // "15s"
	PollTimeout      string `yaml:"pollTimeout"`  // "25s"
	SessionTTL       string `yaml:"sessionTTL"`   // "60s"
	MaxMessageLength int    `yaml:"maxMessageLength"`
}

type Config struct {
	HTTP     HTTP     `yaml:"http"`
	GRPC     GRPC     `yaml:"grpc"`
	Logging  Logging  `yaml:"logging"`
	Postgres Postgres `yaml:"postgres"`
	Auth     Auth     `yaml:"auth"`
	Kafka    Kafka    `yaml:"kafka"`
	Gateway  Gateway  `yaml:"gateway"`
}

func LoadConfig() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "./config/config.yaml"
	}
	return LoadFile(path)
}

func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if c.GRPC.Addr == "" {
		c.GRPC.Addr = ":9090"
	}
	if c.Auth.PublicKeyPath != "" && c.Auth.Issuer == "" {
		return errors.New("auth.issuer is required when auth.publicKeyPath is set")
	}
	if c.Gateway.MaxMessageLength < 0 {
		return errors.New("gateway.maxMessageLength must not be negative")
	}

	if c.Logging.Service == "" {
		c.Logging.Service = "chat-server"
	}
	if c.Logging.Env == "" {
		c.Logging.Env = "dev"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "v0.1.0"
	}
	if c.Logging.Backend == "" {
		c.Logging.Backend = "std"
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "support-chat.messages"
	}
	if c.Gateway.MaxMessageLength == 0 {
		c.Gateway.MaxMessageLength = 4000
	}
	if len(c.HTTP.AllowedOrigins) == 0 {
		c.HTTP.AllowedOrigins = []string{"http://localhost:5173", "http://127.0.0.1:5173"}
	}
	return nil
}

func (h HTTP) ReadTimeoutOr(def time.Duration) time.Duration {
	return parseDurationOr(def, h.ReadTimeout)
}

func (h HTTP) IdleTimeoutOr(def time.Duration) time.Duration {
	return parseDurationOr(def, h.IdleTimeout)
}

func (h HTTP) ShutdownTimeoutOr(def time.Duration) time.Duration {
	return parseDurationOr(def, h.ShutdownTimeout)
}

func (p Postgres) MaxConnLifetimeOr(def time.Duration) time.Duration {
	return parseDurationOr(def, p.MaxConnLifetime)
}

func (p Postgres) SlowQueryOr(def time.Duration) time.Duration {
	return parseDurationOr(def, p.SlowQuery)
}

func (a Auth) ClockSkewOr(def time.Duration) time.Duration {
	return parseDurationOr(def, a.ClockSkew)
}

func (g Gateway) PingIntervalOr(def time.Duration) time.Duration {
	return parseDurationOr(def, g.PingInterval)
}

func (g Gateway) PollTimeoutOr(def time.Duration) time.Duration {
	return parseDurationOr(def, g.PollTimeout)
}

func (g Gateway) SessionTTLOr(def time.Duration) time.Duration {
	return parseDurationOr(def, g.SessionTTL)
}

func parseDurationOr(def time.Duration, s string) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return def
}
