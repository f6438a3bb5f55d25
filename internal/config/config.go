package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "TANDEM"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "tandem.db"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultIssuer             = "tandem-auth"
	defaultAudience           = "tandem-api"
	defaultTokenTTLMinutes    = 60
	defaultOutboundBuffer     = 64
	defaultMaxMessageBytes    = 64 << 10
	defaultPingIntervalSecond = 25
	defaultCORSOrigin         = "*"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	LogFormat     string
	CORSOrigins   []string
	SigningSecret string
	Issuer        string
	Audience      string
	TokenTTL      time.Duration

	// ActivityPostgresDSN moves the activity log to Postgres when set.
	ActivityPostgresDSN string
	// RedisURL enables the cross-node broadcast relay when set.
	RedisURL string
	NodeID   string

	Gateway GatewayConfig
}

// GatewayConfig captures the realtime gateway knobs.
type GatewayConfig struct {
	MaxRoomSize            int
	MaxConnectionsPerUser  int
	OutboundBuffer         int
	MaxMessageBytes        int64
	PingInterval           time.Duration
	SenderEcho             bool
	SuppressOnStorageError bool
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.cors_origins", defaultCORSOrigin)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.audience", defaultAudience)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("activity.postgres_dsn", "")
	configViper.SetDefault("redis.url", "")
	configViper.SetDefault("node.id", "")
	configViper.SetDefault("gateway.max_room_size", 0)
	configViper.SetDefault("gateway.max_connections_per_user", 0)
	configViper.SetDefault("gateway.outbound_buffer", defaultOutboundBuffer)
	configViper.SetDefault("gateway.max_message_bytes", defaultMaxMessageBytes)
	configViper.SetDefault("gateway.ping_interval_seconds", defaultPingIntervalSecond)
	configViper.SetDefault("gateway.sender_echo", true)
	configViper.SetDefault("gateway.suppress_on_storage_error", false)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		DatabasePath:        configViper.GetString("database.path"),
		LogLevel:            configViper.GetString("log.level"),
		LogFormat:           configViper.GetString("log.format"),
		CORSOrigins:         splitList(configViper.GetString("http.cors_origins")),
		SigningSecret:       configViper.GetString("auth.signing_secret"),
		Issuer:              configViper.GetString("auth.issuer"),
		Audience:            configViper.GetString("auth.audience"),
		TokenTTL:            time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		ActivityPostgresDSN: strings.TrimSpace(configViper.GetString("activity.postgres_dsn")),
		RedisURL:            strings.TrimSpace(configViper.GetString("redis.url")),
		NodeID:              strings.TrimSpace(configViper.GetString("node.id")),
		Gateway: GatewayConfig{
			MaxRoomSize:            configViper.GetInt("gateway.max_room_size"),
			MaxConnectionsPerUser:  configViper.GetInt("gateway.max_connections_per_user"),
			OutboundBuffer:         configViper.GetInt("gateway.outbound_buffer"),
			MaxMessageBytes:        configViper.GetInt64("gateway.max_message_bytes"),
			PingInterval:           time.Duration(configViper.GetInt("gateway.ping_interval_seconds")) * time.Second,
			SenderEcho:             configViper.GetBool("gateway.sender_echo"),
			SuppressOnStorageError: configViper.GetBool("gateway.suppress_on_storage_error"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.LogFormat)
	}
	if c.Gateway.MaxRoomSize < 0 || c.Gateway.MaxConnectionsPerUser < 0 {
		return fmt.Errorf("gateway limits must not be negative")
	}
	if c.Gateway.MaxMessageBytes < 0 {
		return fmt.Errorf("gateway.max_message_bytes must not be negative")
	}
	if c.Gateway.PingInterval < 0 {
		return fmt.Errorf("gateway.ping_interval_seconds must not be negative")
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
