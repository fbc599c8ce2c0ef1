package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Operator is a dashboard login loaded from the config file.
type Operator struct {
	Email        string `yaml:"email"`
	PasswordHash string `yaml:"password_hash"`
	Role         string `yaml:"role"`
	Tenant       string `yaml:"tenant"`
}

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	URL               string        `yaml:"url" env:"MQTT_URL"`
	ClientID          string        `yaml:"client_id" env:"MQTT_CLIENT_ID"`
	Username          string        `yaml:"username" env:"MQTT_USERNAME"`
	Password          string        `yaml:"password" env:"MQTT_PASSWORD"`
	TelemetryTopic    string        `yaml:"telemetry_topic" env:"MQTT_TELEMETRY_TOPIC"`
	StatusTopic       string        `yaml:"status_topic" env:"MQTT_STATUS_TOPIC"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay" env:"MQTT_RECONNECT_DELAY"`
	ReconnectMaxDelay time.Duration `yaml:"reconnect_max_delay" env:"MQTT_RECONNECT_MAX_DELAY"`
	PublishTimeout    time.Duration `yaml:"publish_timeout" env:"MQTT_PUBLISH_TIMEOUT"`
}

// Config is the process configuration.
type Config struct {
	Store              string        `yaml:"store" env:"STORE"`
	DatabaseURL        string        `yaml:"database_url" env:"DATABASE_URL"`
	HTTPAddr           string        `yaml:"http_addr" env:"HTTP_ADDR"`
	DefaultTenant      string        `yaml:"default_tenant" env:"DEFAULT_TENANT"`
	JWTSecret          string        `yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
	TokenTTL           time.Duration `yaml:"token_ttl" env:"AUTH_TOKEN_TTL"`
	DemoLogin          bool          `yaml:"demo_login" env:"AUTH_DEMO_LOGIN"`
	ProvisioningToken  string        `yaml:"provisioning_token" env:"PROVISIONING_TOKEN"`
	StuckCommandAfter  time.Duration `yaml:"stuck_command_after" env:"STUCK_COMMAND_AFTER"`
	FirmwareVersion    string        `yaml:"firmware_latest_version" env:"FIRMWARE_LATEST_VERSION"`
	LogLevel           string        `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat          string        `yaml:"log_format" env:"LOG_FORMAT"`
	CORSAllowedOrigins string        `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	MQTT               MQTTConfig    `yaml:"mqtt"`
	Operators          []Operator    `yaml:"operators"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Store:              StorePostgres,
		HTTPAddr:           ":8000",
		DefaultTenant:      "t0",
		TokenTTL:           60 * time.Minute,
		StuckCommandAfter:  5 * time.Minute,
		FirmwareVersion:    "1.0.0",
		LogLevel:           "info",
		LogFormat:          "text",
		CORSAllowedOrigins: "*",
		MQTT: MQTTConfig{
			URL:               "tcp://localhost:1883",
			ClientID:          "devicelink-ingestor",
			TelemetryTopic:    "+/devices/+/telemetry",
			StatusTopic:       "+/devices/+/status",
			ReconnectDelay:    3 * time.Second,
			ReconnectMaxDelay: 30 * time.Second,
			PublishTimeout:    5 * time.Second,
		},
	}
}

// Load reads defaults, the optional YAML file named by CONFIG_FILE and environment overrides.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return cfg, err
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("PG_DSN")
	}
	return cfg, cfg.Validate()
}

// Validate checks required settings.
func (c Config) Validate() error {
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL or PG_DSN is required")
		}
	case StoreMemory:
	default:
		return errors.New("config: STORE must be postgres or memory")
	}
	if c.JWTSecret == "" {
		return errors.New("config: AUTH_JWT_SECRET is required")
	}
	if c.MQTT.URL == "" {
		return errors.New("config: MQTT_URL is required")
	}
	if c.MQTT.ReconnectDelay <= 0 {
		return errors.New("config: MQTT_RECONNECT_DELAY must be positive")
	}
	if c.MQTT.ReconnectMaxDelay < c.MQTT.ReconnectDelay {
		return errors.New("config: MQTT_RECONNECT_MAX_DELAY must not be below MQTT_RECONNECT_DELAY")
	}
	if c.DefaultTenant == "" || strings.ContainsAny(c.DefaultTenant, "/+#") {
		return errors.New("config: DEFAULT_TENANT must be a single topic segment")
	}
	return nil
}

// AllowedOrigins splits CORSAllowedOrigins.
func (c Config) AllowedOrigins() []string {
	return splitCSV(c.CORSAllowedOrigins)
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	var result []string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}
