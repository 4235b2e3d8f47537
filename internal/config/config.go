// Package config assembles the service configuration from, in increasing
// precedence: built-in defaults, an optional YAML file, a .env file and the
// process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"pasofino/internal/constants"
	"pasofino/internal/logger"
	"pasofino/internal/utils"
)

const EnvConfigFile = "PASOFINO_CONFIG"

type Config struct {
	Port           string          `yaml:"port"`
	NodeID         string          `yaml:"node_id"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	Log            logger.Config   `yaml:"log"`
	Redis          RedisConfig     `yaml:"redis"`
	Push           PushConfig      `yaml:"push"`
	Identity       IdentityConfig  `yaml:"identity"`
	DatabaseURL    string          `yaml:"database_url"`
	Telemetry      TelemetryConfig `yaml:"telemetry"`
}

type RedisConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Configured reports whether enough is set to attempt a connection.
func (c RedisConfig) Configured() bool {
	return c.URL != "" || c.Host != ""
}

type PushConfig struct {
	PublicKey  string        `yaml:"vapid_public_key"`
	PrivateKey string        `yaml:"vapid_private_key"`
	Subject    string        `yaml:"vapid_subject"`
	TTL        int           `yaml:"ttl"`
	Workers    int           `yaml:"workers"`
	Timeout    time.Duration `yaml:"timeout"`
}

func (c PushConfig) Configured() bool {
	return c.PublicKey != "" && c.PrivateKey != ""
}

type IdentityConfig struct {
	URL       string `yaml:"url"`
	AnonKey   string `yaml:"anon_key"`
	JWTSecret string `yaml:"jwt_secret"`
}

func (c IdentityConfig) Configured() bool {
	return c.URL != "" && c.AnonKey != ""
}

type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

func Defaults() Config {
	return Config{
		Port: constants.DefaultPort,
		Log:  logger.Config{Level: "info", Format: "text"},
		Redis: RedisConfig{
			Port: "6379",
		},
		Push: PushConfig{
			Subject: "mailto:contacto@pasofino.co",
			TTL:     constants.PushTTLSeconds,
			Workers: constants.PushMaxConcurrency,
			Timeout: constants.PushDeliveryTimeout,
		},
	}
}

// Load never fails on missing optional sources; it fails only on a YAML file
// that exists but cannot be parsed.
func Load() (Config, error) {
	cfg := Defaults()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warnf("⚠️  Could not read .env: %v", err)
	}

	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Port = utils.GetEnv("PORT", cfg.Port)
	cfg.NodeID = utils.GetEnv("NODE_ID", cfg.NodeID)
	if origins := utils.SplitList(os.Getenv("ALLOWED_ORIGINS")); len(origins) > 0 {
		cfg.AllowedOrigins = origins
	}

	cfg.Log.Level = utils.GetEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = utils.GetEnv("LOG_FORMAT", cfg.Log.Format)

	cfg.Redis.URL = utils.GetEnv("REDIS_URL", cfg.Redis.URL)
	cfg.Redis.Host = utils.GetEnv("REDIS_HOST", cfg.Redis.Host)
	cfg.Redis.Port = utils.GetEnv("REDIS_PORT", cfg.Redis.Port)
	cfg.Redis.Username = utils.GetEnv("REDIS_USERNAME", cfg.Redis.Username)
	cfg.Redis.Password = utils.GetEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = utils.GetEnvInt("REDIS_DB", cfg.Redis.DB)

	cfg.Push.PublicKey = utils.GetEnv("VAPID_PUBLIC_KEY", cfg.Push.PublicKey)
	cfg.Push.PrivateKey = utils.GetEnv("VAPID_PRIVATE_KEY", cfg.Push.PrivateKey)
	cfg.Push.Subject = utils.GetEnv("VAPID_SUBJECT", cfg.Push.Subject)
	cfg.Push.Workers = utils.GetEnvInt("PUSH_WORKERS", cfg.Push.Workers)
	cfg.Push.Timeout = utils.GetEnvDuration("PUSH_TIMEOUT", cfg.Push.Timeout)

	cfg.Identity.URL = utils.GetEnv("IDENTITY_URL", cfg.Identity.URL)
	cfg.Identity.AnonKey = utils.GetEnv("IDENTITY_ANON_KEY", cfg.Identity.AnonKey)
	cfg.Identity.JWTSecret = utils.GetEnv("IDENTITY_JWT_SECRET", cfg.Identity.JWTSecret)

	cfg.DatabaseURL = utils.GetEnv("DATABASE_URL", cfg.DatabaseURL)

	cfg.Telemetry.Endpoint = utils.GetEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.Insecure = utils.GetEnvBool("OTEL_EXPORTER_OTLP_INSECURE", cfg.Telemetry.Insecure)
}
