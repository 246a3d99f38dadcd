// Package config loads runtime configuration from the environment.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration shared by the blueprints service and
// autotunectl.
type Config struct {
	Addr         string `env:"ADDR,default=:8080"`
	DBDSN        string `env:"DB_DSN,required"`
	NATSURL      string `env:"NATS_URL,default=nats://127.0.0.1:4222"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogFormat    string `env:"LOG_FORMAT,default=json"`

	WorkingDirRoot string `env:"WORKING_DIR_ROOT,default=./working"`
	ConfigFile     string `env:"BLUEPRINT_CONFIG_FILE,default=autotune-config.json"`

	MediaBackend string `env:"MEDIA_BACKEND,default=local"`
	MediaRoot    string `env:"MEDIA_ROOT,default=./media"`
	MediaURL     string `env:"MEDIA_URL"`
	MediaPrefix  string `env:"MEDIA_PREFIX,default=blueprints"`
	S3Bucket     string `env:"S3_BUCKET"`

	FetchTimeout   time.Duration     `env:"FETCH_TIMEOUT,default=5m"`
	SetupTimeout   time.Duration     `env:"SETUP_TIMEOUT,default=10m"`
	SetupEnv       map[string]string `env:"SETUP_ENV"`
	SetupStepsFile string            `env:"SETUP_STEPS_FILE"`
	ThemePolicy    string            `env:"THEME_POLICY,default=create"`

	ResyncInterval  time.Duration `env:"RESYNC_INTERVAL,default=0s"`
	SyncConcurrency int           `env:"SYNC_CONCURRENCY,default=2"`
	SyncMaxDeliver  int           `env:"SYNC_MAX_DELIVER,default=5"`
	SyncRetryDelay  time.Duration `env:"SYNC_RETRY_DELAY,default=30s"`

	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS,default=*"`
}

// Load reads an optional .env file and then the environment. Variables that
// are already set win over the file.
func Load(ctx context.Context) (Config, error) {
	_ = godotenv.Load()
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.DBDSN) == "" {
		return fmt.Errorf("DB_DSN is required")
	}
	c.MediaBackend = strings.ToLower(strings.TrimSpace(c.MediaBackend))
	switch c.MediaBackend {
	case "local":
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when MEDIA_BACKEND=s3")
		}
	default:
		return fmt.Errorf("MEDIA_BACKEND must be local or s3, got %q", c.MediaBackend)
	}
	if c.FetchTimeout <= 0 || c.SetupTimeout <= 0 {
		return fmt.Errorf("FETCH_TIMEOUT and SETUP_TIMEOUT must be positive")
	}
	if c.ResyncInterval < 0 {
		return fmt.Errorf("RESYNC_INTERVAL must not be negative")
	}
	return nil
}
