package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"blobkeeper/internal/binarydata"
)

const EnvPrefix = "BLOBKEEPER"

type Config struct {
	BinaryData BinaryDataConfig `mapstructure:"binarydata"`
	S3         S3Config         `mapstructure:"s3"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Datastore  DatastoreConfig  `mapstructure:"datastore"`
	Log        LogConfig        `mapstructure:"log"`
}

type BinaryDataConfig struct {
	// Mode is where new payloads are stored. "default" keeps them inline.
	Mode string `mapstructure:"mode"`
	// AvailableModes is the comma separated list of backends to build.
	AvailableModes   string        `mapstructure:"availableModes"`
	LocalStoragePath string        `mapstructure:"localStoragePath"`
	TTL              time.Duration `mapstructure:"ttl"`
	PersistedTTL     time.Duration `mapstructure:"persistedTTL"`
	MaxConcurrency   int           `mapstructure:"maxConcurrency"`
	MainProcess      bool          `mapstructure:"mainProcess"`
	Cache            CacheConfig   `mapstructure:"cache"`
}

type CacheConfig struct {
	Enabled    bool  `mapstructure:"enabled"`
	MaxEntries int   `mapstructure:"maxEntries"`
	MaxBytes   int64 `mapstructure:"maxBytes"`
}

type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"accessKey"`
	SecretKey string `mapstructure:"secretKey"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	UseSSL    bool   `mapstructure:"useSSL"`
}

type RedisConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

type DatastoreConfig struct {
	URI string `mapstructure:"uri"`
}

type LogConfig struct {
	Format string `mapstructure:"format"`
	Level  string `mapstructure:"level"`
}

func DefaultConfig() *Config {
	return &Config{
		BinaryData: BinaryDataConfig{
			Mode:             binarydata.InlineMode,
			AvailableModes:   "filesystem",
			LocalStoragePath: defaultStoragePath(),
			TTL:              60 * time.Minute,
			PersistedTTL:     1440 * time.Minute,
			MaxConcurrency:   16,
			MainProcess:      true,
			Cache: CacheConfig{
				Enabled:    false,
				MaxEntries: 1024,
				MaxBytes:   64 * 1024 * 1024,
			},
		},
		S3: S3Config{
			Region: "us-east-1",
			Bucket: "blobkeeper-binary-data",
			Prefix: "binary-data",
			UseSSL: true,
		},
		Redis: RedisConfig{
			Prefix: "binary-data",
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

func defaultStoragePath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "binaryData"
	}
	return filepath.Join(home, ".blobkeeper", "binaryData")
}

// Modes returns the enabled backend modes parsed from AvailableModes.
func (c BinaryDataConfig) Modes() []string {
	return binarydata.ParseModes(c.AvailableModes)
}

// Verify rejects configurations that cannot start. An active mode missing
// from AvailableModes is allowed: references to it simply fail to resolve.
func (c *Config) Verify() error {
	if strings.TrimSpace(c.BinaryData.Mode) == "" {
		return fmt.Errorf("binarydata.mode is required")
	}
	modes := c.BinaryData.Modes()
	if slices.Contains(modes, "filesystem") && strings.TrimSpace(c.BinaryData.LocalStoragePath) == "" {
		return fmt.Errorf("binarydata.localStoragePath is required for the filesystem mode")
	}
	if slices.Contains(modes, "redis") && strings.TrimSpace(c.Redis.URL) == "" {
		return fmt.Errorf("redis.url is required for the redis mode")
	}
	if c.BinaryData.PersistedTTL < 0 {
		return fmt.Errorf("binarydata.persistedTTL must not be negative")
	}
	return nil
}

// ActiveModeEnabled reports whether the active mode is inline or has a backend.
func (c *Config) ActiveModeEnabled() bool {
	mode := c.BinaryData.Mode
	return mode == binarydata.InlineMode || slices.Contains(c.BinaryData.Modes(), mode)
}

// Prepare configures v to read BLOBKEEPER_* environment variables, an
// optional config.yaml and a .env file in the working directory.
func Prepare(v *viper.Viper) {
	_ = godotenv.Load()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for _, path := range []string{"/etc/blobkeeper", "$HOME/.blobkeeper", "."} {
		v.AddConfigPath(path)
	}
	setDefaults(v, DefaultConfig())

	// Underscored spellings used by older deployments.
	MustBindEnv(v, "binarydata.mode", "BLOBKEEPER_BINARYDATA_MODE", "BLOBKEEPER_BINARY_DATA_MODE")
	MustBindEnv(v, "binarydata.availableModes", "BLOBKEEPER_BINARYDATA_AVAILABLEMODES", "BLOBKEEPER_AVAILABLE_BINARY_DATA_MODES")
	MustBindEnv(v, "binarydata.localStoragePath", "BLOBKEEPER_BINARYDATA_LOCALSTORAGEPATH", "BLOBKEEPER_BINARY_DATA_STORAGE_PATH")
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("binarydata.mode", d.BinaryData.Mode)
	v.SetDefault("binarydata.availableModes", d.BinaryData.AvailableModes)
	v.SetDefault("binarydata.localStoragePath", d.BinaryData.LocalStoragePath)
	v.SetDefault("binarydata.ttl", d.BinaryData.TTL)
	v.SetDefault("binarydata.persistedTTL", d.BinaryData.PersistedTTL)
	v.SetDefault("binarydata.maxConcurrency", d.BinaryData.MaxConcurrency)
	v.SetDefault("binarydata.mainProcess", d.BinaryData.MainProcess)
	v.SetDefault("binarydata.cache.enabled", d.BinaryData.Cache.Enabled)
	v.SetDefault("binarydata.cache.maxEntries", d.BinaryData.Cache.MaxEntries)
	v.SetDefault("binarydata.cache.maxBytes", d.BinaryData.Cache.MaxBytes)
	v.SetDefault("s3.endpoint", d.S3.Endpoint)
	v.SetDefault("s3.region", d.S3.Region)
	v.SetDefault("s3.accessKey", d.S3.AccessKey)
	v.SetDefault("s3.secretKey", d.S3.SecretKey)
	v.SetDefault("s3.bucket", d.S3.Bucket)
	v.SetDefault("s3.prefix", d.S3.Prefix)
	v.SetDefault("s3.useSSL", d.S3.UseSSL)
	v.SetDefault("redis.url", d.Redis.URL)
	v.SetDefault("redis.prefix", d.Redis.Prefix)
	v.SetDefault("datastore.uri", d.Datastore.URI)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.level", d.Log.Level)
}

// Load reads the configuration from v. A missing config file is not an error.
func Load(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	if err := v.ReadInConfig(); err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Verify(); err != nil {
		return nil, err
	}
	return cfg, nil
}
