package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xxxsen/common/logger"
)

const (
	defaultConcurrency     = 4
	defaultSessionTTL      = 1800
	defaultUploadTimeout   = 30
	defaultRecognizeTime   = 20
	defaultMaxUploadBytes  = 20 * 1024 * 1024
	defaultRasterDensity   = 300
	defaultRasterPadding   = 20
	defaultSweepSpec       = "*/5 * * * *"
	defaultMemoSize        = 2048
	defaultMemoTTL         = 86400
	defaultRateLimitWindow = 2
)

type Config struct {
	Port        int              `json:"port"`
	LogConfig   logger.LogConfig `json:"log_config"`
	CORSOrigins []string         `json:"cors_origins"`
	FileStore   FileStoreConfig  `json:"file_store"`
	Recognizer  RecognizerConfig `json:"recognizer"`
	Pipeline    PipelineConfig   `json:"pipeline"`
	RefCache    RefCacheConfig   `json:"ref_cache"`
	Database    DatabaseConfig   `json:"database"`
}

type FileStoreConfig struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type RecognizerConfig struct {
	Providers      []ProviderConfig `json:"providers"`
	TimeoutSeconds int              `json:"timeout_seconds"`
	MemoSize       int              `json:"memo_size"`
	MemoTTLSeconds int              `json:"memo_ttl_seconds"`
}

type ProviderConfig struct {
	Name  string      `json:"name"`
	Type  string      `json:"type"`
	Model string      `json:"model"`
	Data  interface{} `json:"data"`
}

type PipelineConfig struct {
	Concurrency          int    `json:"concurrency"`
	SessionTTLSeconds    int    `json:"session_ttl_seconds"`
	UploadTimeoutSeconds int    `json:"upload_timeout_seconds"`
	MaxUploadBytes       int64  `json:"max_upload_bytes"`
	RasterDensity        int    `json:"raster_density"`
	RasterPadding        int    `json:"raster_padding"`
	MagickPath           string `json:"magick_path"`
	SweepSpec            string `json:"sweep_spec"`
	RateLimitSeconds     int    `json:"rate_limit_seconds"`
}

type RefCacheConfig struct {
	Type  string      `json:"type"`
	Redis RedisConfig `json:"redis"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
}

// Enabled reports whether confirmed submissions should be written to postgres.
func (c DatabaseConfig) Enabled() bool {
	return c.DSN != "" || c.Host != ""
}

func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.LogConfig.Level == "" {
		c.LogConfig.Level = "info"
	}
	if c.FileStore.Type == "" {
		c.FileStore.Type = "local"
	}
	c.FileStore.Type = strings.ToLower(strings.TrimSpace(c.FileStore.Type))
	switch c.FileStore.Type {
	case "local", "s3":
	default:
		return fmt.Errorf("file_store.type must be local or s3")
	}
	if c.FileStore.Data == nil {
		return fmt.Errorf("file_store.data is required")
	}

	for i, p := range c.Recognizer.Providers {
		if strings.TrimSpace(p.Type) == "" {
			return fmt.Errorf("recognizer.providers[%d].type is required", i)
		}
		if strings.TrimSpace(p.Model) == "" {
			return fmt.Errorf("recognizer.providers[%d].model is required", i)
		}
		if p.Name == "" {
			c.Recognizer.Providers[i].Name = p.Type
		}
	}
	if c.Recognizer.TimeoutSeconds <= 0 {
		c.Recognizer.TimeoutSeconds = defaultRecognizeTime
	}
	if c.Recognizer.MemoSize <= 0 {
		c.Recognizer.MemoSize = defaultMemoSize
	}
	if c.Recognizer.MemoTTLSeconds <= 0 {
		c.Recognizer.MemoTTLSeconds = defaultMemoTTL
	}

	p := &c.Pipeline
	if p.Concurrency <= 0 {
		p.Concurrency = defaultConcurrency
	}
	if p.SessionTTLSeconds <= 0 {
		p.SessionTTLSeconds = defaultSessionTTL
	}
	if p.UploadTimeoutSeconds <= 0 {
		p.UploadTimeoutSeconds = defaultUploadTimeout
	}
	if p.MaxUploadBytes <= 0 {
		p.MaxUploadBytes = defaultMaxUploadBytes
	}
	if p.RasterDensity <= 0 {
		p.RasterDensity = defaultRasterDensity
	}
	if p.RasterPadding < 0 {
		p.RasterPadding = 0
	} else if p.RasterPadding == 0 {
		p.RasterPadding = defaultRasterPadding
	}
	if p.SweepSpec == "" {
		p.SweepSpec = defaultSweepSpec
	}
	if p.RateLimitSeconds == 0 {
		p.RateLimitSeconds = defaultRateLimitWindow
	}

	if c.RefCache.Type == "" {
		c.RefCache.Type = "memory"
	}
	switch c.RefCache.Type {
	case "memory":
	case "redis":
		if c.RefCache.Redis.Addr == "" {
			return fmt.Errorf("ref_cache.redis.addr is required for redis cache")
		}
		if c.RefCache.Redis.Prefix == "" {
			c.RefCache.Redis.Prefix = "mathimport:ref:"
		}
	default:
		return fmt.Errorf("ref_cache.type must be memory or redis")
	}

	if c.Database.Enabled() && c.Database.DSN == "" {
		if c.Database.Port == 0 {
			c.Database.Port = 5432
		}
		if c.Database.SSLMode == "" {
			c.Database.SSLMode = "disable"
		}
	}
	return nil
}
