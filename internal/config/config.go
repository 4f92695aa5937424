// Package config loads service settings from defaults, an optional TOML file,
// an optional .env file and the process environment, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/creasty/defaults"
	"github.com/joho/godotenv"
)

// Backends understood by the service.
const (
	BackendDlib = "dlib"
	BackendGRPC = "grpc"
	BackendHTTP = "http"
)

type Config struct {
	Server ServerConfig `toml:"server"`
	Model  ModelConfig  `toml:"model"`
	Cache  CacheConfig  `toml:"cache"`
	Log    LogConfig    `toml:"log"`
}

type ServerConfig struct {
	Addr            string        `toml:"addr" default:":1234"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" default:"15s"`
	AllowedOrigins  []string      `toml:"allowed_origins" default:"[\"*\"]"`
	ScratchDir      string        `toml:"scratch_dir"` // empty means os.TempDir()
	MaxImageSide    int           `toml:"max_image_side" default:"2048"`
	MaxImagePixels  int           `toml:"max_image_pixels" default:"40000000"` // declared width*height above this is rejected before decoding
}

type ModelConfig struct {
	Backend      string  `toml:"backend" default:"dlib"`
	Threshold    float64 `toml:"threshold" default:"0.8"`
	Device       string  `toml:"device" default:"auto"` // auto, cpu or cuda; forwarded to remote backends
	ModelsDir    string  `toml:"models_dir" default:"models"`
	GRPCAddr     string  `toml:"grpc_addr" default:"localhost:50051"`
	EmbeddingURL string  `toml:"embedding_url" default:"http://localhost:8000"`
}

type CacheConfig struct {
	RedisAddr    string        `toml:"redis_addr"`
	EmbeddingTTL time.Duration `toml:"embedding_ttl" default:"10m"`
	ResultTTL    time.Duration `toml:"result_ttl" default:"5m"`
}

type LogConfig struct {
	Level  string        `toml:"level" default:"info"`
	File   string        `toml:"file"`
	MaxAge time.Duration `toml:"max_age" default:"168h"`
}

// Load builds the configuration. A missing .env file is not an error.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}

	if path := os.Getenv("FACEMATCH_CONFIG"); path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	envString("FACEMATCH_ADDR", &cfg.Server.Addr)
	envString("FACEMATCH_SCRATCH_DIR", &cfg.Server.ScratchDir)
	envString("FACEMATCH_BACKEND", &cfg.Model.Backend)
	envString("FACEMATCH_DEVICE", &cfg.Model.Device)
	envString("FACEMATCH_MODELS_DIR", &cfg.Model.ModelsDir)
	envString("FACEMATCH_GRPC_ADDR", &cfg.Model.GRPCAddr)
	envString("FACEMATCH_EMBEDDING_URL", &cfg.Model.EmbeddingURL)
	envString("REDIS_ADDR", &cfg.Cache.RedisAddr)
	envString("LOG_LEVEL", &cfg.Log.Level)
	envString("LOG_FILE", &cfg.Log.File)

	if v := os.Getenv("FACEMATCH_ALLOWED_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.Server.AllowedOrigins = origins
	}

	if err := envFloat("FACEMATCH_THRESHOLD", &cfg.Model.Threshold); err != nil {
		return err
	}
	if err := envInt("FACEMATCH_MAX_IMAGE_SIDE", &cfg.Server.MaxImageSide); err != nil {
		return err
	}
	if err := envInt("FACEMATCH_MAX_IMAGE_PIXELS", &cfg.Server.MaxImagePixels); err != nil {
		return err
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"FACEMATCH_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout},
		{"FACEMATCH_CACHE_EMBEDDING_TTL", &cfg.Cache.EmbeddingTTL},
		{"FACEMATCH_CACHE_RESULT_TTL", &cfg.Cache.ResultTTL},
		{"LOG_MAX_AGE", &cfg.Log.MaxAge},
	}
	for _, d := range durations {
		if err := envDuration(d.key, d.dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	switch c.Model.Backend {
	case BackendDlib, BackendGRPC, BackendHTTP:
	default:
		return fmt.Errorf("unknown model backend %q", c.Model.Backend)
	}
	switch c.Model.Device {
	case "auto", "cpu", "cuda":
	default:
		return fmt.Errorf("unknown device %q", c.Model.Device)
	}
	if math.IsNaN(c.Model.Threshold) || math.IsInf(c.Model.Threshold, 0) || c.Model.Threshold <= 0 {
		return fmt.Errorf("threshold must be a positive finite number, got %v", c.Model.Threshold)
	}
	if c.Server.MaxImageSide <= 0 {
		return fmt.Errorf("max image side must be positive, got %d", c.Server.MaxImageSide)
	}
	if c.Server.MaxImagePixels <= 0 {
		return fmt.Errorf("max image pixels must be positive, got %d", c.Server.MaxImagePixels)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive, got %s", c.Server.ShutdownTimeout)
	}
	return nil
}

func envString(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envFloat(key string, dst *float64) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = f
	return nil
}

func envInt(key string, dst *int) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = n
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = d
	return nil
}
