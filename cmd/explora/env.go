package main

import (
	"os"
	"strconv"
	"strings"

	"explora.ai/internal/config"
)

// loadConfig reads the config file and applies EXPLORA_* environment
// overrides for secrets and the mirror. A missing file yields the defaults.
func loadConfig(path string) (config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	applyEnv(&cfg)
	cfg.Normalize()
	return cfg, cfg.Validate()
}

func applyEnv(cfg *config.Config) {
	cfg.Backend.BaseURL = envString("EXPLORA_BACKEND_URL", cfg.Backend.BaseURL)
	cfg.Backend.APIKey = envString("EXPLORA_API_KEY", cfg.Backend.APIKey)
	cfg.Ingest.Token = envString("EXPLORA_INGEST_TOKEN", cfg.Ingest.Token)
	cfg.Debug = envBool("EXPLORA_DEBUG", cfg.Debug)

	cfg.Mirror.Enabled = envBool("EXPLORA_MIRROR", cfg.Mirror.Enabled)
	cfg.Mirror.Endpoint = envString("EXPLORA_MIRROR_ENDPOINT", cfg.Mirror.Endpoint)
	cfg.Mirror.Bucket = envString("EXPLORA_MIRROR_BUCKET", cfg.Mirror.Bucket)
	cfg.Mirror.AccessKeyID = envString("EXPLORA_MIRROR_ACCESS_KEY_ID", cfg.Mirror.AccessKeyID)
	cfg.Mirror.SecretAccessKey = envString("EXPLORA_MIRROR_SECRET_ACCESS_KEY", cfg.Mirror.SecretAccessKey)
	cfg.Mirror.Prefix = envString("EXPLORA_MIRROR_PREFIX", cfg.Mirror.Prefix)
	cfg.Mirror.Workers = envInt("EXPLORA_MIRROR_WORKERS", cfg.Mirror.Workers)
}

// redacted hides secrets for debug logging.
func redacted(cfg config.Config) config.Config {
	if cfg.Backend.APIKey != "" {
		cfg.Backend.APIKey = "***"
	}
	if cfg.Ingest.Token != "" {
		cfg.Ingest.Token = "***"
	}
	if cfg.Mirror.SecretAccessKey != "" {
		cfg.Mirror.SecretAccessKey = "***"
	}
	return cfg
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
