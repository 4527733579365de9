// Package config loads server configuration from an optional YAML file with
// environment variable overrides. Environment always wins, so deployments can
// ship a baseline config file and tweak single knobs per instance.
package config

import (
	"os"
	"strconv"

	yaml "gopkg.in/yaml.v3"
)

type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"databaseUrl"`
	Migrate     bool   `yaml:"migrate"`
	RedisURL    string `yaml:"redisUrl"`

	Auth struct {
		Mode       string `yaml:"mode"` // dev | hmac | jwks
		HMACSecret string `yaml:"hmacSecret"`
		JWKSURL    string `yaml:"jwksUrl"`
	} `yaml:"auth"`

	Dispatch struct {
		// Worker poll interval in seconds and per-delivery attempt cap.
		PollSeconds int `yaml:"pollSeconds"`
		MaxAttempts int `yaml:"maxAttempts"`
	} `yaml:"dispatch"`

	Ingest struct {
		// Location fix rate limit, per org: sustained fixes/sec and burst.
		RatePerSec float64 `yaml:"ratePerSec"`
		Burst      int     `yaml:"burst"`
	} `yaml:"ingest"`

	Media struct {
		// Base URL and signing secret for presigned upload URLs.
		BaseURL string `yaml:"baseUrl"`
		Secret  string `yaml:"secret"`
	} `yaml:"media"`
}

// Load reads the file named by CONFIG_FILE (if set and present), then applies
// environment overrides, then fills defaults.
func Load() (Config, error) {
	var c Config
	c.Migrate = true
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return Config{}, err
		}
	}
	overrideString(&c.Port, "PORT")
	overrideString(&c.DatabaseURL, "DATABASE_URL")
	overrideBool(&c.Migrate, "DB_MIGRATE")
	overrideString(&c.RedisURL, "REDIS_URL")
	overrideString(&c.Auth.Mode, "AUTH_MODE")
	overrideString(&c.Auth.HMACSecret, "AUTH_HMAC_SECRET")
	overrideString(&c.Auth.JWKSURL, "AUTH_JWKS_URL")
	overrideInt(&c.Dispatch.PollSeconds, "DISPATCH_POLL_SECONDS")
	overrideInt(&c.Dispatch.MaxAttempts, "DISPATCH_MAX_ATTEMPTS")
	overrideFloat(&c.Ingest.RatePerSec, "INGEST_RATE_PER_SEC")
	overrideInt(&c.Ingest.Burst, "INGEST_BURST")
	overrideString(&c.Media.BaseURL, "MEDIA_BASE_URL")
	overrideString(&c.Media.Secret, "MEDIA_SECRET")

	if c.Port == "" {
		c.Port = "8080"
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = "dev"
	}
	if c.Dispatch.PollSeconds <= 0 {
		c.Dispatch.PollSeconds = 1
	}
	if c.Dispatch.MaxAttempts <= 0 {
		c.Dispatch.MaxAttempts = 8
	}
	if c.Ingest.RatePerSec <= 0 {
		c.Ingest.RatePerSec = 50
	}
	if c.Ingest.Burst <= 0 {
		c.Ingest.Burst = 200
	}
	return c, nil
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			*dst = b
		}
	}
}

func overrideInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			*dst = n
		}
	}
}

func overrideFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			*dst = f
		}
	}
}
