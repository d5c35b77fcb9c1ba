// Package config loads server settings from an optional YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
)

// Config holds everything cmd/server needs to wire the engine.
type Config struct {
	Port        string        `yaml:"port"`
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`

	// Authority is the hex Ed25519 key that signs close attestations.
	Authority             string `yaml:"attestation_authority"`
	OvernightFeeNumerator uint64 `yaml:"overnight_fee_numerator"`

	// MaxPriceAge rejects feed prices older than this. Zero disables the check.
	MaxPriceAge time.Duration `yaml:"max_price_age"`

	// Feeds seeds the feed source at startup.
	Feeds map[string]oracle.Price `yaml:"feeds"`

	// FeedPublishing mounts PUT /api/v1/feeds/{feedID}. Off by default:
	// anyone who can publish can move every quote.
	FeedPublishing bool `yaml:"feed_publishing"`
}

// Default returns the settings used when neither file nor env say otherwise.
func Default() Config {
	return Config{
		Port:     "8080",
		CacheTTL: 30 * time.Second,
	}
}

// Load reads path (skipped when empty) and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := overrideWithEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// AuthorityKey parses the configured authority. An unset authority is the
// zero key.
func (c *Config) AuthorityKey() (model.Pubkey, error) {
	if c.Authority == "" {
		return model.Pubkey{}, nil
	}
	return model.ParsePubkey(c.Authority)
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	if c.CacheTTL < 0 {
		errs = append(errs, errors.New("cache ttl must not be negative"))
	}
	if c.MaxPriceAge < 0 {
		errs = append(errs, errors.New("max price age must not be negative"))
	}
	if c.OvernightFeeNumerator > model.RateDenominator {
		errs = append(errs, fmt.Errorf("overnight fee numerator %d exceeds %d", c.OvernightFeeNumerator, model.RateDenominator))
	}
	if _, err := c.AuthorityKey(); err != nil {
		errs = append(errs, fmt.Errorf("attestation authority: %w", err))
	}
	return errors.Join(errs...)
}

func overrideWithEnv(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("ATTESTATION_AUTHORITY"); v != "" {
		cfg.Authority = v
	}

	var errs []error
	if v := os.Getenv("CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("CACHE_TTL: %w", err))
		}
		cfg.CacheTTL = d
	}
	if v := os.Getenv("MAX_PRICE_AGE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("MAX_PRICE_AGE: %w", err))
		}
		cfg.MaxPriceAge = d
	}
	if v := os.Getenv("OVERNIGHT_FEE_NUMERATOR"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("OVERNIGHT_FEE_NUMERATOR: %w", err))
		}
		cfg.OvernightFeeNumerator = n
	}
	if v := os.Getenv("FEED_PUBLISHING"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("FEED_PUBLISHING: %w", err))
		}
		cfg.FeedPublishing = b
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
