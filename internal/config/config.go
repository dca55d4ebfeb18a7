// Package config loads the daemon configuration: a yaml file merged with
// TRELLIS_* environment overrides, every value bounded with a fallback.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen   string         `yaml:"listen"`
	Resolver ResolverConfig `yaml:"resolver"`
	Account  AccountConfig  `yaml:"account"`
	Session  SessionConfig  `yaml:"session"`
	Throttle ThrottleConfig `yaml:"throttle"`
	Store    StoreConfig    `yaml:"store"`
}

type ResolverConfig struct {
	FrozenScanTimeout   time.Duration `yaml:"frozenScanTimeout"`
	DirectKeyTimeout    time.Duration `yaml:"directKeyTimeout"`
	AlternateKeyTimeout time.Duration `yaml:"alternateKeyTimeout"`
	KeyScanTimeout      time.Duration `yaml:"keyScanTimeout"`
	HardDeadline        time.Duration `yaml:"hardDeadline"`
}

type AccountConfig struct {
	PostAuthTimeout     time.Duration `yaml:"postAuthTimeout"`
	PropagationDelay    time.Duration `yaml:"propagationDelay"`
	PasswordMinLength   int           `yaml:"passwordMinLength"`
	PasswordMinClasses  int           `yaml:"passwordMinClasses"`
	LoginMaxAttempts    int           `yaml:"loginMaxAttempts"`
	LoginCooldown       time.Duration `yaml:"loginCooldown"`
	SignupMaxAttempts   int           `yaml:"signupMaxAttempts"`
	SignupCooldown      time.Duration `yaml:"signupCooldown"`
}

type SessionConfig struct {
	Dir    string        `yaml:"dir"`
	Secret string        `yaml:"secret"`
	TTL    time.Duration `yaml:"ttl"`
}

type ThrottleConfig struct {
	RPS     float64       `yaml:"rps"`
	Burst   int           `yaml:"burst"`
	IdleTTL time.Duration `yaml:"idleTTL"`
}

type StoreConfig struct {
	PropagationLag time.Duration `yaml:"propagationLag"`
}

func Default() Config {
	return Config{
		Listen: "127.0.0.1:8799",
		Resolver: ResolverConfig{
			FrozenScanTimeout:   2000 * time.Millisecond,
			DirectKeyTimeout:    1500 * time.Millisecond,
			AlternateKeyTimeout: 1500 * time.Millisecond,
			KeyScanTimeout:      1500 * time.Millisecond,
			HardDeadline:        3000 * time.Millisecond,
		},
		Account: AccountConfig{
			PostAuthTimeout:    5000 * time.Millisecond,
			PropagationDelay:   100 * time.Millisecond,
			PasswordMinLength:  8,
			PasswordMinClasses: 3,
			LoginMaxAttempts:   5,
			LoginCooldown:      5 * time.Minute,
			SignupMaxAttempts:  3,
			SignupCooldown:     10 * time.Minute,
		},
		Session: SessionConfig{
			TTL: 24 * time.Hour,
		},
		Throttle: ThrottleConfig{
			RPS:     5,
			Burst:   10,
			IdleTTL: 10 * time.Minute,
		},
	}
}

// Load merges the first readable candidate file over the defaults and then
// applies environment overrides. A missing or malformed file falls back to
// defaults rather than failing startup.
func Load(path string) Config {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if path != "" {
		candidates = append(candidates, path)
	} else {
		candidates = append(candidates, "configs/config.yaml", "config.yaml")
	}

	for _, candidate := range candidates {
		data, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}
		var parsed Config
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}
		merge(&cfg, parsed)
		break
	}

	applyEnvOverrides(&cfg)
	return cfg
}

func merge(dst *Config, src Config) {
	if src.Listen != "" {
		dst.Listen = src.Listen
	}
	mergeDuration(&dst.Resolver.FrozenScanTimeout, src.Resolver.FrozenScanTimeout)
	mergeDuration(&dst.Resolver.DirectKeyTimeout, src.Resolver.DirectKeyTimeout)
	mergeDuration(&dst.Resolver.AlternateKeyTimeout, src.Resolver.AlternateKeyTimeout)
	mergeDuration(&dst.Resolver.KeyScanTimeout, src.Resolver.KeyScanTimeout)
	mergeDuration(&dst.Resolver.HardDeadline, src.Resolver.HardDeadline)
	mergeDuration(&dst.Account.PostAuthTimeout, src.Account.PostAuthTimeout)
	mergeDuration(&dst.Account.PropagationDelay, src.Account.PropagationDelay)
	mergeInt(&dst.Account.PasswordMinLength, src.Account.PasswordMinLength)
	mergeInt(&dst.Account.PasswordMinClasses, src.Account.PasswordMinClasses)
	mergeInt(&dst.Account.LoginMaxAttempts, src.Account.LoginMaxAttempts)
	mergeDuration(&dst.Account.LoginCooldown, src.Account.LoginCooldown)
	mergeInt(&dst.Account.SignupMaxAttempts, src.Account.SignupMaxAttempts)
	mergeDuration(&dst.Account.SignupCooldown, src.Account.SignupCooldown)
	if src.Session.Dir != "" {
		dst.Session.Dir = src.Session.Dir
	}
	if src.Session.Secret != "" {
		dst.Session.Secret = src.Session.Secret
	}
	mergeDuration(&dst.Session.TTL, src.Session.TTL)
	if src.Throttle.RPS > 0 {
		dst.Throttle.RPS = src.Throttle.RPS
	}
	mergeInt(&dst.Throttle.Burst, src.Throttle.Burst)
	mergeDuration(&dst.Throttle.IdleTTL, src.Throttle.IdleTTL)
	mergeDuration(&dst.Store.PropagationLag, src.Store.PropagationLag)
}

func mergeDuration(dst *time.Duration, src time.Duration) {
	if src > 0 {
		*dst = src
	}
}

func mergeInt(dst *int, src int) {
	if src > 0 {
		*dst = src
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := envString("TRELLIS_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := envString("TRELLIS_SESSION_DIR"); v != "" {
		cfg.Session.Dir = v
	}
	if v := envString("TRELLIS_SESSION_SECRET"); v != "" {
		cfg.Session.Secret = v
	}
	cfg.Account.LoginMaxAttempts = envBoundedInt("TRELLIS_LOGIN_MAX_ATTEMPTS", cfg.Account.LoginMaxAttempts, 1, 100)
	cfg.Account.SignupMaxAttempts = envBoundedInt("TRELLIS_SIGNUP_MAX_ATTEMPTS", cfg.Account.SignupMaxAttempts, 1, 100)
	cfg.Account.PasswordMinLength = envBoundedInt("TRELLIS_PASSWORD_MIN_LENGTH", cfg.Account.PasswordMinLength, 4, 128)
	if v := envDuration("TRELLIS_POST_AUTH_TIMEOUT"); v > 0 {
		cfg.Account.PostAuthTimeout = v
	}
	if v := envDuration("TRELLIS_SESSION_TTL"); v > 0 {
		cfg.Session.TTL = v
	}
	if v := envDuration("TRELLIS_STORE_LAG"); v > 0 {
		cfg.Store.PropagationLag = v
	}
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envDuration(key string) time.Duration {
	raw := envString(key)
	if raw == "" {
		return 0
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0
	}
	return parsed
}

func envBoundedInt(key string, fallback, min, max int) int {
	raw := envString(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if parsed < min {
		return min
	}
	if parsed > max {
		return max
	}
	return parsed
}
