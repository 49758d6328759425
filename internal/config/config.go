// Package config loads the console configuration.
//
// Defaults are overlaid by an optional YAML file named by ARKA_CONFIG, and
// then by ARKA_* environment variables. Environment always wins.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface.
type Config struct {
	HTTPAddr      string        `yaml:"http_addr"`
	GRPCAddr      string        `yaml:"grpc_addr"`
	PGDSN         string        `yaml:"pg_dsn"`
	LookupTimeout time.Duration `yaml:"lookup_timeout"`

	// TrustedProxies lists the networks (CIDR or single address) whose
	// X-Forwarded-For and X-Real-IP headers are believed.
	TrustedProxies []string `yaml:"trusted_proxies"`

	Auth  AuthConfig  `yaml:"auth"`
	Audit AuditConfig `yaml:"audit"`
	Login LoginConfig `yaml:"login"`

	Bootstrap BootstrapConfig `yaml:"bootstrap"`
}

// AuthConfig configures session tokens.
type AuthConfig struct {
	Secret         string        `yaml:"secret"`
	PreviousSecret string        `yaml:"previous_secret"`
	KeyID          string        `yaml:"key_id"`
	PreviousKeyID  string        `yaml:"previous_key_id"`
	Issuer         string        `yaml:"issuer"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
	CookieSecure   bool          `yaml:"cookie_secure"`
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	Enabled       bool          `yaml:"enabled"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
	QueueCapacity int           `yaml:"queue_capacity"`
	Retention     time.Duration `yaml:"retention"`
	HashSecret    string        `yaml:"hash_secret"`
}

// LoginConfig configures lockout and rate limiting on the login route.
type LoginConfig struct {
	MaxFailures   int           `yaml:"max_failures"`
	FailureWindow time.Duration `yaml:"failure_window"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
}

// MinPasswordLength applies to bootstrap admin passwords.
const MinPasswordLength = 12

// BootstrapConfig names an admin account created by migrate -create-admin,
// or held in memory when the API runs without a database.
type BootstrapConfig struct {
	AdminEmail    string `yaml:"admin_email"`
	AdminPassword string `yaml:"admin_password"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr:      ":8080",
		GRPCAddr:      ":9090",
		LookupTimeout: 2 * time.Second,
		Auth: AuthConfig{
			KeyID:    "arka-2025-09",
			Issuer:   "arka-console",
			TokenTTL: 2 * time.Hour,
		},
		Audit: AuditConfig{
			Enabled:       true,
			FlushInterval: 5 * time.Second,
			BatchSize:     10,
			QueueCapacity: 10000,
			Retention:     90 * 24 * time.Hour,
		},
		Login: LoginConfig{
			MaxFailures:   5,
			FailureWindow: 15 * time.Minute,
			RatePerSecond: 1,
			Burst:         5,
		},
	}
}

// Load reads ARKA_CONFIG (if set) and the process environment.
func Load() (Config, error) {
	return LoadFrom(os.LookupEnv)
}

// LoadFrom is Load with an explicit environment lookup.
func LoadFrom(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path, ok := lookup("ARKA_CONFIG"); ok && strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.overlayYAML(data); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.overlayEnv(lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) overlayYAML(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) overlayEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("ARKA_HTTP_ADDR", &c.HTTPAddr)
	str("ARKA_GRPC_ADDR", &c.GRPCAddr)
	str("ARKA_PG_DSN", &c.PGDSN)
	if v, ok := lookup("ARKA_TRUSTED_PROXIES"); ok {
		c.TrustedProxies = nil
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				c.TrustedProxies = append(c.TrustedProxies, item)
			}
		}
	}
	dur("ARKA_LOOKUP_TIMEOUT", &c.LookupTimeout)

	str("ARKA_JWT_SECRET", &c.Auth.Secret)
	str("ARKA_JWT_PREVIOUS_SECRET", &c.Auth.PreviousSecret)
	str("ARKA_JWT_KID", &c.Auth.KeyID)
	str("ARKA_JWT_PREVIOUS_KID", &c.Auth.PreviousKeyID)
	str("ARKA_JWT_ISSUER", &c.Auth.Issuer)
	dur("ARKA_TOKEN_TTL", &c.Auth.TokenTTL)
	flag("ARKA_COOKIE_SECURE", &c.Auth.CookieSecure)

	flag("ARKA_AUDIT_ENABLED", &c.Audit.Enabled)
	dur("ARKA_AUDIT_FLUSH_INTERVAL", &c.Audit.FlushInterval)
	num("ARKA_AUDIT_BATCH_SIZE", &c.Audit.BatchSize)
	num("ARKA_AUDIT_QUEUE_CAPACITY", &c.Audit.QueueCapacity)
	dur("ARKA_AUDIT_RETENTION", &c.Audit.Retention)
	str("ARKA_HASH_SECRET", &c.Audit.HashSecret)

	num("ARKA_LOGIN_MAX_FAILURES", &c.Login.MaxFailures)
	dur("ARKA_LOGIN_FAILURE_WINDOW", &c.Login.FailureWindow)
	num("ARKA_LOGIN_BURST", &c.Login.Burst)
	if v, ok := lookup("ARKA_LOGIN_RATE"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("ARKA_LOGIN_RATE: %w", err))
		} else {
			c.Login.RatePerSecond = f
		}
	}

	str("ARKA_BOOTSTRAP_ADMIN_EMAIL", &c.Bootstrap.AdminEmail)
	str("ARKA_BOOTSTRAP_ADMIN_PASSWORD", &c.Bootstrap.AdminPassword)
	return errors.Join(errs...)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Auth.Secret == "" {
		errs = append(errs, errors.New("auth secret is required (ARKA_JWT_SECRET)"))
	} else if len(c.Auth.Secret) < 32 {
		errs = append(errs, errors.New("auth secret must be at least 32 bytes"))
	}
	if _, err := c.ProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	if c.Auth.PreviousKeyID != "" && c.Auth.PreviousSecret == "" {
		errs = append(errs, errors.New("previous key id needs a previous secret (ARKA_JWT_PREVIOUS_SECRET)"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("token ttl must be positive"))
	}
	if c.LookupTimeout <= 0 {
		errs = append(errs, errors.New("lookup timeout must be positive"))
	}
	if c.Audit.FlushInterval <= 0 || c.Audit.BatchSize <= 0 || c.Audit.QueueCapacity <= 0 {
		errs = append(errs, errors.New("audit flush interval, batch size and queue capacity must be positive"))
	}
	if c.Audit.Retention <= 0 {
		errs = append(errs, errors.New("audit retention must be positive"))
	}
	if c.Login.MaxFailures <= 0 || c.Login.FailureWindow <= 0 {
		errs = append(errs, errors.New("login lockout threshold and window must be positive"))
	}
	if c.Login.RatePerSecond <= 0 || c.Login.Burst <= 0 {
		errs = append(errs, errors.New("login rate and burst must be positive"))
	}
	if (c.Bootstrap.AdminEmail == "") != (c.Bootstrap.AdminPassword == "") {
		errs = append(errs, errors.New("bootstrap admin needs both email and password"))
	} else if c.Bootstrap.AdminPassword != "" && len(c.Bootstrap.AdminPassword) < MinPasswordLength {
		errs = append(errs, fmt.Errorf("bootstrap admin password must be at least %d characters", MinPasswordLength))
	}
	return errors.Join(errs...)
}

// ProxyPrefixes parses TrustedProxies. A bare address becomes a single-host
// prefix.
func (c Config) ProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if p, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: not an address or CIDR", raw)
		}
		out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	return out, nil
}

// ParseDuration accepts time.ParseDuration syntax plus a whole-day "d" unit,
// e.g. "90d".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
