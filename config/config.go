// Package config loads the signing engine configuration from defaults, an
// optional YAML file and SIGNFLOW_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the variable holding the optional YAML file path.
const EnvConfigPath = "SIGNFLOW_CONFIG"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Config is the complete engine configuration.
type Config struct {
	Expiration ExpirationConfig `yaml:"expiration"`
	Limits     LimitsConfig     `yaml:"limits"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Sweep      SweepConfig      `yaml:"sweep"`
	Database   DatabaseConfig   `yaml:"database"`
	HTTP       HTTPConfig       `yaml:"http"`
	TOTP       TOTPConfig       `yaml:"totp"`
}

// ExpirationConfig bounds request lifetimes and extensions.
type ExpirationConfig struct {
	DefaultDays      int   `yaml:"default_days" validate:"gtefield=MinDays,ltefield=MaxDays"`
	MinDays          int   `yaml:"min_days" validate:"min=1"`
	MaxDays          int   `yaml:"max_days" validate:"gtefield=MinDays"`
	MinExtensionDays int   `yaml:"min_extension_days" validate:"min=1"`
	MaxExtensionDays int   `yaml:"max_extension_days" validate:"gtefield=MinExtensionDays"`
	WarningDays      []int `yaml:"warning_days" validate:"dive,min=1"`
}

// LimitsConfig bounds request sizes and pagination.
type LimitsConfig struct {
	MaxSignersPerRequest int `yaml:"max_signers_per_request" validate:"min=1"`
	MaxBulkOperationSize int `yaml:"max_bulk_operation_size" validate:"min=1"`
	BulkConcurrency      int `yaml:"bulk_concurrency" validate:"min=1"`
	DefaultPageSize      int `yaml:"default_page_size" validate:"min=1,ltefield=MaxPageSize"`
	MaxPageSize          int `yaml:"max_page_size" validate:"min=1"`
}

// RateLimitConfig sets the per-caller request budget of the HTTP layer.
type RateLimitConfig struct {
	Window   time.Duration `yaml:"window" validate:"gt=0"`
	Requests int           `yaml:"requests" validate:"min=1"`
	Burst    int           `yaml:"burst" validate:"min=1"`
}

// SweepConfig tunes the expiration sweep.
type SweepConfig struct {
	BatchSize int           `yaml:"batch_size" validate:"min=1"`
	Interval  time.Duration `yaml:"interval" validate:"gt=0"`
	LockTTL   time.Duration `yaml:"lock_ttl" validate:"gt=0"`
	RedisAddr string        `yaml:"redis_addr"`
}

// DatabaseConfig configures the Postgres pool.
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns" validate:"min=1"`
	Store    string `yaml:"store" validate:"oneof=postgres memory"`
}

// HTTPConfig configures the API listener and token verification.
type HTTPConfig struct {
	Addr      string `yaml:"addr" validate:"required"`
	JWTSecret string `yaml:"jwt_secret"`
}

// TOTPConfig points at the external TOTP verification service.
type TOTPConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Expiration: ExpirationConfig{
			DefaultDays:      30,
			MinDays:          1,
			MaxDays:          365,
			MinExtensionDays: 1,
			MaxExtensionDays: 90,
			WarningDays:      []int{7, 3, 1},
		},
		Limits: LimitsConfig{
			MaxSignersPerRequest: 50,
			MaxBulkOperationSize: 100,
			BulkConcurrency:      10,
			DefaultPageSize:      20,
			MaxPageSize:          100,
		},
		RateLimit: RateLimitConfig{
			Window:   time.Minute,
			Requests: 120,
			Burst:    20,
		},
		Sweep: SweepConfig{
			BatchSize: 500,
			Interval:  15 * time.Minute,
			LockTTL:   10 * time.Minute,
		},
		Database: DatabaseConfig{
			MaxConns: 10,
			Store:    "postgres",
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		TOTP: TOTPConfig{
			Timeout: 5 * time.Second,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// SIGNFLOW_CONFIG (if set), then environment overrides.
func Load() (Config, error) {
	return LoadFile(os.Getenv(EnvConfigPath))
}

// LoadFile is Load with an explicit file path; an empty path skips the file.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every violation in the configuration. An empty slice
// means the configuration is usable.
func (c Config) Validate() []string {
	var violations []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				violations = append(violations, describe(fe))
			}
		} else {
			violations = append(violations, err.Error())
		}
	}

	for _, d := range c.Expiration.WarningDays {
		if d >= c.Expiration.MaxDays {
			violations = append(violations, fmt.Sprintf("expiration.warning_days: %d must be below max_days (%d)", d, c.Expiration.MaxDays))
		}
	}
	if c.Expiration.MaxExtensionDays > c.Expiration.MaxDays {
		violations = append(violations, "expiration.max_extension_days: must not exceed max_days")
	}
	if c.Database.Store == "postgres" && c.Database.URL == "" {
		violations = append(violations, "database.url: required when database.store is postgres")
	}

	sort.Strings(violations)
	return violations
}

// SortedWarningDays returns the warning windows in ascending order without
// duplicates.
func (e ExpirationConfig) SortedWarningDays() []int {
	seen := make(map[int]struct{}, len(e.WarningDays))
	out := make([]int, 0, len(e.WarningDays))
	for _, d := range e.WarningDays {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Ints(out)
	return out
}

func describe(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		ns = ns[i+1:]
	}
	switch fe.Tag() {
	case "gtefield":
		return fmt.Sprintf("%s: must be >= %s (got %v)", ns, fe.Param(), fe.Value())
	case "ltefield":
		return fmt.Sprintf("%s: must be <= %s (got %v)", ns, fe.Param(), fe.Value())
	case "min":
		return fmt.Sprintf("%s: must be >= %s (got %v)", ns, fe.Param(), fe.Value())
	case "gt":
		return fmt.Sprintf("%s: must be > %s (got %v)", ns, fe.Param(), fe.Value())
	case "oneof":
		return fmt.Sprintf("%s: must be one of [%s] (got %v)", ns, fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("%s: failed %s", ns, fe.Tag())
	}
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides fields from SIGNFLOW_* variables. Every unparsable
// value is reported; valid values are still applied.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	e := envReader{lookup: lookup}

	e.int("SIGNFLOW_EXPIRATION_DEFAULT_DAYS", &c.Expiration.DefaultDays)
	e.int("SIGNFLOW_EXPIRATION_MIN_DAYS", &c.Expiration.MinDays)
	e.int("SIGNFLOW_EXPIRATION_MAX_DAYS", &c.Expiration.MaxDays)
	e.int("SIGNFLOW_EXTENSION_MIN_DAYS", &c.Expiration.MinExtensionDays)
	e.int("SIGNFLOW_EXTENSION_MAX_DAYS", &c.Expiration.MaxExtensionDays)
	e.intList("SIGNFLOW_WARNING_DAYS", &c.Expiration.WarningDays)

	e.int("SIGNFLOW_MAX_SIGNERS", &c.Limits.MaxSignersPerRequest)
	e.int("SIGNFLOW_MAX_BULK_SIZE", &c.Limits.MaxBulkOperationSize)
	e.int("SIGNFLOW_BULK_CONCURRENCY", &c.Limits.BulkConcurrency)
	e.int("SIGNFLOW_DEFAULT_PAGE_SIZE", &c.Limits.DefaultPageSize)
	e.int("SIGNFLOW_MAX_PAGE_SIZE", &c.Limits.MaxPageSize)

	e.duration("SIGNFLOW_RATE_LIMIT_WINDOW", &c.RateLimit.Window)
	e.int("SIGNFLOW_RATE_LIMIT_REQUESTS", &c.RateLimit.Requests)
	e.int("SIGNFLOW_RATE_LIMIT_BURST", &c.RateLimit.Burst)

	e.int("SIGNFLOW_SWEEP_BATCH_SIZE", &c.Sweep.BatchSize)
	e.duration("SIGNFLOW_SWEEP_INTERVAL", &c.Sweep.Interval)
	e.duration("SIGNFLOW_SWEEP_LOCK_TTL", &c.Sweep.LockTTL)
	e.str("SIGNFLOW_REDIS_ADDR", &c.Sweep.RedisAddr)

	e.str("DATABASE_URL", &c.Database.URL)
	e.int32("SIGNFLOW_DB_MAX_CONNS", &c.Database.MaxConns)
	e.str("SIGNFLOW_STORE", &c.Database.Store)

	e.str("SIGNFLOW_HTTP_ADDR", &c.HTTP.Addr)
	e.str("SIGNFLOW_JWT_SECRET", &c.HTTP.JWTSecret)

	e.str("SIGNFLOW_TOTP_URL", &c.TOTP.BaseURL)
	e.duration("SIGNFLOW_TOTP_TIMEOUT", &c.TOTP.Timeout)

	return errors.Join(e.errs...)
}

type envReader struct {
	lookup LookupFunc
	errs   []error
}

func (e *envReader) raw(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.raw(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	v, ok := e.raw(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return
	}
	*dst = n
}

func (e *envReader) int32(key string, dst *int32) {
	v, ok := e.raw(key)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return
	}
	*dst = int32(n)
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.raw(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return
	}
	*dst = d
}

func (e *envReader) intList(key string, dst *[]int) {
	v, ok := e.raw(key)
	if !ok {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
			return
		}
		out = append(out, n)
	}
	*dst = out
}
