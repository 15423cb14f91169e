package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aussiebroadwan/gatekeeper/pkg/jwtx"
)

// ConfigEnvVar names the optional YAML config file.
const ConfigEnvVar = "GATEKEEPER_CONFIG"

// Config is resolved from defaults, then an optional YAML file, then
// environment variables. Command-line flags are applied last by the caller.
type Config struct {
	Issuer   string   `yaml:"issuer"`   // issuer claim for tokens (default: gatekeeper)
	Audience []string `yaml:"audience"` // audience claim; empty skips audience checks

	Env                  string        `yaml:"env"`                   // dev, staging, prod (default: dev)
	LogLevel             string        `yaml:"log_level"`             // debug, info, warn, error (default: info)
	LogFormat            string        `yaml:"log_format"`            // json, text (default: json)
	Port                 int           `yaml:"port"`                  // HTTP port for the operational surface (default: 8080)
	ShutdownGracePeriod  time.Duration `yaml:"shutdown_grace_period"` // default: 10s
	HousekeepingInterval time.Duration `yaml:"housekeeping_interval"` // default: 1h
	HandleGrace          time.Duration `yaml:"handle_grace"`          // retention of dead refresh handles (default: 24h)
	PepperFile           string        `yaml:"pepper_file"`           // default: ./pepper

	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Keys      KeysConfig      `yaml:"keys"`
	Tokens    TokensConfig    `yaml:"tokens"`
	Guard     GuardConfig     `yaml:"guard"`
	Audit     AuditConfig     `yaml:"audit"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres (default: sqlite)
	File   string `yaml:"file"`   // SQLite file (default: ./auth.db)
	DSN    string `yaml:"dsn"`    // Postgres connection string
}

type RedisConfig struct {
	Addrs      []string      `yaml:"addrs"` // default: localhost:6379
	MasterName string        `yaml:"master_name"`
	Username   string        `yaml:"username"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	PoolSize   int           `yaml:"pool_size"`
	KeyPrefix  string        `yaml:"key_prefix"` // default: gk
	OpTimeout  time.Duration `yaml:"op_timeout"` // default: 250ms
}

type KeysConfig struct {
	Algorithm     string        `yaml:"algorithm"`    // RS256, ES256, EdDSA (default: EdDSA)
	RSABits       int           `yaml:"rsa_bits"`     // RS256 only
	StorageMode   string        `yaml:"storage_mode"` // ephemeral or persistent (default: persistent)
	Retention     time.Duration `yaml:"retention"`    // retired key retention (default: 24h)
	RotateAfter   time.Duration `yaml:"rotate_after"` // scheduled rotation; 0 disables
	MasterKeyPath string        `yaml:"master_key_path"`
	MasterKey     string        `yaml:"-"` // AUTH_MASTER_KEY only, never read from files
}

type TokensConfig struct {
	AccessTTL   time.Duration `yaml:"access_ttl"`   // default: 15m
	RefreshTTL  time.Duration `yaml:"refresh_ttl"`  // default: 168h
	MaxSessions int           `yaml:"max_sessions"` // default: 5
}

type GuardConfig struct {
	MaxPrincipalFailures int           `yaml:"max_principal_failures"` // default: 5
	MaxOriginFailures    int           `yaml:"max_origin_failures"`    // default: 20
	AttemptWindow        time.Duration `yaml:"attempt_window"`         // default: 15m
	LockDuration         time.Duration `yaml:"lock_duration"`          // default: 30m
	LoginLimit           int           `yaml:"login_limit"`            // per origin (default: 30)
	LoginWindow          time.Duration `yaml:"login_window"`           // default: 1m
	RefreshLimit         int           `yaml:"refresh_limit"`          // per origin (default: 60)
	RefreshWindow        time.Duration `yaml:"refresh_window"`         // default: 1m
}

type AuditConfig struct {
	BufferSize int  `yaml:"buffer_size"`  // default: 1024
	DropIfFull bool `yaml:"drop_if_full"` // default: true
}

type BootstrapConfig struct {
	AdminUsername string `yaml:"admin_username"` // creates an admin in an empty store when set
	AdminPassword string `yaml:"-"`              // BOOTSTRAP_ADMIN_PASSWORD only; generated when empty
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Issuer:               "gatekeeper",
		Env:                  "dev",
		LogLevel:             "info",
		LogFormat:            "json",
		Port:                 8080,
		ShutdownGracePeriod:  10 * time.Second,
		HousekeepingInterval: time.Hour,
		HandleGrace:          24 * time.Hour,
		PepperFile:           "pepper",
		Database: DatabaseConfig{
			Driver: "sqlite",
			File:   "auth.db",
		},
		Redis: RedisConfig{
			Addrs:     []string{"localhost:6379"},
			KeyPrefix: "gk",
			OpTimeout: 250 * time.Millisecond,
		},
		Keys: KeysConfig{
			Algorithm:   jwtx.AlgorithmEdDSA,
			StorageMode: "persistent",
			Retention:   jwtx.DefaultKeyRetention,
		},
		Tokens: TokensConfig{
			AccessTTL:   jwtx.DefaultAccessTokenTTL,
			RefreshTTL:  jwtx.DefaultRefreshTokenTTL,
			MaxSessions: 5,
		},
		Guard: GuardConfig{
			MaxPrincipalFailures: 5,
			MaxOriginFailures:    20,
			AttemptWindow:        15 * time.Minute,
			LockDuration:         30 * time.Minute,
			LoginLimit:           30,
			LoginWindow:          time.Minute,
			RefreshLimit:         60,
			RefreshWindow:        time.Minute,
		},
		Audit: AuditConfig{
			BufferSize: 1024,
			DropIfFull: true,
		},
	}
}

// LoadConfig resolves the configuration. path names a YAML file; when empty
// GATEKEEPER_CONFIG is consulted, and without either only defaults and the
// environment apply.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = os.Getenv(ConfigEnvVar)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Issuer = getEnvOrDefault("AUTH_ISSUER", c.Issuer)
	c.Audience = getEnvListOrDefault("AUTH_AUDIENCE", c.Audience)
	c.Env = getEnvOrDefault("ENV", c.Env)
	c.LogLevel = getEnvOrDefault("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnvOrDefault("LOG_FORMAT", c.LogFormat)
	c.Port = getEnvIntOrDefault("PORT", c.Port)
	c.ShutdownGracePeriod = getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", c.ShutdownGracePeriod)
	c.HousekeepingInterval = getEnvDurationOrDefault("HOUSEKEEPING_INTERVAL", c.HousekeepingInterval)
	c.HandleGrace = getEnvDurationOrDefault("AUTH_HANDLE_GRACE", c.HandleGrace)
	c.PepperFile = getEnvOrDefault("AUTH_PEPPER_FILE", c.PepperFile)

	c.Database.Driver = getEnvOrDefault("AUTH_DATABASE_DRIVER", c.Database.Driver)
	c.Database.File = getEnvOrDefault("AUTH_DATABASE_FILE", c.Database.File)
	c.Database.DSN = getEnvOrDefault("AUTH_DATABASE_DSN", c.Database.DSN)

	c.Redis.Addrs = getEnvListOrDefault("REDIS_ADDRS", c.Redis.Addrs)
	c.Redis.MasterName = getEnvOrDefault("REDIS_MASTER_NAME", c.Redis.MasterName)
	c.Redis.Username = getEnvOrDefault("REDIS_USERNAME", c.Redis.Username)
	c.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvIntOrDefault("REDIS_DB", c.Redis.DB)
	c.Redis.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", c.Redis.PoolSize)
	c.Redis.KeyPrefix = getEnvOrDefault("REDIS_KEY_PREFIX", c.Redis.KeyPrefix)
	c.Redis.OpTimeout = getEnvDurationOrDefault("REDIS_OP_TIMEOUT", c.Redis.OpTimeout)

	c.Keys.Algorithm = getEnvOrDefault("AUTH_ALGORITHM", c.Keys.Algorithm)
	c.Keys.RSABits = getEnvIntOrDefault("AUTH_RSA_BITS", c.Keys.RSABits)
	c.Keys.StorageMode = getEnvOrDefault("AUTH_KEY_STORAGE_MODE", c.Keys.StorageMode)
	c.Keys.Retention = getEnvDurationOrDefault("AUTH_KEY_RETENTION", c.Keys.Retention)
	c.Keys.RotateAfter = getEnvDurationOrDefault("AUTH_KEY_ROTATE_AFTER", c.Keys.RotateAfter)
	c.Keys.MasterKeyPath = getEnvOrDefault("AUTH_MASTER_KEY_PATH", c.Keys.MasterKeyPath)
	c.Keys.MasterKey = getEnvOrDefault("AUTH_MASTER_KEY", c.Keys.MasterKey)

	c.Tokens.AccessTTL = getEnvDurationOrDefault("AUTH_ACCESS_TTL", c.Tokens.AccessTTL)
	c.Tokens.RefreshTTL = getEnvDurationOrDefault("AUTH_REFRESH_TTL", c.Tokens.RefreshTTL)
	c.Tokens.MaxSessions = getEnvIntOrDefault("AUTH_MAX_SESSIONS", c.Tokens.MaxSessions)

	c.Guard.MaxPrincipalFailures = getEnvIntOrDefault("GUARD_MAX_PRINCIPAL_FAILURES", c.Guard.MaxPrincipalFailures)
	c.Guard.MaxOriginFailures = getEnvIntOrDefault("GUARD_MAX_ORIGIN_FAILURES", c.Guard.MaxOriginFailures)
	c.Guard.AttemptWindow = getEnvDurationOrDefault("GUARD_ATTEMPT_WINDOW", c.Guard.AttemptWindow)
	c.Guard.LockDuration = getEnvDurationOrDefault("GUARD_LOCK_DURATION", c.Guard.LockDuration)
	c.Guard.LoginLimit = getEnvIntOrDefault("GUARD_LOGIN_LIMIT", c.Guard.LoginLimit)
	c.Guard.LoginWindow = getEnvDurationOrDefault("GUARD_LOGIN_WINDOW", c.Guard.LoginWindow)
	c.Guard.RefreshLimit = getEnvIntOrDefault("GUARD_REFRESH_LIMIT", c.Guard.RefreshLimit)
	c.Guard.RefreshWindow = getEnvDurationOrDefault("GUARD_REFRESH_WINDOW", c.Guard.RefreshWindow)

	c.Audit.BufferSize = getEnvIntOrDefault("AUDIT_BUFFER_SIZE", c.Audit.BufferSize)
	c.Audit.DropIfFull = getEnvBoolOrDefault("AUDIT_DROP_IF_FULL", c.Audit.DropIfFull)

	c.Bootstrap.AdminUsername = getEnvOrDefault("BOOTSTRAP_ADMIN_USERNAME", c.Bootstrap.AdminUsername)
	c.Bootstrap.AdminPassword = getEnvOrDefault("BOOTSTRAP_ADMIN_PASSWORD", c.Bootstrap.AdminPassword)
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.File == "" {
			errs = append(errs, errors.New("database.file is required for the sqlite driver"))
		}
	case "postgres":
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database driver %q", c.Database.Driver))
	}

	if len(c.Redis.Addrs) == 0 {
		errs = append(errs, errors.New("redis.addrs must not be empty"))
	}
	if _, err := jwtx.SigningMethod(c.Keys.Algorithm); err != nil {
		errs = append(errs, fmt.Errorf("keys.algorithm: %w", err))
	}
	if c.Keys.StorageMode != "ephemeral" && c.Keys.StorageMode != "persistent" {
		errs = append(errs, fmt.Errorf("unknown key storage mode %q", c.Keys.StorageMode))
	}
	if c.Tokens.AccessTTL <= 0 || c.Tokens.RefreshTTL <= 0 {
		errs = append(errs, errors.New("token lifetimes must be positive"))
	}
	if c.Tokens.AccessTTL >= c.Tokens.RefreshTTL {
		errs = append(errs, errors.New("tokens.access_ttl must be shorter than tokens.refresh_ttl"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}

	return errors.Join(errs...)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	// Try parsing as duration (e.g., "1h", "30m", "90s")
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Bare integers are minutes.
	if minutes, err := strconv.Atoi(value); err == nil {
		return time.Duration(minutes) * time.Minute
	}

	return defaultValue
}

// getEnvListOrDefault splits a comma separated value, dropping blanks.
func getEnvListOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
