// config.go

// Configuration loading and validation.
//
// Sources, lowest to highest precedence: built-in defaults, an optional YAML
// file, environment variables (a .env file is read into the environment
// first), and explicitly set command-line flags. Keys are the lower-cased
// environment variable names, e.g. DATABASE_URL is database_url in YAML.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// Config holds all configuration for pupil. Loaded once at startup and
// treated as read-only afterwards.
type Config struct {
	DatabaseURL string `koanf:"database_url"`
	// RedisURL is optional; when set, outbound mail goes through the Redis queue.
	RedisURL string     `koanf:"redis_url"`
	Port     string     `koanf:"port"`
	LogLevel slog.Level `koanf:"-"`

	// Secrets. Both required.
	JWTSecret  string `koanf:"jwt_secret"`
	HashSecret string `koanf:"hash_secret"`

	// SMTP configuration for outbound email. All required.
	SMTPHost     string `koanf:"smtp_host"`
	SMTPPort     string `koanf:"smtp_port"`
	SMTPUsername string `koanf:"smtp_username"`
	SMTPPassword string `koanf:"smtp_password"`
	SMTPFrom     string `koanf:"smtp_from"`

	// Link bases written into emails. Must be https.
	ConfirmURLBase string `koanf:"confirm_url_base"`
	ResetURLBase   string `koanf:"reset_url_base"`

	SessionTTL       time.Duration `koanf:"session_ttl"`
	ConfirmationTTL  time.Duration `koanf:"confirmation_ttl"`
	ResetTTL         time.Duration `koanf:"reset_ttl"`
	CookieSecure     bool          `koanf:"cookie_secure"`
	DBAcquireTimeout time.Duration `koanf:"db_acquire_timeout"`

	// Argon2i cost parameters for new hashes.
	HashTime      uint32 `koanf:"hash_time"`
	HashMemoryKiB uint32 `koanf:"hash_memory_kib"`
	HashThreads   uint8  `koanf:"hash_threads"`
}

// rawLevel carries log_level through unmarshalling; Config exposes the parsed slog.Level.
type rawLevel struct {
	LogLevel string `koanf:"log_level"`
}

// Defaults returns the configuration used when nothing overrides a key.
func Defaults() Config {
	return Config{
		Port:             "8000",
		LogLevel:         slog.LevelInfo,
		SMTPPort:         "587",
		SessionTTL:       24 * time.Hour,
		ConfirmationTTL:  24 * time.Hour,
		ResetTTL:         time.Hour,
		CookieSecure:     true,
		DBAcquireTimeout: 5 * time.Second,
		HashTime:         10,
		HashMemoryKiB:    4096,
		HashThreads:      1,
	}
}

// keys lists every recognised key; environment variables outside it are ignored.
var keys = map[string]bool{
	"database_url": true, "redis_url": true, "port": true, "log_level": true,
	"jwt_secret": true, "hash_secret": true,
	"smtp_host": true, "smtp_port": true, "smtp_username": true, "smtp_password": true, "smtp_from": true,
	"confirm_url_base": true, "reset_url_base": true,
	"session_ttl": true, "confirmation_ttl": true, "reset_ttl": true,
	"cookie_secure": true, "db_acquire_timeout": true,
	"hash_time": true, "hash_memory_kib": true, "hash_threads": true,
}

// MissingError lists required settings that were not provided.
type MissingError struct {
	Keys []string
}

func (e *MissingError) Error() string {
	return "missing required configuration: " + strings.Join(e.Keys, ", ")
}

// Options selects the optional sources Load reads.
type Options struct {
	// EnvFile is a dotenv file merged into the process environment. Missing is fine.
	EnvFile string
	// ConfigFile is a YAML file. Empty skips it; a named file that is missing is an error.
	ConfigFile string
	// Flags contributes explicitly set flags. Flag names use dashes, e.g. --log-level.
	Flags *pflag.FlagSet
}

// Load reads every source in precedence order and returns a validated Config.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", opts.EnvFile, err)
		}
	}

	k := koanf.New(".")

	if opts.ConfigFile != "" {
		if err := k.Load(file.Provider(opts.ConfigFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", opts.ConfigFile, err)
		}
	}

	err := k.Load(env.ProviderWithValue("", ".", func(key, value string) (string, any) {
		key = strings.ToLower(key)
		if !keys[key] || value == "" {
			return "", nil
		}
		return key, value
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	if opts.Flags != nil {
		err := k.Load(posflag.ProviderWithFlag(opts.Flags, ".", k, func(f *pflag.Flag) (string, any) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if !f.Changed || !keys[key] {
				return "", nil
			}
			return key, posflag.FlagVal(opts.Flags, f)
		}), nil)
		if err != nil {
			return nil, fmt.Errorf("loading flags: %w", err)
		}
	}

	cfg := Defaults()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	var lvl rawLevel
	if err := k.Unmarshal("", &lvl); err != nil {
		return nil, fmt.Errorf("decoding log_level: %w", err)
	}
	cfg.LogLevel = parseLevel(lvl.LogLevel)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// parseLevel maps a level name to slog.Level, defaulting to info.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// validate enforces required keys and resets non-positive tunables to defaults.
func (c *Config) validate() error {
	var missing []string
	for _, req := range []struct {
		key, val string
	}{
		{"DATABASE_URL", c.DatabaseURL},
		{"JWT_SECRET", c.JWTSecret},
		{"HASH_SECRET", c.HashSecret},
		{"SMTP_HOST", c.SMTPHost},
		{"SMTP_USERNAME", c.SMTPUsername},
		{"SMTP_PASSWORD", c.SMTPPassword},
		{"SMTP_FROM", c.SMTPFrom},
		{"CONFIRM_URL_BASE", c.ConfirmURLBase},
		{"RESET_URL_BASE", c.ResetURLBase},
	} {
		if req.val == "" {
			missing = append(missing, req.key)
		}
	}
	if len(missing) > 0 {
		return &MissingError{Keys: missing}
	}

	// Links carry credentials-equivalent tokens and must not travel over plain HTTP.
	if !strings.HasPrefix(c.ConfirmURLBase, "https://") {
		return fmt.Errorf("CONFIRM_URL_BASE must start with https://")
	}
	if !strings.HasPrefix(c.ResetURLBase, "https://") {
		return fmt.Errorf("RESET_URL_BASE must start with https://")
	}

	d := Defaults()
	fixDuration("SESSION_TTL", &c.SessionTTL, d.SessionTTL)
	fixDuration("CONFIRMATION_TTL", &c.ConfirmationTTL, d.ConfirmationTTL)
	fixDuration("RESET_TTL", &c.ResetTTL, d.ResetTTL)
	fixDuration("DB_ACQUIRE_TIMEOUT", &c.DBAcquireTimeout, d.DBAcquireTimeout)
	if c.HashTime == 0 {
		c.HashTime = d.HashTime
	}
	if c.HashMemoryKiB == 0 {
		c.HashMemoryKiB = d.HashMemoryKiB
	}
	if c.HashThreads == 0 {
		c.HashThreads = d.HashThreads
	}
	return nil
}

// fixDuration replaces a non-positive duration with def, logging the substitution.
func fixDuration(key string, v *time.Duration, def time.Duration) {
	if *v <= 0 {
		slog.Warn("invalid duration, using default", "key", key, "value", *v, "default", def)
		*v = def
	}
}
