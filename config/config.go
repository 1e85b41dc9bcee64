// Package config holds the duelchatd settings. Values start from Default,
// are overridden by DUELCHAT_* environment variables and then by command
// line flags.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/pflag"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "DUELCHAT_"

// ErrInvalid is matched by every error Validate returns.
var ErrInvalid = errors.New("config: invalid value")

// Config is the server configuration.
type Config struct {
	Addr              string
	MaxClients        int
	OutboxSize        int
	MaxLineBytes      int
	MaxFileBytes      int64
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	ConnectsPerMinute int
	LogLevel          string
	LogDir            string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:              ":5555",
		MaxClients:        2,
		OutboxSize:        256,
		MaxLineBytes:      64 * 1024,
		MaxFileBytes:      64 * 1024 * 1024,
		ReadTimeout:       0,
		WriteTimeout:      10 * time.Second,
		ConnectsPerMinute: 30,
		LogLevel:          "info",
		LogDir:            "",
	}
}

// LookupFunc reads one environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides fields from DUELCHAT_* variables that are set.
//
// Parameters:
//   - lookup: Environment accessor, usually os.LookupEnv
//
// Returns:
//   - An error naming the first variable that could not be parsed
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	num := func(key string, dst *int) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return nil
		}

		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}

		*dst = n
		return nil
	}

	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return nil
		}

		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}

		*dst = d
		return nil
	}

	str("ADDR", &c.Addr)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_DIR", &c.LogDir)

	if v, ok := lookup(EnvPrefix + "MAX_FILE"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sMAX_FILE: %w", EnvPrefix, err)
		}

		c.MaxFileBytes = n
	}

	return errors.Join(
		num("MAX_CLIENTS", &c.MaxClients),
		num("OUTBOX", &c.OutboxSize),
		num("MAX_LINE", &c.MaxLineBytes),
		num("CONNECTS_PER_MINUTE", &c.ConnectsPerMinute),
		dur("READ_TIMEOUT", &c.ReadTimeout),
		dur("WRITE_TIMEOUT", &c.WriteTimeout),
	)
}

// BindFlags registers one flag per field on fs, using the current values
// as flag defaults.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", c.Addr, "listen address")
	fs.IntVar(&c.MaxClients, "max-clients", c.MaxClients, "maximum registered clients (1 or 2)")
	fs.IntVar(&c.OutboxSize, "outbox", c.OutboxSize, "frames queued per client before it is disconnected")
	fs.IntVar(&c.MaxLineBytes, "max-line", c.MaxLineBytes, "longest accepted text line in bytes")
	fs.Int64Var(&c.MaxFileBytes, "max-file", c.MaxFileBytes, "largest relayed file in bytes (0 for no limit)")
	fs.DurationVar(&c.ReadTimeout, "read-timeout", c.ReadTimeout, "disconnect clients idle for this long (0 disables)")
	fs.DurationVar(&c.WriteTimeout, "write-timeout", c.WriteTimeout, "deadline for each write to a client (0 disables)")
	fs.IntVar(&c.ConnectsPerMinute, "connects-per-minute", c.ConnectsPerMinute, "connections accepted per remote IP per minute (0 disables)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.StringVar(&c.LogDir, "log-dir", c.LogDir, "directory for daily log files (empty logs to stderr only)")
}

// Validate checks ranges.
//
// Returns:
//   - An error matching ErrInvalid describing every bad field
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...)))
	}

	if c.Addr == "" {
		bad("addr must not be empty")
	}

	if c.MaxClients < 1 || c.MaxClients > 2 {
		bad("max-clients must be 1 or 2, got %d", c.MaxClients)
	}

	if c.OutboxSize < 1 {
		bad("outbox must be positive, got %d", c.OutboxSize)
	}

	if c.MaxLineBytes < 64 {
		bad("max-line must be at least 64, got %d", c.MaxLineBytes)
	}

	if c.MaxFileBytes < 0 {
		bad("max-file must not be negative, got %d", c.MaxFileBytes)
	}

	if c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		bad("timeouts must not be negative")
	}

	if c.ConnectsPerMinute < 0 {
		bad("connects-per-minute must not be negative, got %d", c.ConnectsPerMinute)
	}

	return errors.Join(errs...)
}

// Load builds a Config from defaults, the environment and args.
//
// Parameters:
//   - args: Command line arguments without the program name
//   - lookup: Environment accessor
//
// Returns:
//   - The validated Config, or the first parse or validation error
func Load(args []string, lookup LookupFunc) (Config, error) {
	cfg := Default()
	if err := cfg.ApplyEnv(lookup); err != nil {
		return Config{}, err
	}

	fs := pflag.NewFlagSet("duelchatd", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
