package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// DefaultEnvFile is read when present. Its values never override the real
// environment.
const DefaultEnvFile = ".env"

// Options controls where Load looks.
type Options struct {
	// Path is an optional YAML file. Empty means defaults plus environment.
	Path string
	// EnvFile is an optional dotenv file.
	EnvFile string
	// Lookup reads the process environment. Defaults to os.LookupEnv.
	Lookup func(string) (string, bool)
}

// Load reads configuration from path (may be empty), ./.env and the
// environment, then validates it.
func Load(path string) (*Config, error) {
	return LoadWith(Options{Path: path, EnvFile: DefaultEnvFile})
}

// LoadWith layers defaults, the YAML file, the dotenv file and environment
// overrides, then validates the result.
func LoadWith(opts Options) (*Config, error) {
	lookup, err := newLookup(opts)
	if err != nil {
		return nil, err
	}

	cfg := Defaults()
	if opts.Path != "" {
		if err := loadFile(cfg, opts.Path, lookup); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLookup resolves a name from the real environment first, then the
// dotenv file.
func newLookup(opts Options) (func(string) (string, bool), error) {
	env := opts.Lookup
	if env == nil {
		env = os.LookupEnv
	}
	if opts.EnvFile == "" {
		return env, nil
	}

	dotenv, err := godotenv.Read(opts.EnvFile)
	if errors.Is(err, os.ErrNotExist) {
		return env, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read env file %s: %w", opts.EnvFile, err)
	}
	return func(name string) (string, bool) {
		if v, ok := env(name); ok {
			return v, true
		}
		v, ok := dotenv[name]
		return v, ok
	}, nil
}

func loadFile(cfg *Config, path string, lookup func(string) (string, bool)) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path %q: %w", path, err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("config file not found: %s", absPath)
	}

	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolateEnv(string(data), lookup))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse %s: %w", absPath, err)
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and rejected by Validate where they
// land in a secret.
func interpolateEnv(input string, lookup func(string) (string, bool)) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := lookup(varName); exists {
			return value
		}
		return match
	})
}

// envBinding maps one environment variable onto a config field.
type envBinding struct {
	name  string
	apply func(cfg *Config, value string) error
}

func str(set func(*Config, string)) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		set(cfg, v)
		return nil
	}
}

func integer(set func(*Config, int)) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("not an integer: %q", v)
		}
		set(cfg, n)
		return nil
	}
}

func boolean(set func(*Config, bool)) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("not a boolean: %q", v)
		}
		set(cfg, b)
		return nil
	}
}

func duration(set func(*Config, time.Duration)) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		d, err := ParseDuration(v)
		if err != nil {
			return err
		}
		set(cfg, d)
		return nil
	}
}

func seconds(set func(*Config, time.Duration)) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("not a number of seconds: %q", v)
		}
		set(cfg, time.Duration(n)*time.Second)
		return nil
	}
}

func size(set func(*Config, ByteSize)) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		n, err := ParseSize(v)
		if err != nil {
			return err
		}
		set(cfg, n)
		return nil
	}
}

var envBindings = []envBinding{
	{"RELAY_LISTEN", str(func(c *Config, v string) { c.Server.Listen = v })},
	{"RELAY_ADMIN_LISTEN", str(func(c *Config, v string) { c.Server.AdminListen = v })},
	{"RELAY_DB_PATH", str(func(c *Config, v string) { c.Store.Path = v })},
	{"RELAY_LOG_LEVEL", str(func(c *Config, v string) { c.Log.Level = v })},
	{"GITHUB_WEBHOOK_SECRET", str(func(c *Config, v string) { c.Sources.GitHub.Secret = v })},
	{"LINEAR_WEBHOOK_SECRET", str(func(c *Config, v string) { c.Sources.Linear.Secret = v })},
	{"RELAY_DEDUP_TTL", duration(func(c *Config, d time.Duration) { c.Store.DedupTTL = d })},
	{"GITHUB_COOLDOWN", duration(func(c *Config, d time.Duration) { c.Sources.GitHub.Cooldown = d })},
	{"LINEAR_COOLDOWN", duration(func(c *Config, d time.Duration) { c.Sources.Linear.Cooldown = d })},
	{"LINEAR_TIMESTAMP_WINDOW_SECONDS", seconds(func(c *Config, d time.Duration) { c.Sources.Linear.TimestampWindow = d })},
	{"LINEAR_ENFORCE_TIMESTAMP", boolean(func(c *Config, b bool) { c.Sources.Linear.EnforceTimestamp = b })},
	{"LINEAR_AGENT_USER_ID", str(func(c *Config, v string) { c.Sources.Linear.AgentUserID = v })},
	{"GITHUB_BOT_SUFFIX", str(func(c *Config, v string) { c.Sources.GitHub.BotSuffix = v })},
	{"GATEWAY_URL", str(func(c *Config, v string) { c.Gateway.URL = v })},
	{"GATEWAY_TOKEN", str(func(c *Config, v string) { c.Gateway.Token = v })},
	{"FORWARD_CONNECT_TIMEOUT", duration(func(c *Config, d time.Duration) { c.Gateway.ConnectTimeout = d })},
	{"FORWARD_TIMEOUT", duration(func(c *Config, d time.Duration) { c.Gateway.Timeout = d })},
	{"FORWARD_MAX_ATTEMPTS", integer(func(c *Config, n int) { c.Forward.MaxAttempts = n })},
	{"FORWARD_BACKOFF_BASE", duration(func(c *Config, d time.Duration) { c.Forward.BackoffBase = d })},
	{"FORWARD_BACKOFF_MAX", duration(func(c *Config, d time.Duration) { c.Forward.BackoffMax = d })},
	{"FORWARD_MAX_ELAPSED", duration(func(c *Config, d time.Duration) { c.Forward.MaxElapsed = d })},
	{"RELAY_WORKERS", integer(func(c *Config, n int) { c.Forward.Workers = n })},
	{"RELAY_LEASE_TTL", duration(func(c *Config, d time.Duration) { c.Forward.LeaseTTL = d })},
	{"ADMIN_TOKEN", str(func(c *Config, v string) { c.Admin.Token = v })},
	{"RATE_LIMIT_IP_PER_MINUTE", integer(func(c *Config, n int) { c.RateLimit.IPPerMinute = n })},
	{"RATE_LIMIT_SOURCE_PER_MINUTE", integer(func(c *Config, n int) { c.RateLimit.SourcePerMinute = n })},
	{"RELAY_MAX_BODY_SIZE", size(func(c *Config, n ByteSize) { c.Server.MaxBodySize = n })},
	{"RELAY_MIN_FREE_DISK", size(func(c *Config, n ByteSize) { c.Store.MinFreeDisk = n })},
	{"RELAY_TRUSTED_PROXIES", str(func(c *Config, v string) { c.Server.TrustedProxies = splitList(v) })},
	{"RELAY_SHUTDOWN_GRACE", duration(func(c *Config, d time.Duration) { c.Server.ShutdownGrace = d })},
}

// EnvVars lists the recognized environment variables in binding order.
func EnvVars() []string {
	out := make([]string, 0, len(envBindings))
	for _, b := range envBindings {
		out = append(out, b.name)
	}
	return out
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	for _, b := range envBindings {
		v, ok := lookup(b.name)
		if !ok || v == "" {
			continue
		}
		if err := b.apply(cfg, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.name, err))
		}
	}
	return errors.Join(errs...)
}

// ParseDuration accepts a Go duration ("90s", "1h") or a bare number of
// seconds.
func ParseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
