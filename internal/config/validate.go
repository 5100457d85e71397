package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/mattjoyce/hookrelay/internal/ratelimit"
)

// Validate checks the configuration, reporting every problem it finds.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Listen == "" {
		add("server.listen is required")
	}
	if c.Server.AdminListen == "" {
		add("server.admin_listen is required")
	}
	if c.Server.Listen != "" && listenersCollide(c.Server.Listen, c.Server.AdminListen) {
		add("server.listen and server.admin_listen must differ")
	}
	if c.Server.MaxBodySize <= 0 {
		add("server.max_body_size must be positive")
	}
	if c.Server.ShutdownGrace <= 0 {
		add("server.shutdown_grace must be positive")
	}
	if _, err := ratelimit.ParseTrustedProxies(c.Server.TrustedProxies); err != nil {
		add("server.trusted_proxies: %v", err)
	}

	if c.Store.Path == "" {
		add("store.path is required")
	}
	if c.Store.DedupTTL <= 0 {
		add("store.dedup_ttl must be positive")
	}

	if !validLogLevel(c.Log.Level) {
		add("log.level %q must be one of debug, info, warn, error", c.Log.Level)
	}

	if !c.Sources.GitHub.Enabled && !c.Sources.Linear.Enabled {
		add("at least one source must be enabled")
	}
	if c.Sources.GitHub.Enabled {
		checkSecret(add, "sources.github.secret", c.Sources.GitHub.Secret)
		checkRetry(add, "sources.github.retry", c.Sources.GitHub.Retry)
	}
	if c.Sources.Linear.Enabled {
		checkSecret(add, "sources.linear.secret", c.Sources.Linear.Secret)
		checkRetry(add, "sources.linear.retry", c.Sources.Linear.Retry)
		if c.Sources.Linear.EnforceTimestamp && c.Sources.Linear.TimestampWindow <= 0 {
			add("sources.linear.timestamp_window must be positive when enforced")
		}
	}
	if c.Sources.GitHub.Cooldown < 0 || c.Sources.Linear.Cooldown < 0 {
		add("source cooldowns must not be negative")
	}

	if u, err := url.Parse(c.Gateway.URL); c.Gateway.URL == "" || err != nil ||
		(u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("gateway.url must be an absolute http(s) URL")
	}
	if c.Gateway.ConnectTimeout <= 0 || c.Gateway.Timeout <= 0 {
		add("gateway timeouts must be positive")
	}

	f := c.Forward
	if f.Workers < 1 {
		add("forward.workers must be at least 1")
	}
	if f.LeaseTTL <= c.Gateway.Timeout {
		add("forward.lease_ttl (%s) must exceed gateway.timeout (%s)", f.LeaseTTL, c.Gateway.Timeout)
	}
	if f.PollInterval <= 0 {
		add("forward.poll_interval must be positive")
	}
	if f.MaxAttempts < 1 {
		add("forward.max_attempts must be at least 1")
	}
	if f.BackoffBase <= 0 || f.BackoffMax < f.BackoffBase {
		add("forward backoff requires 0 < backoff_base <= backoff_max")
	}
	if f.MaxElapsed <= 0 {
		add("forward.max_elapsed must be positive")
	}

	if c.Admin.Token == "" {
		add("admin.token is required")
	} else {
		checkSecret(add, "admin.token", c.Admin.Token)
		for name, secret := range map[string]string{
			"sources.github.secret": c.Sources.GitHub.Secret,
			"sources.linear.secret": c.Sources.Linear.Secret,
			"gateway.token":         c.Gateway.Token,
		} {
			if secret != "" && secret == c.Admin.Token {
				add("admin.token must differ from %s", name)
			}
		}
	}
	for i, t := range c.Admin.Tokens {
		if t.Token == "" {
			add("admin.tokens[%d]: token is required", i)
		}
		if len(t.Scopes) == 0 {
			add("admin.tokens[%d]: at least one scope is required", i)
		}
	}

	if c.RateLimit.IPPerMinute < 0 || c.RateLimit.SourcePerMinute < 0 {
		add("rate limits must not be negative")
	}
	if c.Scheduler.Interval <= 0 {
		add("scheduler.interval must be positive")
	}

	return errors.Join(errs...)
}

func checkSecret(add func(string, ...any), field, value string) {
	switch {
	case value == "":
		add("%s is required", field)
	case envVarPattern.MatchString(value):
		add("%s references an unset environment variable", field)
	}
}

func checkRetry(add func(string, ...any), field string, r *RetryConfig) {
	if r == nil {
		return
	}
	if r.MaxAttempts < 0 || r.BackoffBase < 0 || r.BackoffMax < 0 || r.MaxElapsed < 0 {
		add("%s: values must not be negative", field)
	}
	if r.BackoffBase > 0 && r.BackoffMax > 0 && r.BackoffMax < r.BackoffBase {
		add("%s: backoff_max must be at least backoff_base", field)
	}
}

func validLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// listenersCollide reports whether two listen addresses would bind the same
// socket. Port 0 asks the kernel for a fresh port, so it never collides.
func listenersCollide(a, b string) bool {
	if a != b {
		return false
	}
	if _, port, err := net.SplitHostPort(a); err == nil && port == "0" {
		return false
	}
	return true
}
