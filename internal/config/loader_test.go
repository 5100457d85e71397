package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/hookrelay/internal/auth"
)

func mapLookup(env map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}
}

func baseEnv() map[string]string {
	return map[string]string{
		"GITHUB_WEBHOOK_SECRET": "gh-secret",
		"LINEAR_WEBHOOK_SECRET": "lin-secret",
		"GATEWAY_URL":           "http://127.0.0.1:18789",
		"GATEWAY_TOKEN":         "gw-token",
		"ADMIN_TOKEN":           "admin-token",
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFromEnvironmentOnly(t *testing.T) {
	cfg, err := LoadWith(Options{Lookup: mapLookup(baseEnv())})
	require.NoError(t, err)

	assert.Equal(t, "gh-secret", cfg.Sources.GitHub.Secret)
	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, ByteSize(1<<20), cfg.Server.MaxBodySize)
	assert.Equal(t, 4, cfg.Forward.Workers)
	assert.Equal(t, 60*time.Second, cfg.Forward.LeaseTTL)
	assert.Equal(t, 60*time.Second, cfg.Sources.Linear.TimestampWindow)
	assert.True(t, cfg.Sources.Linear.EnforceTimestamp)
}

func TestEnvironmentOverrides(t *testing.T) {
	env := baseEnv()
	env["RELAY_LISTEN"] = ":9000"
	env["RELAY_MAX_BODY_SIZE"] = "512KB"
	env["RELAY_MIN_FREE_DISK"] = "1GB"
	env["RELAY_DEDUP_TTL"] = "48h"
	env["GITHUB_COOLDOWN"] = "45"
	env["LINEAR_TIMESTAMP_WINDOW_SECONDS"] = "120"
	env["LINEAR_ENFORCE_TIMESTAMP"] = "false"
	env["RELAY_WORKERS"] = "8"
	env["FORWARD_MAX_ATTEMPTS"] = "7"
	env["RELAY_TRUSTED_PROXIES"] = "10.0.0.0/8, 192.168.1.1"
	env["RATE_LIMIT_IP_PER_MINUTE"] = "0"

	cfg, err := LoadWith(Options{Lookup: mapLookup(env)})
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Listen)
	assert.Equal(t, ByteSize(512<<10), cfg.Server.MaxBodySize)
	assert.Equal(t, ByteSize(1<<30), cfg.Store.MinFreeDisk)
	assert.Equal(t, 48*time.Hour, cfg.Store.DedupTTL)
	assert.Equal(t, 45*time.Second, cfg.Sources.GitHub.Cooldown)
	assert.Equal(t, 2*time.Minute, cfg.Sources.Linear.TimestampWindow)
	assert.False(t, cfg.Sources.Linear.EnforceTimestamp)
	assert.Equal(t, 8, cfg.Forward.Workers)
	assert.Equal(t, 7, cfg.Forward.MaxAttempts)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.1.1"}, cfg.Server.TrustedProxies)
	assert.Equal(t, 0, cfg.RateLimit.IPPerMinute)
}

func TestMalformedEnvironmentValues(t *testing.T) {
	env := baseEnv()
	env["RELAY_WORKERS"] = "many"
	env["FORWARD_TIMEOUT"] = "soon"

	_, err := LoadWith(Options{Lookup: mapLookup(env)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RELAY_WORKERS")
	assert.Contains(t, err.Error(), "FORWARD_TIMEOUT")
}

func TestLoadYAMLWithInterpolation(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "hookrelay.yaml", `
server:
  listen: "0.0.0.0:7000"
  max_body_size: 2MB
store:
  path: ${DATA_DIR}/relay.db
sources:
  github:
    secret: ${GH_SECRET}
    cooldown: 10s
    retry:
      max_attempts: 3
  linear:
    enabled: false
gateway:
  url: http://gateway.internal:18789
  token: gw-token
admin:
  token: admin-token
  tokens:
    - name: dashboard
      token: ro-token
      scopes: [queue:ro, events:ro]
`)
	env := map[string]string{"DATA_DIR": "/var/lib/hookrelay", "GH_SECRET": "from-env"}

	cfg, err := LoadWith(Options{Path: path, Lookup: mapLookup(env)})
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:7000", cfg.Server.Listen)
	assert.Equal(t, ByteSize(2<<20), cfg.Server.MaxBodySize)
	assert.Equal(t, "/var/lib/hookrelay/relay.db", cfg.Store.Path)
	assert.Equal(t, "from-env", cfg.Sources.GitHub.Secret)
	assert.Equal(t, 10*time.Second, cfg.Sources.GitHub.Cooldown)
	require.NotNil(t, cfg.Sources.GitHub.Retry)
	assert.Equal(t, 3, cfg.Sources.GitHub.Retry.MaxAttempts)
	assert.False(t, cfg.Sources.Linear.Enabled)
	require.Len(t, cfg.Admin.Tokens, 1)
	assert.Equal(t, "dashboard", cfg.Admin.Tokens[0].Name)
	// Untouched fields keep their defaults.
	assert.Equal(t, "127.0.0.1:8081", cfg.Server.AdminListen)
}

func TestLoadYAMLRejectsUnknownFields(t *testing.T) {
	path := writeFile(t, t.TempDir(), "hookrelay.yaml", "server:\n  lisen: \":1\"\n")
	_, err := LoadWith(Options{Path: path, Lookup: mapLookup(baseEnv())})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lisen")
}

func TestUnresolvedSecretReference(t *testing.T) {
	path := writeFile(t, t.TempDir(), "hookrelay.yaml", "sources:\n  github:\n    secret: ${MISSING_SECRET}\n")
	env := baseEnv()
	delete(env, "GITHUB_WEBHOOK_SECRET")

	_, err := LoadWith(Options{Path: path, Lookup: mapLookup(env)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unset environment variable")
}

func TestDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	envFile := writeFile(t, dir, ".env", "GITHUB_WEBHOOK_SECRET=from-dotenv\nLINEAR_AGENT_USER_ID=agent-7\n")

	cfg, err := LoadWith(Options{EnvFile: envFile, Lookup: mapLookup(baseEnv())})
	require.NoError(t, err)
	assert.Equal(t, "gh-secret", cfg.Sources.GitHub.Secret)
	assert.Equal(t, "agent-7", cfg.Sources.Linear.AgentUserID)
}

func TestMissingDotEnvIsIgnored(t *testing.T) {
	_, err := LoadWith(Options{EnvFile: filepath.Join(t.TempDir(), ".env"), Lookup: mapLookup(baseEnv())})
	require.NoError(t, err)
}

func TestMissingConfigFile(t *testing.T) {
	_, err := LoadWith(Options{Path: filepath.Join(t.TempDir(), "nope.yaml"), Lookup: mapLookup(baseEnv())})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestValidate(t *testing.T) {
	valid := func(t *testing.T) *Config {
		t.Helper()
		cfg, err := LoadWith(Options{Lookup: mapLookup(baseEnv())})
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"admin token reuses webhook secret", func(c *Config) { c.Admin.Token = c.Sources.GitHub.Secret }, "admin.token must differ from sources.github.secret"},
		{"admin token reuses gateway token", func(c *Config) { c.Admin.Token = c.Gateway.Token }, "admin.token must differ from gateway.token"},
		{"missing admin token", func(c *Config) { c.Admin.Token = "" }, "admin.token is required"},
		{"enabled source without secret", func(c *Config) { c.Sources.Linear.Secret = "" }, "sources.linear.secret is required"},
		{"lease shorter than forward timeout", func(c *Config) { c.Forward.LeaseTTL = 10 * time.Second }, "must exceed gateway.timeout"},
		{"relative gateway url", func(c *Config) { c.Gateway.URL = "/hooks" }, "gateway.url"},
		{"ftp gateway url", func(c *Config) { c.Gateway.URL = "ftp://gw" }, "gateway.url"},
		{"no sources", func(c *Config) { c.Sources.GitHub.Enabled = false; c.Sources.Linear.Enabled = false }, "at least one source"},
		{"bad proxy", func(c *Config) { c.Server.TrustedProxies = []string{"not-an-ip"} }, "trusted_proxies"},
		{"same listeners", func(c *Config) { c.Server.AdminListen = c.Server.Listen }, "must differ"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"backoff inverted", func(c *Config) { c.Forward.BackoffMax = time.Millisecond }, "backoff_base <= backoff_max"},
		{"scoped token without scopes", func(c *Config) { c.Admin.Tokens = append(c.Admin.Tokens, auth.TokenConfig{Name: "empty", Token: "t"}) }, "at least one scope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	// Disabled sources do not need secrets.
	cfg := valid(t)
	cfg.Sources.Linear.Enabled = false
	cfg.Sources.Linear.Secret = ""
	assert.NoError(t, cfg.Validate())

	// Ephemeral ports never bind the same socket.
	cfg = valid(t)
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.AdminListen = "127.0.0.1:0"
	assert.NoError(t, cfg.Validate())
}

func TestRedactedAndFingerprint(t *testing.T) {
	cfg, err := LoadWith(Options{Lookup: mapLookup(baseEnv())})
	require.NoError(t, err)

	out, err := cfg.EncodeRedacted()
	require.NoError(t, err)
	text := string(out)
	for _, secret := range []string{"gh-secret", "lin-secret", "gw-token", "admin-token"} {
		assert.NotContains(t, text, secret)
	}
	assert.Contains(t, text, redacted)
	assert.Equal(t, "gh-secret", cfg.Sources.GitHub.Secret, "redaction must not touch the original")

	fp1, err := cfg.Fingerprint()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(fp1, "blake3:"))
	assert.Len(t, fp1, len("blake3:")+64)

	fp2, err := cfg.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)

	cfg.Sources.GitHub.Secret = "rotated"
	fp3, err := cfg.Fingerprint()
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp3, "secret rotation changes the fingerprint")
}

func TestComputeBlake3Hash(t *testing.T) {
	path := writeFile(t, t.TempDir(), "f.yaml", "hello")
	h, err := ComputeBlake3Hash(path)
	require.NoError(t, err)
	assert.Len(t, h, 64)

	_, err = ComputeBlake3Hash(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    ByteSize
		wantErr bool
	}{
		{"1024", 1024, false},
		{"512KB", 512 << 10, false},
		{"1mb", 1 << 20, false},
		{" 2 GB ", 2 << 30, false},
		{"10B", 10, false},
		{"", 0, true},
		{"lots", 0, true},
		{"-1MB", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("90")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	d, err = ParseDuration("1h30m")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, d)

	_, err = ParseDuration("later")
	assert.Error(t, err)
}
