package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

const redacted = "<redacted>"

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// Fingerprint is a BLAKE3 hash of the effective configuration, secrets
// included, so two processes can confirm they run the same settings without
// exchanging them.
func (c *Config) Fingerprint() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	hash := blake3.Sum256(data)
	return "blake3:" + hex.EncodeToString(hash[:]), nil
}

// Redacted returns a copy with every secret replaced.
func (c *Config) Redacted() *Config {
	out := *c
	out.Sources.GitHub.Secret = redact(c.Sources.GitHub.Secret)
	out.Sources.Linear.Secret = redact(c.Sources.Linear.Secret)
	out.Gateway.Token = redact(c.Gateway.Token)
	out.Admin.Token = redact(c.Admin.Token)
	if len(c.Admin.Tokens) > 0 {
		out.Admin.Tokens = append(out.Admin.Tokens[:0:0], c.Admin.Tokens...)
		for i := range out.Admin.Tokens {
			out.Admin.Tokens[i].Token = redact(out.Admin.Tokens[i].Token)
		}
	}
	return &out
}

// EncodeRedacted renders the effective configuration as YAML with secrets
// replaced.
func (c *Config) EncodeRedacted() ([]byte, error) {
	return yaml.Marshal(c.Redacted())
}

func redact(v string) string {
	if v == "" {
		return ""
	}
	return redacted
}
