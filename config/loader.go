package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Config file  (file.go, proxy only)
//   4. Defaults   (defaults.go)

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the OOBCHAN_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).  Durations accept Go
// syntax ("750ms") or a bare number of seconds.

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty,
// well-formed values override the existing value.  Call it BEFORE flag
// parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("OOBCHAN_SERVICE"); v != "" {
		cfg.ServiceName = v
	}
	if v := os.Getenv("OOBCHAN_REGISTRY"); v != "" {
		cfg.RegistryDir = v
	}
	if v := os.Getenv("OOBCHAN_CHANNEL"); v != "" {
		cfg.Channel = v
	}
	if envBool("OOBCHAN_KEEP_OPEN") {
		cfg.KeepOpen = true
	}
	if v, ok := envDuration("OOBCHAN_TIMEOUT"); ok {
		cfg.Timeout = v
	}
	if v, ok := envInt("OOBCHAN_RETRY"); ok && v >= 0 {
		cfg.Retries = v
	}
	if v, ok := envDuration("OOBCHAN_RETRY_DELAY"); ok {
		cfg.RetryDelay = v
	}
	if v, ok := envInt("OOBCHAN_BUFFER"); ok && v > 0 {
		cfg.BufferSize = v
	}
	if envBool("OOBCHAN_STATS") {
		cfg.Stats = true
	}

	// Proxy
	if v := os.Getenv("OOBCHAN_CONFIG"); v != "" {
		cfg.ConfigFile = v
	}

	// SSH tunnel
	if v := os.Getenv("OOBCHAN_TUNNEL"); v != "" {
		cfg.TunnelSpec = v
	}
	if v := os.Getenv("OOBCHAN_SSH_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}
	if envBool("OOBCHAN_SSH_PASSWORD") {
		cfg.SSHPassword = true
	}
	if envBool("OOBCHAN_SSH_AGENT") {
		cfg.UseSSHAgent = true
	}
	if envBool("OOBCHAN_STRICT_HOSTKEY") {
		cfg.StrictHostKey = true
	}
	if v := os.Getenv("OOBCHAN_KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}

	// Output
	if v, ok := envInt("OOBCHAN_VERBOSE"); ok && v > 0 {
		cfg.Verbose = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	if sec, err := strconv.Atoi(v); err == nil {
		if sec < 0 {
			return 0, false
		}
		return time.Duration(sec) * time.Second, true
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, false
	}
	return d, true
}

// fileKeys maps the flags a config file may also set to their
// environment variables.
var fileKeys = map[string]string{ //nolint:gochecknoglobals
	"service":  "OOBCHAN_SERVICE",
	"registry": "OOBCHAN_REGISTRY",
	"tunnel":   "OOBCHAN_TUNNEL",
}

// FromEnv reports whether the setting behind flag was taken from the
// environment, which outranks the config file.
func FromEnv(flag string) bool {
	key, ok := fileKeys[flag]
	return ok && os.Getenv(key) != ""
}
