// Package config defines the runtime configuration for oobchan and
// provides helpers for parsing tunnel gateways ([user@]host[:port])
// and relay targets.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	ocerr "oobchan/internal/errors"
)

// Config holds every tuneable for one oobchan process.
type Config struct {
	// ── Service ──────────────────────────────────────────────────────
	ServiceName string
	RegistryDir string

	// ── Client ───────────────────────────────────────────────────────
	Channel    string // positional: channel to connect at start
	Data       string // -d: payload sent once after connecting
	KeepOpen   bool   // -k: keep running after the channel ends
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
	BufferSize int
	Stats      bool

	// ── Proxy ────────────────────────────────────────────────────────
	Serve      bool
	ConfigFile string
	Execute    string // -e: default backend runs a program
	Command    string // -c: default backend runs a shell command
	Relay      string // --relay: default backend relays to a target
	Channels   map[string]Backend
	Default    *Backend

	// ── SSH tunnel (relay backends) ──────────────────────────────────
	TunnelSpec     string // raw user@host[:port] from -T
	TunnelEnabled  bool
	TunnelUser     string
	TunnelHost     string
	TunnelPort     int
	SSHKeyPath     string
	SSHPassword    bool // true: prompt interactively
	UseSSHAgent    bool
	StrictHostKey  bool
	KnownHostsPath string

	// ── Output ───────────────────────────────────────────────────────
	Verbose int
	DryRun  bool
}

// ── Backends ─────────────────────────────────────────────────────────

// Backend selects what the proxy runs for a channel.  Exactly one
// field is set.
type Backend struct {
	Echo    bool     `yaml:"echo,omitempty"`
	Relay   string   `yaml:"relay,omitempty"`
	Exec    string   `yaml:"exec,omitempty"`
	Program string   `yaml:"program,omitempty"`
	Args    []string `yaml:"args,omitempty"`
}

// Kind names the selected backend, or "" when none or several are set.
func (b Backend) Kind() string {
	var kinds []string
	if b.Echo {
		kinds = append(kinds, "echo")
	}
	if b.Relay != "" {
		kinds = append(kinds, "relay")
	}
	if b.Exec != "" {
		kinds = append(kinds, "exec")
	}
	if b.Program != "" {
		kinds = append(kinds, "program")
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// ParseTarget splits a relay target into network and address.  It
// accepts "tcp://host:port", "unix:///path" and a bare "host:port".
func ParseTarget(target string) (network, address string, err error) {
	switch {
	case strings.HasPrefix(target, "unix://"):
		network, address = "unix", strings.TrimPrefix(target, "unix://")
	case strings.HasPrefix(target, "tcp://"):
		network, address = "tcp", strings.TrimPrefix(target, "tcp://")
	case strings.Contains(target, "://"):
		return "", "", fmt.Errorf("unsupported relay scheme in %q", target)
	default:
		network, address = "tcp", target
	}
	if address == "" {
		return "", "", fmt.Errorf("relay target %q has no address", target)
	}
	if network == "tcp" {
		if _, _, err := splitHostPort(address); err != nil {
			return "", "", fmt.Errorf("relay target %q: %w", target, err)
		}
	}
	return network, address, nil
}

func splitHostPort(addr string) (string, int, error) {
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return "", 0, fmt.Errorf("missing port")
	}
	port, err := strconv.Atoi(addr[i+1:])
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", addr[i+1:])
	}
	return addr[:i], port, nil
}

// ── Tunnel-spec parser ───────────────────────────────────────────────

// tunnelRe matches [user@]host[:port].
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:@]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host and port from a string such as
// "admin@bastion.example.com:2222".  Port defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid tunnel spec %q: expected [user@]host[:port]", spec)
	}
	user, host, port = m[1], m[2], DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid tunnel port %q", m[3])
		}
	}
	return user, host, port, nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
// Errors are *errors.ConfigError values with a hint where one helps.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return &ocerr.ConfigError{Field: "service", Message: "service name is required"}
	}
	if c.RegistryDir == "" {
		return &ocerr.ConfigError{Field: "registry", Message: "registry directory is required"}
	}
	if c.BufferSize < 0 || c.BufferSize > MaxBufferSize {
		return &ocerr.ConfigError{
			Field: "buffer", Value: c.BufferSize,
			Message: fmt.Sprintf("must be between 1 and %d", MaxBufferSize),
			Hint:    "use 0 for the default read size",
		}
	}
	if c.Retries < 0 {
		return &ocerr.ConfigError{Field: "retry", Value: c.Retries, Message: "must not be negative"}
	}
	if c.Timeout < 0 {
		return &ocerr.ConfigError{Field: "timeout", Value: c.Timeout, Message: "must not be negative"}
	}
	if c.TunnelEnabled && c.TunnelHost == "" {
		return &ocerr.ConfigError{Field: "tunnel", Value: c.TunnelSpec, Message: "tunnel host is required"}
	}

	if c.Serve {
		return c.validateServe()
	}
	return c.validateClient()
}

func (c *Config) validateClient() error {
	if c.Data != "" && c.Channel == "" {
		return &ocerr.ConfigError{
			Field: "data", Message: "needs a channel to send to",
			Hint: "oobchan -d 'payload' <channel>",
		}
	}
	if c.Execute != "" || c.Command != "" || c.Relay != "" || c.ConfigFile != "" {
		return &ocerr.ConfigError{
			Field: "serve", Message: "backend options only apply to the proxy",
			Hint: "add --serve to run the data-proxy service",
		}
	}
	if c.TunnelEnabled {
		return &ocerr.ConfigError{
			Field: "tunnel", Value: c.TunnelSpec, Message: "only relay backends use the SSH tunnel",
			Hint: "combine -T with --serve and a relay backend",
		}
	}
	return nil
}

func (c *Config) validateServe() error {
	if c.Channel != "" || c.Data != "" {
		return &ocerr.ConfigError{
			Field: "serve", Message: "the proxy takes no channel or data",
			Hint: "run the client in a second process",
		}
	}

	set := 0
	for _, v := range []string{c.Execute, c.Command, c.Relay} {
		if v != "" {
			set++
		}
	}
	if set > 1 {
		return &ocerr.ConfigError{Field: "exec", Message: "-e, -c and --relay are mutually exclusive"}
	}
	if c.Relay != "" {
		if _, _, err := ParseTarget(c.Relay); err != nil {
			return &ocerr.ConfigError{Field: "relay", Value: c.Relay, Message: err.Error()}
		}
	}

	for name, b := range c.Channels {
		if err := validateBackend("channels."+name, b); err != nil {
			return err
		}
	}
	if c.Default != nil {
		if err := validateBackend("default", *c.Default); err != nil {
			return err
		}
	}
	return nil
}

func validateBackend(field string, b Backend) error {
	if b.Kind() == "" {
		return &ocerr.ConfigError{
			Field: field, Message: "exactly one backend must be set",
			Hint: "one of echo, relay, exec or program",
		}
	}
	if b.Relay != "" {
		if _, _, err := ParseTarget(b.Relay); err != nil {
			return &ocerr.ConfigError{Field: field, Value: b.Relay, Message: err.Error()}
		}
	}
	return nil
}
