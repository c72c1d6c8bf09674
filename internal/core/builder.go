package core

import (
	"fmt"
	"sort"

	"oobchan/config"
	"oobchan/internal/capability"
	"oobchan/internal/channel"
	"oobchan/internal/metrics"
	"oobchan/internal/proxy"
	"oobchan/internal/registry"
	"oobchan/internal/retry"
	"oobchan/internal/session"
	"oobchan/internal/transport"
	"oobchan/tunnel"
	"oobchan/util"
)

// Build constructs the Mode selected by cfg.  cfg must already be
// validated.
func Build(cfg *config.Config, logger *util.Logger) (Mode, error) {
	m := metrics.New()
	if cfg.Serve {
		return buildServe(cfg, logger, m)
	}
	return buildClient(cfg, logger, m), nil
}

// ── mode builders ────────────────────────────────────────────────────

func buildClient(cfg *config.Config, logger *util.Logger, m *metrics.Collector) *ClientMode {
	opts := session.Options{
		ServiceName:    cfg.ServiceName,
		Locator:        &registry.DirLocator{Dir: cfg.RegistryDir},
		ReadBufferSize: cfg.BufferSize,
	}

	var backoff *retry.Backoff
	if cfg.Retries > 0 {
		backoff = &retry.Backoff{
			InitialDelay: cfg.RetryDelay,
			MaxDelay:     config.DefaultMaxRetryDelay,
			Multiplier:   2,
			MaxAttempts:  cfg.Retries + 1,
			Jitter:       true,
		}
		opts.Breaker = retry.NewCircuitBreaker(&retry.CircuitBreakerConfig{
			OnStateChange: func(from, to retry.State) {
				logger.Debug("lookup breaker %s -> %s", from, to)
			},
		})
	}

	return &ClientMode{
		Session:  opts,
		Channel:  cfg.Channel,
		Data:     cfg.Data,
		KeepOpen: cfg.KeepOpen,
		Timeout:  cfg.Timeout,
		Backoff:  backoff,
		Stats:    cfg.Stats,
		Metrics:  m,
		Logger:   logger,
	}
}

func buildServe(cfg *config.Config, logger *util.Logger, m *metrics.Collector) (Mode, error) {
	dialer := buildDialer(cfg, logger, m)

	backends := make(map[string]capability.Capability, len(cfg.Channels))
	names := make([]string, 0, len(cfg.Channels))
	for name := range cfg.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := buildBackend(cfg.Channels[name], dialer)
		if err != nil {
			return nil, fmt.Errorf("channel %q: %w", name, err)
		}
		logger.Debug("channel %q -> %s", name, cfg.Channels[name].Kind())
		backends[name] = b
	}

	def, err := buildDefaultBackend(cfg, dialer)
	if err != nil {
		return nil, fmt.Errorf("default backend: %w", err)
	}

	return &ServeMode{
		Server: &proxy.Server{
			Dir:      cfg.RegistryDir,
			Name:     cfg.ServiceName,
			Token:    channel.InterfaceToken,
			Backends: backends,
			Default:  def,
			Logger:   logger,
			Metrics:  m,
		},
		Dialer:  dialer,
		Stats:   cfg.Stats,
		Metrics: m,
		Logger:  logger,
	}, nil
}

// ── shared helpers ───────────────────────────────────────────────────

// buildDialer creates the relay dialer: through the SSH gateway when a
// tunnel is configured, direct otherwise.
func buildDialer(cfg *config.Config, logger *util.Logger, m *metrics.Collector) transport.Dialer {
	if cfg.TunnelEnabled {
		return transport.NewSSHDialer(&tunnel.SSHConfig{
			User:          cfg.TunnelUser,
			Host:          cfg.TunnelHost,
			Port:          cfg.TunnelPort,
			KeyPath:       cfg.SSHKeyPath,
			PromptPass:    cfg.SSHPassword,
			UseAgent:      cfg.UseSSHAgent,
			StrictHostKey: cfg.StrictHostKey,
			KnownHosts:    cfg.KnownHostsPath,
			ConnTimeout:   config.DefaultConnTimeout,
		}, logger, m)
	}
	return &transport.NetDialer{Timeout: cfg.Timeout}
}

// buildDefaultBackend picks the backend for channels missing from the
// channel table.  Flags win over the file's default; with neither, a
// proxy without a channel table echoes and one with a table serves
// only the listed channels.
func buildDefaultBackend(cfg *config.Config, d transport.Dialer) (capability.Capability, error) {
	switch {
	case cfg.Execute != "":
		return &capability.Exec{Program: cfg.Execute}, nil
	case cfg.Command != "":
		return &capability.Exec{Command: cfg.Command}, nil
	case cfg.Relay != "":
		return buildBackend(config.Backend{Relay: cfg.Relay}, d)
	case cfg.Default != nil:
		return buildBackend(*cfg.Default, d)
	case len(cfg.Channels) == 0:
		return capability.Echo{}, nil
	default:
		return nil, nil
	}
}

// buildBackend turns one backend spec into a capability.
func buildBackend(b config.Backend, d transport.Dialer) (capability.Capability, error) {
	switch b.Kind() {
	case "echo":
		return capability.Echo{}, nil
	case "relay":
		network, address, err := config.ParseTarget(b.Relay)
		if err != nil {
			return nil, err
		}
		return &capability.Relay{Dialer: d, Network: network, Address: address}, nil
	case "exec":
		return &capability.Exec{Command: b.Exec}, nil
	case "program":
		return &capability.Exec{Program: b.Program, Args: b.Args}, nil
	default:
		return nil, fmt.Errorf("exactly one of echo, relay, exec or program must be set")
	}
}
