package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"oobchan/internal/metrics"
	"oobchan/tunnel"
	"oobchan/util"
)

// gateway is the path SSHDialer dials through; *tunnel.SSHTunnel in
// production.
type gateway interface {
	Connect(ctx context.Context) error
	Dial(ctx context.Context, network, address string) (net.Conn, error)
	Close() error
	// IsAlive reports whether the gateway connection is still up.
	IsAlive() bool
}

var _ gateway = (*tunnel.SSHTunnel)(nil)

// SSHDialer dials through an SSH gateway.  The tunnel is connected on
// the first Dial and re-established on a later Dial if the gateway
// connection has dropped in between.
type SSHDialer struct {
	tunnel  gateway
	logger  *util.Logger
	metrics *metrics.Collector

	mu        sync.Mutex
	connected bool
}

// NewSSHDialer returns a dialer for the gateway in cfg.  m may be nil.
func NewSSHDialer(cfg *tunnel.SSHConfig, logger *util.Logger, m *metrics.Collector) *SSHDialer {
	return newSSHDialer(tunnel.NewSSHTunnel(cfg, logger), logger, m)
}

func newSSHDialer(t gateway, logger *util.Logger, m *metrics.Collector) *SSHDialer {
	return &SSHDialer{tunnel: t, logger: util.OrDiscard(logger), metrics: m}
}

// ensure connects the tunnel unless it is already up.
func (d *SSHDialer) ensure(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected && d.tunnel.IsAlive() {
		return nil
	}
	if d.connected {
		d.logger.Warn("SSH tunnel dropped, reconnecting")
		d.tunnel.Close() //nolint:errcheck
		d.connected = false
		d.metrics.TunnelReconnect()
	}

	if err := d.tunnel.Connect(ctx); err != nil {
		return fmt.Errorf("tunnel: %w", err)
	}
	d.connected = true
	return nil
}

// Dial connects to address on the far side of the gateway.
func (d *SSHDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if err := d.ensure(ctx); err != nil {
		return nil, err
	}
	return d.tunnel.Dial(ctx, network, address)
}

// Close tears down the tunnel.
func (d *SSHDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil
	}
	d.connected = false
	return d.tunnel.Close()
}
