// Package tunnel carries relay connections of the data proxy through
// an SSH gateway, using golang.org/x/crypto/ssh.  Relay targets are
// reached as direct-tcpip channels, or streamlocal channels for unix
// sockets on the gateway host.
package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	ocerr "oobchan/internal/errors"
	"oobchan/util"
)

// SSHConfig describes the gateway a relay backend tunnels through.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration
}

// Addr returns host:port of the gateway.
func (c *SSHConfig) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// SSHTunnel holds one ssh.Client to the gateway.  Relay connections
// become channels on it.
type SSHTunnel struct {
	config *SSHConfig
	logger *util.Logger

	mu     sync.RWMutex
	client *ssh.Client
	alive  bool
}

// NewSSHTunnel returns a tunnel ready to [SSHTunnel.Connect].  Zero
// port and timeout get the ssh defaults.
func NewSSHTunnel(cfg *SSHConfig, logger *util.Logger) *SSHTunnel {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = 30 * time.Second
	}
	return &SSHTunnel{config: cfg, logger: util.OrDiscard(logger).Named("tunnel")}
}

// Connect dials the gateway and completes the SSH handshake.  ctx
// bounds the TCP dial; the handshake is bounded by ConnTimeout.
func (t *SSHTunnel) Connect(ctx context.Context) error {
	cfg := t.config

	auth, err := BuildAuthMethods(cfg)
	if err != nil {
		return ocerr.WrapSSH("auth", cfg.Host, cfg.Port, err)
	}
	hostKeys, err := hostKeyCallback(cfg)
	if err != nil {
		return ocerr.WrapSSH("hostkey", cfg.Host, cfg.Port, err)
	}

	addr := cfg.Addr()
	t.logger.Debug("dialing %s as %s", addr, cfg.User)

	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return ocerr.Wrap("dial", addr, err)
	}

	raw.SetDeadline(time.Now().Add(cfg.ConnTimeout)) //nolint:errcheck
	conn, chans, reqs, err := ssh.NewClientConn(raw, addr, &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         cfg.ConnTimeout,
	})
	if err != nil {
		raw.Close()
		return ocerr.WrapSSH("handshake", cfg.Host, cfg.Port, err)
	}
	raw.SetDeadline(time.Time{}) //nolint:errcheck

	client := ssh.NewClient(conn, chans, reqs)

	t.mu.Lock()
	t.client = client
	t.alive = true
	t.mu.Unlock()

	go t.watch(client)
	t.logger.Verbose("connected to %s", addr)
	return nil
}

// Dial opens a connection to address through the gateway.  network is
// "tcp" or "unix"; unix sockets use the OpenSSH streamlocal extension.
func (t *SSHTunnel) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	t.mu.RLock()
	client, alive := t.client, t.alive
	t.mu.RUnlock()

	if !alive || client == nil {
		return nil, ocerr.ErrTunnelClosed
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.logger.Debug("dial %s %s", network, address)
	conn, err := client.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("tunnel dial %s: %w", address, err)
	}
	return conn, nil
}

// Close shuts down the SSH connection.
func (t *SSHTunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.alive = false
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}

// IsAlive reports whether the gateway connection is up.
func (t *SSHTunnel) IsAlive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.alive
}

// watch marks the tunnel dead once client's connection ends.
func (t *SSHTunnel) watch(client *ssh.Client) {
	err := client.Wait()

	t.mu.Lock()
	if t.client == client {
		t.alive = false
	}
	t.mu.Unlock()

	t.logger.Debug("connection closed: %v", err)
}
