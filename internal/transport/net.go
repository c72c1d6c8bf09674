package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	ocerr "oobchan/internal/errors"
)

// NetDialer makes direct tcp or unix stream connections.
type NetDialer struct {
	Timeout time.Duration
}

// Dial connects to address.  Only stream networks are accepted, since
// a channel is a byte stream.
func (d *NetDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return nil, fmt.Errorf("unsupported network %q", network)
	}

	dialer := net.Dialer{Timeout: d.Timeout}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, ocerr.Wrap("dial", address, err)
	}
	return conn, nil
}

// Close is a no-op.
func (d *NetDialer) Close() error { return nil }
