// Package transport opens the outbound connections of relay backends.
// A Dialer decides how a connection is made (directly, or through an
// SSH gateway); what flows over it is the backend's business.
package transport

import (
	"context"
	"net"
)

// Dialer opens outbound connections.
type Dialer interface {
	// Dial connects to address on network ("tcp" or "unix").
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases long-lived resources such as an SSH session.
	// Stateless dialers return nil.
	Close() error
}
