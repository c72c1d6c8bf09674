package capability

import (
	"context"
	"fmt"

	"oobchan/internal/transport"
	"oobchan/util"
)

// Relay bridges the channel to a stream connection dialled per
// channel, e.g. a local TCP service or a unix socket behind an SSH
// gateway.
type Relay struct {
	// Dialer opens the connection; nil means a direct NetDialer.
	Dialer  transport.Dialer
	Network string // "tcp" (default) or "unix"
	Address string
}

// Handle dials the target and copies in both directions until either
// side closes.
func (r *Relay) Handle(ctx context.Context, ep *Endpoint) error {
	dialer := r.Dialer
	if dialer == nil {
		dialer = &transport.NetDialer{}
	}
	network := r.Network
	if network == "" {
		network = "tcp"
	}

	target, err := dialer.Dial(ctx, network, r.Address)
	if err != nil {
		ep.Conn.Close()
		return fmt.Errorf("relay %q: %w", ep.Channel, err)
	}
	ep.logger().Verbose("relay %q -> %s %s", ep.Channel, network, r.Address)

	// BidirectionalCopy closes both target and ep.Conn.
	if err := util.BidirectionalCopy(ctx, target, ep.Conn, ep.Conn); err != nil {
		return fmt.Errorf("relay %q: %w", ep.Channel, err)
	}
	return nil
}
