// Package capability defines what the data proxy does with a channel
// once a client has connected to it.  Each Capability is one backend
// behaviour (echo, relay to a network address, run a program) that
// operates on an Endpoint rather than a raw socket, which keeps
// backends testable over in-memory pipes.
package capability

import (
	"context"
	"fmt"
	"io"

	"oobchan/util"
)

// Endpoint is the proxy's end of one connected channel.
type Endpoint struct {
	Channel string
	Conn    io.ReadWriteCloser
	Logger  *util.Logger
}

func (e *Endpoint) logger() *util.Logger { return util.OrDiscard(e.Logger) }

// Capability serves one channel.  Handle blocks until the channel or
// the backend is done, or ctx is cancelled, and closes ep.Conn before
// returning.
type Capability interface {
	Handle(ctx context.Context, ep *Endpoint) error
}

// Func adapts a function to [Capability].
type Func func(ctx context.Context, ep *Endpoint) error

// Handle calls f.
func (f Func) Handle(ctx context.Context, ep *Endpoint) error { return f(ctx, ep) }

// Echo writes every byte read from the channel back to it.
type Echo struct{}

// Handle copies the channel onto itself until end of stream.
func (Echo) Handle(ctx context.Context, ep *Endpoint) error {
	defer ep.Conn.Close()
	stop := context.AfterFunc(ctx, func() { ep.Conn.Close() }) //nolint:errcheck
	defer stop()

	buf := util.GetBuf()
	defer util.PutBuf(buf)

	n, err := io.CopyBuffer(ep.Conn, ep.Conn, *buf)
	ep.logger().Debug("echo %q: %d bytes", ep.Channel, n)
	if err != nil && !util.IsHarmless(err) && ctx.Err() == nil {
		return fmt.Errorf("echo %q: %w", ep.Channel, err)
	}
	return nil
}
