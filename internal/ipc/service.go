package ipc

import (
	"context"
	"fmt"
	"net"
	"time"

	ocerr "oobchan/internal/errors"
)

// Service is a remote object that answers transactions.
type Service interface {
	// Transact sends data under code and blocks until the reply
	// arrives.  The caller owns every descriptor in the reply.
	Transact(ctx context.Context, code uint32, data *Parcel) (*Parcel, error)
}

// RemoteError is returned when the remote side answered a transaction
// with an exception instead of a reply.
type RemoteError struct {
	Code    uint32
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("transaction %d: remote exception: %s", e.Code, e.Message)
}

// UnixService reaches a service listening on a SEQPACKET unix socket.
// Every transaction uses its own connection, so a UnixService is safe
// for concurrent use and holds no resources between calls.
type UnixService struct {
	Path string
}

// NewUnixService returns a Service for the socket at path.
func NewUnixService(path string) *UnixService {
	return &UnixService{Path: path}
}

// Transact dials the socket, sends one frame and waits for the reply.
// Cancelling ctx interrupts both the dial and the wait.
func (s *UnixService) Transact(ctx context.Context, code uint32, data *Parcel) (*Parcel, error) {
	if data == nil {
		data = NewParcel()
	}

	var d net.Dialer
	c, err := d.DialContext(ctx, "unixpacket", s.Path)
	if err != nil {
		return nil, ocerr.Wrap("dial", s.Path, err)
	}
	conn := c.(*net.UnixConn)
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now()) //nolint:errcheck
	})
	defer stop()

	if err := writeFrame(conn, code, StatusOK, data); err != nil {
		return nil, ctxErr(ctx, fmt.Errorf("send transaction %d: %w", code, err))
	}

	_, status, reply, err := readFrame(conn)
	if err != nil {
		return nil, ctxErr(ctx, fmt.Errorf("read reply to transaction %d: %w", code, err))
	}
	if status != StatusOK {
		msg, _ := reply.ReadString()
		closeFds(reply.Fds())
		return nil, &RemoteError{Code: code, Message: msg}
	}
	return reply, nil
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w (%v)", ctx.Err(), err)
	}
	return err
}
