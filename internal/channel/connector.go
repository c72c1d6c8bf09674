package channel

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	ocerr "oobchan/internal/errors"
	"oobchan/internal/ipc"
	"oobchan/util"
)

// TransactionConnect is the transaction code of the connect request.
const TransactionConnect = ipc.FirstCallTransaction

// Connector issues connect requests against a resolved service.
type Connector struct {
	// Token overrides InterfaceToken when set.
	Token  string
	Logger *util.Logger
}

// Connect asks svc for channel name and returns the duplex handle from
// the reply.  There is no retry; a *errors.ConnectError tells the
// caller whether the transaction failed (ConnectTransport) or returned
// an unusable descriptor (ConnectInvalidDescriptor).
func (c *Connector) Connect(ctx context.Context, svc ipc.Service, name string) (*Duplex, error) {
	if name == "" {
		return nil, ocerr.ErrEmptyChannel
	}
	logger := util.OrDiscard(c.Logger)
	token := c.Token
	if token == "" {
		token = InterfaceToken
	}

	req := ipc.NewParcel()
	req.WriteInterfaceToken(token)
	req.WriteString(name)

	logger.Debug("connect %q: transaction %d", name, TransactionConnect)
	reply, err := svc.Transact(ctx, TransactionConnect, req)
	if err != nil {
		return nil, &ocerr.ConnectError{Channel: name, Kind: ocerr.ConnectTransport, Err: err}
	}

	fd, err := reply.ReadFileDescriptor()
	releaseExcept(reply.Fds(), fd)
	if err != nil {
		return nil, &ocerr.ConnectError{Channel: name, Kind: ocerr.ConnectTransport, Err: fmt.Errorf("malformed reply: %w", err)}
	}
	if fd < 0 {
		return nil, &ocerr.ConnectError{
			Channel: name,
			Kind:    ocerr.ConnectInvalidDescriptor,
			Err:     fmt.Errorf("%w: %d", ocerr.ErrInvalidDescriptor, fd),
		}
	}

	// Non-blocking mode makes the descriptor pollable, so closing it or
	// setting a deadline interrupts a reader blocked on it.
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd) //nolint:errcheck
		return nil, &ocerr.ConnectError{Channel: name, Kind: ocerr.ConnectInvalidDescriptor, Err: fmt.Errorf("descriptor %d: %w", fd, err)}
	}

	logger.Verbose("channel %q connected on fd %d", name, fd)
	return newFileDuplex(name, fd), nil
}

// releaseExcept closes every received descriptor but keep.
func releaseExcept(fds []int, keep int) {
	for _, fd := range fds {
		if fd != keep {
			unix.Close(fd) //nolint:errcheck
		}
	}
}
