package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"

	"golang.org/x/sync/errgroup"

	"oobchan/util"
)

// Handler answers transactions on the server side.
//
// Descriptors attached to data are closed once OnTransact returns; a
// handler that needs one past that point must dup it.  Descriptors the
// handler attaches to reply are sent and then closed by the server, so
// ownership passes to the client.  A non-nil error is sent back as a
// remote exception.
type Handler interface {
	OnTransact(ctx context.Context, code uint32, data, reply *Parcel) error
}

// HandlerFunc adapts a function to [Handler].
type HandlerFunc func(ctx context.Context, code uint32, data, reply *Parcel) error

// OnTransact calls f.
func (f HandlerFunc) OnTransact(ctx context.Context, code uint32, data, reply *Parcel) error {
	return f(ctx, code, data, reply)
}

// Server accepts transaction connections and dispatches every frame to
// its Handler.
type Server struct {
	Handler Handler
	Logger  *util.Logger
}

// Serve accepts on ln until ctx is cancelled or ln is closed, and
// returns once every connection handler has finished.  ln is closed
// when Serve returns.
func (s *Server) Serve(ctx context.Context, ln *net.UnixListener) error {
	logger := util.OrDiscard(s.Logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		ln.Close() //nolint:errcheck
		return nil
	})

	g.Go(func() error {
		defer cancel()
		for {
			conn, err := ln.AcceptUnix()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			logger.Debug("transaction connection accepted")
			g.Go(func() error {
				s.serveConn(ctx, conn, logger)
				return nil
			})
		}
	})

	return g.Wait()
}

func (s *Server) serveConn(ctx context.Context, conn *net.UnixConn, logger *util.Logger) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() }) //nolint:errcheck
	defer stop()

	for {
		code, _, data, err := readFrame(conn)
		if err != nil {
			if !util.IsHarmless(err) && ctx.Err() == nil {
				logger.Warn("read transaction: %v", err)
			}
			return
		}

		reply := NewParcel()
		herr := s.Handler.OnTransact(ctx, code, data, reply)
		closeFds(data.Fds())

		if herr != nil {
			closeFds(reply.Fds())
			logger.Verbose("transaction %d failed: %v", code, herr)
			ex := NewParcel()
			ex.WriteString(herr.Error())
			if err := writeFrame(conn, code, StatusException, ex); err != nil {
				logger.Warn("write exception: %v", err)
				return
			}
			continue
		}

		err = writeFrame(conn, code, StatusOK, reply)
		closeFds(reply.Fds())
		if err != nil {
			logger.Warn("write reply: %v", err)
			return
		}
	}
}
