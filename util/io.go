package util

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
)

// DefaultBufSize is the size of pooled copy buffers (32 KiB).
const DefaultBufSize = 32 * 1024

// closeWriter is implemented by connections that support half-close
// (*net.TCPConn, *net.UnixConn).
type closeWriter interface {
	CloseWrite() error
}

// BidirectionalCopy shuffles data between conn and a reader/writer pair
// until one side reaches EOF or the context is cancelled.  conn is
// closed before returning, and so is r when it is an io.Closer, so a
// reader blocked on the local side cannot outlive the copy.  The proxy
// uses it to bridge a channel socket to a relay target.
func BidirectionalCopy(ctx context.Context, conn io.ReadWriteCloser, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	// conn → writer
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := copyPooled(w, conn)
		errCh <- err
		cancel()
	}()

	// reader → conn
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := copyPooled(conn, r)
		// Half-close so the far side sees EOF while its replies can
		// still drain through the other goroutine.
		if cw, ok := conn.(closeWriter); ok {
			cw.CloseWrite() //nolint:errcheck
		}
		errCh <- err
		if err != nil {
			cancel()
		}
	}()

	<-ctx.Done()
	conn.Close() // unblock any pending reads/writes
	if c, ok := r.(io.Closer); ok {
		c.Close() //nolint:errcheck
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil && !IsHarmless(err) {
			return err
		}
	}
	return nil
}

// WriteFull writes all of p to w, looping over short writes.  A short
// write without an error is reported as io.ErrShortWrite.
func WriteFull(w io.Writer, p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := w.Write(p[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}

// IsHarmless reports whether err is expected while a stream shuts down.
func IsHarmless(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}

func copyPooled(dst io.Writer, src io.Reader) (int64, error) {
	buf := GetBuf()
	defer PutBuf(buf)
	return io.CopyBuffer(dst, src, *buf)
}
