// Package channel connects named data channels on the data-proxy
// service and moves bytes over the resulting duplex handle.
//
// The pieces are deliberately small and independent:
//
//	Connector  connect transaction, yields a *Duplex
//	ReadTask   background read loop delivering Chunks
//	Write      one-shot blocking write of a payload
//
// Ownership and switching between channels is the session's job.
package channel

import (
	"io"
	"os"
	"sync"
	"time"
)

const (
	// DefaultServiceName is the registry name of the data-proxy service.
	DefaultServiceName = "org.anbox.webrtc.IDataProxyService"

	// InterfaceToken tags every connect request.
	InterfaceToken = "org.anbox.webrtc.IDataProxyService@1.0"

	// DefaultReadSize is the buffer size of one read.
	DefaultReadSize = 4096
)

// Duplex is a bidirectional byte stream bound to one channel.  It is
// normally an OS descriptor returned by the proxy; tests may wrap any
// io.ReadWriteCloser.
type Duplex struct {
	channel string
	rwc     io.ReadWriteCloser
	fd      int

	once     sync.Once
	closeErr error
}

// NewDuplex wraps rwc as the handle for channel.  Fd reports -1.
func NewDuplex(channel string, rwc io.ReadWriteCloser) *Duplex {
	return &Duplex{channel: channel, rwc: rwc, fd: -1}
}

// newFileDuplex wraps a descriptor received from the proxy.  fd must
// already be non-blocking.  (*os.File).Fd is never called on the
// result since it would switch the descriptor back to blocking mode.
func newFileDuplex(channel string, fd int) *Duplex {
	f := os.NewFile(uintptr(fd), "oob:"+channel)
	return &Duplex{channel: channel, rwc: f, fd: fd}
}

// Channel returns the channel name the handle is bound to.
func (d *Duplex) Channel() string { return d.channel }

// Fd returns the descriptor number, or -1 for non-file handles.
func (d *Duplex) Fd() int { return d.fd }

func (d *Duplex) Read(p []byte) (int, error) { return d.rwc.Read(p) }
func (d *Duplex) Write(p []byte) (int, error) { return d.rwc.Write(p) }

// Close releases the handle.  Only the first call closes; later calls
// return the same result.
func (d *Duplex) Close() error {
	d.once.Do(func() { d.closeErr = d.rwc.Close() })
	return d.closeErr
}

// interruptRead makes a pending Read return promptly, when the
// underlying stream supports read deadlines.
func (d *Duplex) interruptRead() bool {
	rd, ok := d.rwc.(interface{ SetReadDeadline(time.Time) error })
	if !ok {
		return false
	}
	return rd.SetReadDeadline(time.Now()) == nil
}
