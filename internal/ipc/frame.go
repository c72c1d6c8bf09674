package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// Reply status codes.
const (
	StatusOK        uint32 = 0
	StatusException uint32 = 1
)

const (
	headerSize = 12

	// MaxPayload bounds a single transaction payload.
	MaxPayload = 64 * 1024

	// MaxFds bounds the descriptors accepted with one frame.
	MaxFds = 16
)

// Frame layout, one SEQPACKET message per frame:
//
//	uint32 code | uint32 status | uint32 length | payload[length]
//
// Descriptors ride along as a single SCM_RIGHTS control message.

func writeFrame(conn *net.UnixConn, code, status uint32, p *Parcel) error {
	if p.Len() > MaxPayload {
		return fmt.Errorf("payload of %d bytes exceeds %d", p.Len(), MaxPayload)
	}
	if len(p.Fds()) > MaxFds {
		return fmt.Errorf("%d descriptors exceed %d", len(p.Fds()), MaxFds)
	}

	buf := make([]byte, headerSize, headerSize+p.Len())
	binary.LittleEndian.PutUint32(buf[0:], code)
	binary.LittleEndian.PutUint32(buf[4:], status)
	binary.LittleEndian.PutUint32(buf[8:], uint32(p.Len()))
	buf = append(buf, p.Bytes()...)

	var oob []byte
	if fds := p.Fds(); len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}

	n, oobn, err := conn.WriteMsgUnix(buf, oob, nil)
	if err != nil {
		return err
	}
	if n != len(buf) || oobn != len(oob) {
		return fmt.Errorf("short frame write: %d/%d bytes, %d/%d control", n, len(buf), oobn, len(oob))
	}
	return nil
}

// readFrame receives one frame.  The caller owns the descriptors of the
// returned parcel.  On error every received descriptor is closed.
func readFrame(conn *net.UnixConn) (code, status uint32, p *Parcel, err error) {
	buf := make([]byte, headerSize+MaxPayload)
	oob := make([]byte, unix.CmsgSpace(MaxFds*4))

	n, oobn, flags, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return 0, 0, nil, err
	}

	fds, perr := parseRights(oob[:oobn])
	fail := func(format string, args ...interface{}) (uint32, uint32, *Parcel, error) {
		closeFds(fds)
		return 0, 0, nil, fmt.Errorf(format, args...)
	}

	if n == 0 {
		// A zero-length record is how SEQPACKET reports an orderly close.
		closeFds(fds)
		return 0, 0, nil, io.EOF
	}
	if flags&(unix.MSG_TRUNC|unix.MSG_CTRUNC) != 0 {
		return fail("frame truncated (flags %#x)", flags)
	}
	if perr != nil {
		return fail("%w", perr)
	}
	if n < headerSize {
		return fail("frame of %d bytes is shorter than its header", n)
	}

	code = binary.LittleEndian.Uint32(buf[0:])
	status = binary.LittleEndian.Uint32(buf[4:])
	length := int(binary.LittleEndian.Uint32(buf[8:]))
	if length != n-headerSize {
		return fail("frame declares %d payload bytes but carries %d", length, n-headerSize)
	}

	return code, status, ParcelFrom(buf[headerSize:n], fds), nil
}

// parseRights collects the descriptors of every SCM_RIGHTS message in
// oob.  On a malformed message it returns the descriptors parsed up to
// that point together with the error, so the caller can close them.
func parseRights(oob []byte) ([]int, error) {
	var fds []int
	for len(oob) > 0 {
		hdr, data, rest, err := unix.ParseOneSocketControlMessage(oob)
		if err != nil {
			return fds, fmt.Errorf("parse control message: %w", err)
		}
		if hdr.Level == unix.SOL_SOCKET && hdr.Type == unix.SCM_RIGHTS {
			rights, err := unix.ParseUnixRights(&unix.SocketControlMessage{Header: hdr, Data: data})
			if err != nil {
				return fds, fmt.Errorf("parse rights: %w", err)
			}
			for _, fd := range rights {
				unix.CloseOnExec(fd)
			}
			fds = append(fds, rights...)
		}
		oob = rest
	}
	return fds, nil
}

func closeFds(fds []int) {
	for _, fd := range fds {
		unix.Close(fd) //nolint:errcheck
	}
}
