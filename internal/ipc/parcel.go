// Package ipc implements the synchronous request/reply transactions the
// channel client uses to talk to the data-proxy service.
//
// A transaction carries a [Parcel]: a flat little-endian buffer of
// int32 values and length-prefixed strings, plus an out-of-band list of
// file descriptors.  On the unix transport the descriptors travel as
// SCM_RIGHTS control messages next to the frame.
package ipc

import (
	"encoding/binary"
	"fmt"
)

// FirstCallTransaction is the first user-defined transaction code.
const FirstCallTransaction uint32 = 1

// NoDescriptor is written in place of a descriptor the sender could not
// provide.
const NoDescriptor = -1

// Parcel is a transaction payload.  Writes append; reads consume from
// the front.  A Parcel is not safe for concurrent use.
type Parcel struct {
	data []byte
	off  int
	fds  []int
}

// NewParcel returns an empty parcel ready for writing.
func NewParcel() *Parcel { return &Parcel{} }

// ParcelFrom wraps a received payload and its descriptors for reading.
func ParcelFrom(data []byte, fds []int) *Parcel {
	return &Parcel{data: data, fds: fds}
}

// Bytes returns the encoded payload.
func (p *Parcel) Bytes() []byte { return p.data }

// Fds returns the descriptors attached to the parcel.
func (p *Parcel) Fds() []int { return p.fds }

// Len returns the payload size in bytes.
func (p *Parcel) Len() int { return len(p.data) }

// WriteInt32 appends v.
func (p *Parcel) WriteInt32(v int32) {
	p.data = binary.LittleEndian.AppendUint32(p.data, uint32(v))
}

// WriteString appends s as an int32 byte length followed by its bytes.
func (p *Parcel) WriteString(s string) {
	p.WriteInt32(int32(len(s)))
	p.data = append(p.data, s...)
}

// WriteInterfaceToken tags the parcel with the interface it addresses.
// The receiver checks it with [Parcel.EnforceInterface].
func (p *Parcel) WriteInterfaceToken(token string) { p.WriteString(token) }

// WriteFileDescriptor attaches fd.  A negative fd is recorded as
// [NoDescriptor] and nothing is attached.  Ownership of fd passes to
// whoever sends the parcel.
func (p *Parcel) WriteFileDescriptor(fd int) {
	if fd < 0 {
		p.WriteInt32(NoDescriptor)
		return
	}
	p.WriteInt32(int32(len(p.fds)))
	p.fds = append(p.fds, fd)
}

// ReadInt32 consumes an int32.
func (p *Parcel) ReadInt32() (int32, error) {
	if len(p.data)-p.off < 4 {
		return 0, fmt.Errorf("parcel: short read at offset %d", p.off)
	}
	v := int32(binary.LittleEndian.Uint32(p.data[p.off:]))
	p.off += 4
	return v, nil
}

// ReadString consumes a string written by [Parcel.WriteString].
func (p *Parcel) ReadString() (string, error) {
	n, err := p.ReadInt32()
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", nil
	}
	if int(n) > len(p.data)-p.off {
		return "", fmt.Errorf("parcel: string length %d exceeds remaining %d bytes", n, len(p.data)-p.off)
	}
	s := string(p.data[p.off : p.off+int(n)])
	p.off += int(n)
	return s, nil
}

// EnforceInterface consumes the interface token and checks it.
func (p *Parcel) EnforceInterface(token string) error {
	got, err := p.ReadString()
	if err != nil {
		return fmt.Errorf("interface token: %w", err)
	}
	if got != token {
		return fmt.Errorf("interface token mismatch: got %q, want %q", got, token)
	}
	return nil
}

// ReadFileDescriptor consumes a descriptor slot.  It returns
// [NoDescriptor] when the sender wrote a negative descriptor, and an
// error when the slot points past the attached descriptors.
func (p *Parcel) ReadFileDescriptor() (int, error) {
	idx, err := p.ReadInt32()
	if err != nil {
		return NoDescriptor, err
	}
	if idx < 0 {
		return NoDescriptor, nil
	}
	if int(idx) >= len(p.fds) {
		return NoDescriptor, fmt.Errorf("parcel: descriptor slot %d but only %d attached", idx, len(p.fds))
	}
	return p.fds[idx], nil
}
