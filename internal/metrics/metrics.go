// Package metrics provides lightweight, lock-free counters and gauges
// for tracking runtime statistics of a channel session or proxy.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	channelsActive  atomic.Int64
	channelsTotal   atomic.Int64
	lookupsFailed   atomic.Int64
	connectsFailed  atomic.Int64
	bytesIn         atomic.Int64
	bytesOut        atomic.Int64
	chunksIn        atomic.Int64
	chunksDropped   atomic.Int64
	writesOut       atomic.Int64
	readerExits     atomic.Int64
	tunnelReconnect atomic.Int64
	errorsTotal     atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Channel metrics ──────────────────────────────────────────────────

// ChannelOpened increments both the active and total counters.
func (c *Collector) ChannelOpened() {
	if c == nil {
		return
	}
	c.channelsActive.Add(1)
	c.channelsTotal.Add(1)
}

// ChannelClosed decrements the active channel gauge.
func (c *Collector) ChannelClosed() {
	if c == nil {
		return
	}
	c.channelsActive.Add(-1)
}

// ActiveChannels returns the number of open channels.
func (c *Collector) ActiveChannels() int64 {
	if c == nil {
		return 0
	}
	return c.channelsActive.Load()
}

// TotalChannels returns the lifetime count of opened channels.
func (c *Collector) TotalChannels() int64 {
	if c == nil {
		return 0
	}
	return c.channelsTotal.Load()
}

// LookupFailed records a failed service lookup.
func (c *Collector) LookupFailed() {
	if c == nil {
		return
	}
	c.lookupsFailed.Add(1)
}

// ConnectFailed records a failed connect transaction.
func (c *Collector) ConnectFailed() {
	if c == nil {
		return
	}
	c.connectsFailed.Add(1)
}

// ReaderExited records a read task that stopped on its own, either at
// end of stream or on a read error.
func (c *Collector) ReaderExited() {
	if c == nil {
		return
	}
	c.readerExits.Add(1)
}

// ── I/O metrics ──────────────────────────────────────────────────────

// ChunkReceived records one delivered chunk of n bytes.
func (c *Collector) ChunkReceived(n int) {
	if c == nil {
		return
	}
	c.chunksIn.Add(1)
	c.bytesIn.Add(int64(n))
}

// ChunkDropped records a chunk discarded because its reader was no
// longer current.
func (c *Collector) ChunkDropped() {
	if c == nil {
		return
	}
	c.chunksDropped.Add(1)
}

// PayloadSent records one completed write of n bytes.
func (c *Collector) PayloadSent(n int) {
	if c == nil {
		return
	}
	c.writesOut.Add(1)
	c.bytesOut.Add(int64(n))
}

// TotalBytesIn returns total bytes delivered to the data callback.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total bytes written to channels.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// DroppedChunks returns the number of discarded stale chunks.
func (c *Collector) DroppedChunks() int64 {
	if c == nil {
		return 0
	}
	return c.chunksDropped.Load()
}

// ── Tunnel metrics ───────────────────────────────────────────────────

// TunnelReconnect records an SSH tunnel re-dial by a relay backend.
func (c *Collector) TunnelReconnect() {
	if c == nil {
		return
	}
	c.tunnelReconnect.Add(1)
}

// TunnelReconnects returns the number of tunnel re-dials.
func (c *Collector) TunnelReconnects() int64 {
	if c == nil {
		return 0
	}
	return c.tunnelReconnect.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// TotalErrors returns the lifetime error count.
func (c *Collector) TotalErrors() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime           string `json:"uptime"`
	ChannelsActive   int64  `json:"channels_active"`
	ChannelsTotal    int64  `json:"channels_total"`
	LookupsFailed    int64  `json:"lookups_failed"`
	ConnectsFailed   int64  `json:"connects_failed"`
	BytesIn          int64  `json:"bytes_in"`
	BytesOut         int64  `json:"bytes_out"`
	ChunksIn         int64  `json:"chunks_in"`
	ChunksDropped    int64  `json:"chunks_dropped"`
	WritesOut        int64  `json:"writes_out"`
	ReaderExits      int64  `json:"reader_exits"`
	TunnelReconnects int64  `json:"tunnel_reconnects"`
	ErrorsTotal      int64  `json:"errors_total"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:           time.Since(c.startTime).Truncate(time.Second).String(),
		ChannelsActive:   c.channelsActive.Load(),
		ChannelsTotal:    c.channelsTotal.Load(),
		LookupsFailed:    c.lookupsFailed.Load(),
		ConnectsFailed:   c.connectsFailed.Load(),
		BytesIn:          c.bytesIn.Load(),
		BytesOut:         c.bytesOut.Load(),
		ChunksIn:         c.chunksIn.Load(),
		ChunksDropped:    c.chunksDropped.Load(),
		WritesOut:        c.writesOut.Load(),
		ReaderExits:      c.readerExits.Load(),
		TunnelReconnects: c.tunnelReconnect.Load(),
		ErrorsTotal:      c.errorsTotal.Load(),
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
