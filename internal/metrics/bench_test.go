package metrics

import "testing"

// BenchmarkCollector_ChunkReceived measures the per-chunk overhead on
// the delivery path.
func BenchmarkCollector_ChunkReceived(b *testing.B) {
	c := New()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.ChunkReceived(4096)
	}
}

// BenchmarkCollector_Snapshot measures the cost of taking a snapshot.
func BenchmarkCollector_Snapshot(b *testing.B) {
	c := New()
	c.ChannelOpened()
	c.PayloadSent(1024)
	c.RecordError("test")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = c.Snapshot()
	}
}

// BenchmarkNilCollector verifies nil-safe no-ops have zero overhead.
func BenchmarkNilCollector(b *testing.B) {
	var c *Collector
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.ChannelOpened()
		c.ChunkReceived(4096)
		c.RecordError("test")
	}
}
