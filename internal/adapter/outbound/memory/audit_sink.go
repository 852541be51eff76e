package memory

import (
	"context"
	"sync"

	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/audit"
)

const defaultRecentCap = 1000

// AuditSink implements audit.Sink with a bounded in-memory ring buffer,
// serving Recent and Since queries for the inbound surface.
type AuditSink struct {
	mu      sync.RWMutex
	entries []audit.Record
	size    int
	head    int
	count   int
}

// NewAuditSink creates a ring-buffered sink. An optional capacity
// parameter overrides the default of 1000.
func NewAuditSink(capacity ...int) *AuditSink {
	size := defaultRecentCap
	if len(capacity) > 0 && capacity[0] > 0 {
		size = capacity[0]
	}
	return &AuditSink{
		entries: make([]audit.Record, size),
		size:    size,
	}
}

// Append stores a record, overwriting the oldest entry when full.
func (s *AuditSink) Append(_ context.Context, r audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[s.head] = r
	s.head = (s.head + 1) % s.size
	if s.count < s.size {
		s.count++
	}
	return nil
}

// Recent returns up to n records, newest first.
func (s *AuditSink) Recent(n int) []audit.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || s.count == 0 {
		return nil
	}
	if n > s.count {
		n = s.count
	}

	result := make([]audit.Record, n)
	for i := 0; i < n; i++ {
		idx := (s.head - 1 - i + s.size) % s.size
		result[i] = s.entries[idx]
	}
	return result
}

// Since returns records with Seq > seq in sequence order, up to limit.
func (s *AuditSink) Since(seq uint64, limit int) []audit.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || s.count == 0 {
		return nil
	}

	var result []audit.Record
	for i := s.count - 1; i >= 0 && len(result) < limit; i-- {
		idx := (s.head - 1 - i + s.size) % s.size
		if s.entries[idx].Seq > seq {
			result = append(result, s.entries[idx])
		}
	}
	return result
}

// LastState returns the highest appended Seq and its chain value.
func (s *AuditSink) LastState() (uint64, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.count == 0 {
		return 0, 0
	}
	last := s.entries[(s.head-1+s.size)%s.size]
	return last.Seq, last.Chain
}

// Len returns the number of entries currently buffered.
func (s *AuditSink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Close releases resources (none for the in-memory sink).
func (s *AuditSink) Close() error { return nil }

// Compile-time interface verification.
var (
	_ audit.Sink    = (*AuditSink)(nil)
	_ audit.Tailer  = (*AuditSink)(nil)
	_ audit.Resumer = (*AuditSink)(nil)
)
