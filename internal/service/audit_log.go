// Package service contains application services.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/audit"
)

// AuditLog is the single-writer sequencing layer over audit sinks. Every
// record gets a strictly increasing sequence number and a chain hash;
// writers serialize on the log, readers go straight to the sinks and
// never block writers.
type AuditLog struct {
	mu     sync.Mutex
	seq    uint64
	chain  uint64
	sinks  []audit.Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewAuditLog creates the log writer over the given sinks. Sequence and
// chain position resume from the highest state any Resumer sink reports,
// so restarts never reuse a sequence number.
func NewAuditLog(logger *slog.Logger, sinks ...audit.Sink) *AuditLog {
	l := &AuditLog{
		sinks:  sinks,
		logger: logger,
		now:    time.Now,
	}
	for _, s := range sinks {
		if r, ok := s.(audit.Resumer); ok {
			if seq, chain := r.LastState(); seq > l.seq {
				l.seq = seq
				l.chain = chain
			}
		}
	}
	return l
}

// SetClock replaces the log's clock. For tests.
func (l *AuditLog) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Append assigns the next sequence number and chain value, then fans the
// record out to every sink. The record is durable before Append returns;
// a sink failure is the caller's failure.
func (l *AuditLog) Append(ctx context.Context, kind audit.Kind, actor, subject, detail string) (audit.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := audit.Record{
		Seq:     l.seq + 1,
		Time:    l.now().UTC(),
		Actor:   actor,
		Kind:    kind,
		Subject: subject,
		Detail:  detail,
	}
	rec.Chain = audit.ChainNext(l.chain, rec)

	for _, s := range l.sinks {
		if err := s.Append(ctx, rec); err != nil {
			return audit.Record{}, fmt.Errorf("audit append seq %d: %w", rec.Seq, err)
		}
	}

	l.seq = rec.Seq
	l.chain = rec.Chain
	return rec, nil
}

// Seq returns the sequence number of the last appended record.
func (l *AuditLog) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Close closes every sink.
func (l *AuditLog) Close() error {
	var first error
	for _, s := range l.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
