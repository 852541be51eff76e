package audit

import "context"

// Sink receives sequenced records from the single log writer. Records are
// immutable once appended; sinks never rewrite.
type Sink interface {
	// Append stores a record. Called with strictly increasing Seq.
	Append(ctx context.Context, r Record) error

	// Close releases resources.
	Close() error
}

// Tailer reads back records for operators and the verify endpoint.
type Tailer interface {
	// Recent returns up to n records, newest first.
	Recent(n int) []Record

	// Since returns records with Seq > seq in sequence order, up to limit.
	Since(seq uint64, limit int) []Record
}

// Resumer lets the log writer recover its sequence and chain position
// from a durable sink after a restart.
type Resumer interface {
	// LastState returns the highest appended Seq and its chain value.
	// (0, 0) means the sink is empty.
	LastState() (seq uint64, chain uint64)
}
