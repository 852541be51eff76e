// Package audit contains the append-only, tamper-evident audit record
// model and the line codec used by durable stores.
package audit

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Kind categorizes an audit record.
type Kind string

const (
	KindPropose      Kind = "PROPOSE"
	KindApprove      Kind = "APPROVE"
	KindExecute      Kind = "EXECUTE"
	KindDeny         Kind = "DENY"
	KindPolicyLoad   Kind = "POLICY_LOAD"
	KindPolicyReject Kind = "POLICY_REJECT"
)

// Record is a single immutable audit entry. Seq is strictly increasing;
// Chain makes reordering or rewriting detectable.
type Record struct {
	// Seq is the monotonic sequence number assigned by the log writer.
	Seq uint64 `json:"seq"`
	// Time is the wall-clock timestamp (UTC).
	Time time.Time `json:"time"`
	// Actor is the identity that caused the event, or "system".
	Actor string `json:"actor"`
	// Kind categorizes the event.
	Kind Kind `json:"kind"`
	// Subject is the proposal ID or policy version the event concerns.
	Subject string `json:"subject"`
	// Detail is free-form context (mutation name, deny reason, outcome).
	Detail string `json:"detail"`
	// Chain is the running hash over all prior records plus this one.
	Chain uint64 `json:"chain"`
}

// FormatLine renders the record in the line-oriented audit format:
//
//	ISO8601 | seq | kind | actor | subject | detail
//
// The chain value is appended as a final hex field so durable logs remain
// verifiable offline.
func (r Record) FormatLine() string {
	return fmt.Sprintf("%s | %d | %s | %s | %s | %s | %016x",
		r.Time.UTC().Format(time.RFC3339),
		r.Seq, r.Kind, r.Actor, r.Subject, sanitize(r.Detail), r.Chain)
}

// ParseLine decodes a line produced by FormatLine.
func ParseLine(line string) (Record, error) {
	parts := strings.Split(line, " | ")
	if len(parts) != 7 {
		return Record{}, fmt.Errorf("audit line has %d fields, want 7", len(parts))
	}
	ts, err := time.Parse(time.RFC3339, parts[0])
	if err != nil {
		return Record{}, fmt.Errorf("audit line timestamp: %w", err)
	}
	seq, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("audit line seq: %w", err)
	}
	chain, err := strconv.ParseUint(parts[6], 16, 64)
	if err != nil {
		return Record{}, fmt.Errorf("audit line chain: %w", err)
	}
	return Record{
		Seq:     seq,
		Time:    ts,
		Actor:   parts[3],
		Kind:    Kind(parts[2]),
		Subject: parts[4],
		Detail:  parts[5],
		Chain:   chain,
	}, nil
}

// sanitize keeps the detail field single-line and free of the field
// separator so ParseLine round-trips.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, " | ", " / ")
}

// ChainNext computes the running hash for a record given the previous
// chain value. The hash covers the record's content line, so any rewrite
// or reorder breaks every subsequent link.
func ChainNext(prev uint64, r Record) uint64 {
	h := xxhash.New()
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(prev >> (8 * i))
	}
	_, _ = h.Write(buf[:])
	_, _ = h.WriteString(fmt.Sprintf("%d|%s|%s|%s|%s|%d",
		r.Seq, r.Kind, r.Actor, r.Subject, sanitize(r.Detail), r.Time.UTC().Unix()))
	return h.Sum64()
}

// VerifyChain recomputes the chain over records (which must be in sequence
// order), starting from prevChain, the chain value of the record before
// records[0] (0 when records[0] is the first record ever written). It
// returns the index of the first broken link, or -1 if the chain is intact.
func VerifyChain(prevChain uint64, records []Record) int {
	prev := prevChain
	for i, r := range records {
		if ChainNext(prev, r) != r.Chain {
			return i
		}
		prev = r.Chain
	}
	return -1
}
