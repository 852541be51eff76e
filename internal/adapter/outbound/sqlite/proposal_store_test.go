package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/proposal"
)

func newTestStore(t *testing.T) *ProposalStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "proposals.db")
	store, err := NewProposalStore(context.Background(), dsn)
	if err != nil {
		t.Fatalf("NewProposalStore() error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestProposal(id string) *proposal.Proposal {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &proposal.Proposal{
		ID:                id,
		MutationName:      "rotate_keys",
		Payload:           map[string]any{"scope": "bastion"},
		Proposer:          "identity:alice",
		ProposedAt:        now,
		TimelockUntil:     now.Add(24 * time.Hour),
		Approvals:         []string{"identity:alice"},
		RequiredApprovals: 2,
		Status:            proposal.StatusTimelockActive,
	}
}

func TestProposalStore_CreateGetRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)

	p := newTestProposal("p-1")
	if err := store.Create(ctx, p); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	got, err := store.Get(ctx, "p-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.MutationName != "rotate_keys" || got.RequiredApprovals != 2 {
		t.Errorf("Get() = %+v", got)
	}
	if got.Payload["scope"] != "bastion" {
		t.Errorf("payload = %v", got.Payload)
	}
	if !got.ProposedAt.Equal(p.ProposedAt) || !got.TimelockUntil.Equal(p.TimelockUntil) {
		t.Errorf("timestamps drifted: %v / %v", got.ProposedAt, got.TimelockUntil)
	}

	if _, err := store.Get(ctx, "p-missing"); !errors.Is(err, proposal.ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestProposalStore_MutatePersistsTransition(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	if err := store.Create(ctx, newTestProposal("p-1")); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	updated, err := store.Mutate(ctx, "p-1", func(p *proposal.Proposal) error {
		p.AddApproval("identity:jonathan")
		p.Status = proposal.StatusApproved
		p.Outcome = &proposal.Outcome{Detail: "pending execution"}
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate() error: %v", err)
	}
	if updated.Status != proposal.StatusApproved {
		t.Errorf("Mutate() status = %s", updated.Status)
	}

	got, _ := store.Get(ctx, "p-1")
	if len(got.Approvals) != 2 || got.Status != proposal.StatusApproved {
		t.Errorf("transition not persisted: %+v", got)
	}
	if got.Outcome == nil || got.Outcome.Detail != "pending execution" {
		t.Errorf("outcome not persisted: %+v", got.Outcome)
	}
}

func TestProposalStore_MutateRejectionRollsBack(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	if err := store.Create(ctx, newTestProposal("p-1")); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	wantErr := errors.New("refused")
	if _, err := store.Mutate(ctx, "p-1", func(p *proposal.Proposal) error {
		p.Status = proposal.StatusExecuted
		return wantErr
	}); !errors.Is(err, wantErr) {
		t.Fatalf("Mutate() = %v", err)
	}

	got, _ := store.Get(ctx, "p-1")
	if got.Status != proposal.StatusTimelockActive {
		t.Error("rejected mutation must roll back")
	}
}

func TestProposalStore_ExecutingSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "proposals.db")

	store, err := NewProposalStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewProposalStore() error: %v", err)
	}
	if err := store.Create(ctx, newTestProposal("p-1")); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := store.Mutate(ctx, "p-1", func(p *proposal.Proposal) error {
		p.Status = proposal.StatusExecuting
		return nil
	}); err != nil {
		t.Fatalf("Mutate() error: %v", err)
	}
	// Simulated crash: close without completing the execution.
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	reopened, err := NewProposalStore(ctx, dsn)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	stranded, err := reopened.List(ctx, proposal.Filter{Status: proposal.StatusExecuting})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(stranded) != 1 || stranded[0].ID != "p-1" {
		t.Errorf("EXECUTING pre-record lost across reopen: %+v", stranded)
	}
}

func TestProposalStore_ListOrdering(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, id := range []string{"p-c", "p-a", "p-b"} {
		p := newTestProposal(id)
		p.ProposedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.Create(ctx, p); err != nil {
			t.Fatalf("Create() error: %v", err)
		}
	}

	all, err := store.List(ctx, proposal.Filter{})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List() returned %d proposals", len(all))
	}
	if all[0].ID != "p-c" || all[2].ID != "p-b" {
		t.Errorf("List() not ordered by proposed_at: %s, %s, %s",
			all[0].ID, all[1].ID, all[2].ID)
	}
}
