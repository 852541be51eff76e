package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/proposal"
)

func newTestProposal(id string) *proposal.Proposal {
	now := time.Now().UTC()
	return &proposal.Proposal{
		ID:                id,
		MutationName:      "rotate_keys",
		Proposer:          "identity:alice",
		ProposedAt:        now,
		TimelockUntil:     now.Add(24 * time.Hour),
		Approvals:         []string{"identity:alice"},
		RequiredApprovals: 2,
		Status:            proposal.StatusTimelockActive,
	}
}

func TestProposalStore_CreateGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewProposalStore()

	p := newTestProposal("p-1")
	if err := store.Create(ctx, p); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	got, err := store.Get(ctx, "p-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.ID != "p-1" || got.Status != proposal.StatusTimelockActive {
		t.Errorf("Get() = %+v", got)
	}

	// Mutating the returned copy must not leak into the store.
	got.Status = proposal.StatusExecuted
	again, _ := store.Get(ctx, "p-1")
	if again.Status != proposal.StatusTimelockActive {
		t.Error("Get() must return copies")
	}

	if _, err := store.Get(ctx, "p-missing"); !errors.Is(err, proposal.ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestProposalStore_MutateRejectionLeavesStateUnchanged(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewProposalStore()
	if err := store.Create(ctx, newTestProposal("p-1")); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	wantErr := errors.New("refused")
	_, err := store.Mutate(ctx, "p-1", func(p *proposal.Proposal) error {
		p.Status = proposal.StatusExecuted
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Mutate() = %v, want refusal", err)
	}

	got, _ := store.Get(ctx, "p-1")
	if got.Status != proposal.StatusTimelockActive {
		t.Error("failed Mutate must leave the proposal unchanged")
	}
}

func TestProposalStore_ConcurrentApprovalsConverge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewProposalStore()
	if err := store.Create(ctx, newTestProposal("p-1")); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	approvers := []string{
		"identity:alice", "identity:jonathan", "identity:carol",
		"identity:dave", "identity:erin",
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		approver := approvers[i%len(approvers)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Mutate(ctx, "p-1", func(p *proposal.Proposal) error {
				p.AddApproval(approver)
				return nil
			})
			if err != nil {
				t.Errorf("Mutate() error: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := store.Get(ctx, "p-1")
	if len(got.Approvals) != len(approvers) {
		t.Errorf("approvals = %v, want the union of %d distinct identities",
			got.Approvals, len(approvers))
	}
}

func TestProposalStore_ListFilter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewProposalStore()

	a := newTestProposal("p-a")
	b := newTestProposal("p-b")
	b.Proposer = "identity:bob"
	b.MutationName = "mutate_dns"
	b.Status = proposal.StatusExecuted
	for _, p := range []*proposal.Proposal{a, b} {
		if err := store.Create(ctx, p); err != nil {
			t.Fatalf("Create() error: %v", err)
		}
	}

	all, err := store.List(ctx, proposal.Filter{})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("List() returned %d proposals", len(all))
	}

	executed, _ := store.List(ctx, proposal.Filter{Status: proposal.StatusExecuted})
	if len(executed) != 1 || executed[0].ID != "p-b" {
		t.Errorf("List(status) = %+v", executed)
	}

	byProposer, _ := store.List(ctx, proposal.Filter{Proposer: "identity:alice"})
	if len(byProposer) != 1 || byProposer[0].ID != "p-a" {
		t.Errorf("List(proposer) = %+v", byProposer)
	}
}
