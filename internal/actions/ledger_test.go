package actions

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	charmLog "github.com/charmbracelet/log"

	"github.com/bibliosai/biblios/internal/api"
)

// fakeEndpoint records approve/reject calls and can be told to fail.
type fakeEndpoint struct {
	mu          sync.Mutex
	approved    []string
	rejected    []string
	approveErr  error
	rejectErr   error
	listActions []api.Action
	listErr     error
	block       chan struct{}
}

func (f *fakeEndpoint) ApproveAction(ctx context.Context, id string) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.approveErr != nil {
		return f.approveErr
	}
	f.approved = append(f.approved, id)
	return nil
}

func (f *fakeEndpoint) RejectAction(ctx context.Context, id string) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectErr != nil {
		return f.rejectErr
	}
	f.rejected = append(f.rejected, id)
	return nil
}

func (f *fakeEndpoint) ListActions(ctx context.Context, status api.ActionStatus) ([]api.Action, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listActions, f.listErr
}

func newTestLedger(endpoint *fakeEndpoint) *Ledger {
	return NewLedger(endpoint, charmLog.New(io.Discard))
}

func pendingAction(id string) api.Action {
	return api.Action{ID: id, Type: "email", Title: "Send Email", Status: api.ActionPending}
}

func TestUpsertDefaultsToPending(t *testing.T) {
	ledger := newTestLedger(&fakeEndpoint{})

	ledger.Upsert(api.Action{ID: "a1", Type: "email"})

	got, ok := ledger.Get("a1")
	if !ok {
		t.Fatalf("expected action registered")
	}
	if got.Status != api.ActionPending {
		t.Fatalf("expected default pending, got %s", got.Status)
	}
}

func TestUpsertIgnoresEmptyID(t *testing.T) {
	ledger := newTestLedger(&fakeEndpoint{})

	ledger.Upsert(api.Action{Type: "email"})

	if items := ledger.List(); len(items) != 0 {
		t.Fatalf("expected nothing registered, got %+v", items)
	}
}

func TestUpsertNeverRegressesStatus(t *testing.T) {
	ledger := newTestLedger(&fakeEndpoint{})

	ledger.Upsert(api.Action{ID: "a1", Status: api.ActionApproved})
	// A stale copy of the same action, still pending, arrives later.
	ledger.Upsert(api.Action{ID: "a1", Status: api.ActionPending, Title: "Updated Title"})

	got, _ := ledger.Get("a1")
	if got.Status != api.ActionApproved {
		t.Fatalf("stale pending overwrote approval: %s", got.Status)
	}
	if got.Title != "Updated Title" {
		t.Fatalf("non-status fields should be last-writer-wins, got %q", got.Title)
	}
}

func TestUpsertAdvancesToTerminal(t *testing.T) {
	ledger := newTestLedger(&fakeEndpoint{})
	ch, cancel := ledger.Subscribe()
	defer cancel()

	ledger.Upsert(pendingAction("a1"))
	ledger.Upsert(api.Action{ID: "a1", Status: api.ActionCompleted, Result: map[string]any{"ok": true}})

	got, _ := ledger.Get("a1")
	if got.Status != api.ActionCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	change := <-ch
	if change.ID != "a1" || change.Previous != api.ActionPending || change.New != api.ActionCompleted {
		t.Fatalf("unexpected change: %+v", change)
	}
}

func TestApproveHappyPath(t *testing.T) {
	endpoint := &fakeEndpoint{}
	ledger := newTestLedger(endpoint)
	ch, cancel := ledger.Subscribe()
	defer cancel()

	ledger.Upsert(pendingAction("a1"))
	if err := ledger.Approve(context.Background(), "a1"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	got, _ := ledger.Get("a1")
	if got.Status != api.ActionApproved {
		t.Fatalf("expected approved, got %s", got.Status)
	}
	endpoint.mu.Lock()
	calls := len(endpoint.approved)
	endpoint.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected one backend call, got %d", calls)
	}

	change := <-ch
	if change.New != api.ActionApproved || change.Previous != api.ActionPending {
		t.Fatalf("unexpected change: %+v", change)
	}
	select {
	case extra := <-ch:
		t.Fatalf("expected exactly one event, got extra %+v", extra)
	default:
	}
}

func TestApproveUnknownActionFails(t *testing.T) {
	ledger := newTestLedger(&fakeEndpoint{})

	err := ledger.Approve(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSecondResolutionIsRejected(t *testing.T) {
	endpoint := &fakeEndpoint{}
	ledger := newTestLedger(endpoint)

	ledger.Upsert(pendingAction("a1"))
	if err := ledger.Approve(context.Background(), "a1"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	err := ledger.Reject(context.Background(), "a1")
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}

	got, _ := ledger.Get("a1")
	if got.Status != api.ActionApproved {
		t.Fatalf("losing reject must not change status, got %s", got.Status)
	}
	endpoint.mu.Lock()
	rejected := len(endpoint.rejected)
	endpoint.mu.Unlock()
	if rejected != 0 {
		t.Fatalf("losing reject must not reach the backend, got %d calls", rejected)
	}
}

func TestRacingResolutionsExactlyOneWins(t *testing.T) {
	endpoint := &fakeEndpoint{}
	ledger := newTestLedger(endpoint)
	ledger.Upsert(pendingAction("a1"))

	var wg sync.WaitGroup
	results := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0] = ledger.Approve(context.Background(), "a1")
	}()
	go func() {
		defer wg.Done()
		results[1] = ledger.Reject(context.Background(), "a1")
	}()
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
		} else if !errors.Is(err, ErrAlreadyResolved) {
			t.Fatalf("loser must fail with ErrAlreadyResolved, got %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}

	endpoint.mu.Lock()
	backendCalls := len(endpoint.approved) + len(endpoint.rejected)
	endpoint.mu.Unlock()
	if backendCalls != 1 {
		t.Fatalf("expected exactly one backend call, got %d", backendCalls)
	}
}

func TestApproveRollsBackOnNetworkFailure(t *testing.T) {
	endpoint := &fakeEndpoint{approveErr: &api.NetworkError{Op: "approve", Err: errors.New("connection refused")}}
	ledger := newTestLedger(endpoint)
	ch, cancel := ledger.Subscribe()
	defer cancel()

	ledger.Upsert(pendingAction("a1"))
	err := ledger.Approve(context.Background(), "a1")

	var netErr *api.NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
	got, _ := ledger.Get("a1")
	if got.Status != api.ActionPending {
		t.Fatalf("expected rollback to pending, got %s", got.Status)
	}
	select {
	case change := <-ch:
		t.Fatalf("no event must be published for a rolled-back transition, got %+v", change)
	default:
	}
}

func TestApproveConflictMapsToAlreadyResolved(t *testing.T) {
	endpoint := &fakeEndpoint{approveErr: &api.ConflictError{Detail: "Action is not in PENDING state"}}
	ledger := newTestLedger(endpoint)

	ledger.Upsert(pendingAction("a1"))
	err := ledger.Approve(context.Background(), "a1")
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestListFiltersAndPreservesOrder(t *testing.T) {
	ledger := newTestLedger(&fakeEndpoint{})

	ledger.UpsertAll([]api.Action{
		pendingAction("a1"),
		{ID: "a2", Status: api.ActionCompleted},
		pendingAction("a3"),
		{ID: "a4", Status: api.ActionRejected},
	})

	all := ledger.List()
	if len(all) != 4 {
		t.Fatalf("expected 4 actions, got %d", len(all))
	}
	for i, want := range []string{"a1", "a2", "a3", "a4"} {
		if all[i].ID != want {
			t.Fatalf("order mismatch at %d: got=%q want=%q", i, all[i].ID, want)
		}
	}

	pending := ledger.List(api.ActionPending)
	if len(pending) != 2 || pending[0].ID != "a1" || pending[1].ID != "a3" {
		t.Fatalf("unexpected pending set: %+v", pending)
	}

	resolved := ledger.List(api.ActionCompleted, api.ActionRejected)
	if len(resolved) != 2 {
		t.Fatalf("unexpected resolved set: %+v", resolved)
	}

	if got := ledger.PendingCount(); got != 2 {
		t.Fatalf("pending count mismatch: got=%d", got)
	}
}

func TestRefreshMergesServerList(t *testing.T) {
	endpoint := &fakeEndpoint{listActions: []api.Action{
		{ID: "a1", Status: api.ActionCompleted, Result: map[string]any{"sent": true}},
		{ID: "a2", Status: api.ActionPending, Title: "New One"},
	}}
	ledger := newTestLedger(endpoint)
	ledger.Upsert(pendingAction("a1"))

	if err := ledger.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	a1, _ := ledger.Get("a1")
	if a1.Status != api.ActionCompleted {
		t.Fatalf("expected background completion to land, got %s", a1.Status)
	}
	a2, ok := ledger.Get("a2")
	if !ok || a2.Title != "New One" {
		t.Fatalf("expected server-only action registered, got %+v", a2)
	}
}

func TestRefreshPropagatesListError(t *testing.T) {
	endpoint := &fakeEndpoint{listErr: errors.New("boom")}
	ledger := newTestLedger(endpoint)

	if err := ledger.Refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh error")
	}
}

func TestSubscribeCancelIsIdempotent(t *testing.T) {
	ledger := newTestLedger(&fakeEndpoint{})

	_, cancel := ledger.Subscribe()
	cancel()
	cancel() // second cancel must not panic on a closed channel

	// Publishing after cancel must not panic either.
	ledger.Upsert(pendingAction("a1"))
	if err := ledger.Approve(context.Background(), "a1"); err != nil {
		t.Fatalf("approve: %v", err)
	}
}
