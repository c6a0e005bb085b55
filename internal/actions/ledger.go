package actions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	charmLog "github.com/charmbracelet/log"

	"github.com/bibliosai/biblios/internal/api"
)

// ErrAlreadyResolved reports an approve/reject on an action that is no
// longer pending. It is a soft notice; no state was changed.
var ErrAlreadyResolved = errors.New("action already resolved")

// ErrNotFound reports an id the ledger has never seen.
var ErrNotFound = errors.New("action not found")

// StatusChange is published to subscribers whenever an action's canonical
// status moves.
type StatusChange struct {
	ID       string
	Previous api.ActionStatus
	New      api.ActionStatus
}

// Endpoint is the backend surface the ledger drives.
type Endpoint interface {
	ApproveAction(ctx context.Context, id string) error
	RejectAction(ctx context.Context, id string) error
	ListActions(ctx context.Context, status api.ActionStatus) ([]api.Action, error)
}

// Ledger is the single authoritative registry of actions. Both the chat
// thread and the actions list read through it, so they can never disagree
// about a status. All transitions are serialized under one mutex: of two
// racing approve/reject calls, the first to take the lock wins and the
// second observes a non-pending status.
type Ledger struct {
	endpoint Endpoint
	logger   *charmLog.Logger

	mu      sync.Mutex
	actions map[string]*api.Action
	order   []string

	subsMu sync.RWMutex
	subs   map[chan StatusChange]struct{}
}

// NewLedger creates an empty ledger backed by the given endpoint.
func NewLedger(endpoint Endpoint, logger *charmLog.Logger) *Ledger {
	if logger == nil {
		logger = charmLog.NewWithOptions(os.Stderr, charmLog.Options{Prefix: "actions"})
	}
	return &Ledger{
		endpoint: endpoint,
		logger:   logger,
		actions:  make(map[string]*api.Action),
		subs:     make(map[chan StatusChange]struct{}),
	}
}

// statusRank orders statuses along the state machine so that a merge can
// never move an action backwards. Unknown statuses rank below pending and
// are ignored.
func statusRank(s api.ActionStatus) int {
	switch s {
	case api.ActionPending:
		return 0
	case api.ActionApproved:
		return 1
	case api.ActionRejected, api.ActionCompleted, api.ActionFailed:
		return 2
	default:
		return -1
	}
}

// Upsert inserts an unseen action or merges an incoming copy of a known
// one. Non-status fields are last-writer-wins; status only ever advances,
// so a stale suggestion payload with status pending cannot overwrite a
// local approval.
func (l *Ledger) Upsert(incoming api.Action) {
	if incoming.ID == "" {
		return
	}

	l.mu.Lock()
	change, ok := l.upsertLocked(incoming)
	l.mu.Unlock()

	if ok {
		l.publish(change)
	}
}

// UpsertAll registers a batch, typically the suggested actions embedded in
// an assistant reply or a refreshed server list.
func (l *Ledger) UpsertAll(incoming []api.Action) {
	changes := make([]StatusChange, 0, len(incoming))

	l.mu.Lock()
	for _, action := range incoming {
		if action.ID == "" {
			continue
		}
		if change, ok := l.upsertLocked(action); ok {
			changes = append(changes, change)
		}
	}
	l.mu.Unlock()

	for _, change := range changes {
		l.publish(change)
	}
}

func (l *Ledger) upsertLocked(incoming api.Action) (StatusChange, bool) {
	if incoming.Status == "" {
		incoming.Status = api.ActionPending
	}

	existing, ok := l.actions[incoming.ID]
	if !ok {
		stored := incoming
		l.actions[incoming.ID] = &stored
		l.order = append(l.order, incoming.ID)
		l.logger.Debug("action registered", "action_id", incoming.ID, "type", incoming.Type, "status", incoming.Status)
		return StatusChange{}, false
	}

	previous := existing.Status
	existing.Type = incoming.Type
	existing.Title = incoming.Title
	existing.Description = incoming.Description
	existing.Parameters = incoming.Parameters
	if incoming.CreatedAt != "" {
		existing.CreatedAt = incoming.CreatedAt
	}
	if incoming.UpdatedAt != "" {
		existing.UpdatedAt = incoming.UpdatedAt
	}

	if statusRank(incoming.Status) <= statusRank(previous) {
		return StatusChange{}, false
	}
	existing.Status = incoming.Status
	if incoming.CompletedAt != "" {
		existing.CompletedAt = incoming.CompletedAt
	}
	if incoming.Result != nil {
		existing.Result = incoming.Result
	}
	l.logger.Debug("action advanced by upsert", "action_id", incoming.ID, "from", previous, "to", incoming.Status)
	return StatusChange{ID: incoming.ID, Previous: previous, New: incoming.Status}, true
}

// Get returns a copy of the action with its canonical status.
func (l *Ledger) Get(id string) (api.Action, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	action, ok := l.actions[id]
	if !ok {
		return api.Action{}, false
	}
	return *action, true
}

// List returns copies of all actions in registration order, optionally
// filtered by status. The dashboard's pending count and the full actions
// list both read through here.
func (l *Ledger) List(statuses ...api.ActionStatus) []api.Action {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]api.Action, 0, len(l.order))
	for _, id := range l.order {
		action := l.actions[id]
		if len(statuses) > 0 && !statusIn(action.Status, statuses) {
			continue
		}
		out = append(out, *action)
	}
	return out
}

// PendingCount returns the number of actions awaiting a decision.
func (l *Ledger) PendingCount() int {
	return len(l.List(api.ActionPending))
}

// Approve moves a pending action to approved. The local transition is
// applied before the call and rolled back if the backend refuses, so the
// ledger never silently reverts: a failure always comes back as an error.
func (l *Ledger) Approve(ctx context.Context, id string) error {
	return l.resolve(ctx, id, api.ActionApproved, l.endpoint.ApproveAction)
}

// Reject moves a pending action to rejected.
func (l *Ledger) Reject(ctx context.Context, id string) error {
	return l.resolve(ctx, id, api.ActionRejected, l.endpoint.RejectAction)
}

func (l *Ledger) resolve(ctx context.Context, id string, target api.ActionStatus, call func(context.Context, string) error) error {
	l.mu.Lock()
	action, ok := l.actions[id]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if action.Status != api.ActionPending {
		current := action.Status
		l.mu.Unlock()
		return fmt.Errorf("%s is %s: %w", id, current, ErrAlreadyResolved)
	}
	action.Status = target
	l.mu.Unlock()

	err := call(ctx, id)

	l.mu.Lock()
	if err != nil {
		if action.Status == target {
			action.Status = api.ActionPending
		}
		l.mu.Unlock()

		var conflict *api.ConflictError
		if errors.As(err, &conflict) {
			l.logger.Warn("action already resolved server-side", "action_id", id, "detail", conflict.Detail)
			return fmt.Errorf("%s: %w", id, ErrAlreadyResolved)
		}
		l.logger.Error("action transition failed, rolled back", "action_id", id, "target", target, "error", err)
		return err
	}
	action.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	l.mu.Unlock()

	l.logger.Info("action resolved", "action_id", id, "status", target)
	l.publish(StatusChange{ID: id, Previous: api.ActionPending, New: target})
	return nil
}

// Refresh pulls the server's action list and merges it. Terminal states
// reached by background execution (completed, failed) arrive through here.
func (l *Ledger) Refresh(ctx context.Context) error {
	items, err := l.endpoint.ListActions(ctx, "")
	if err != nil {
		return fmt.Errorf("refresh actions: %w", err)
	}
	l.UpsertAll(items)
	return nil
}

// Subscribe returns a channel of status changes and a cancel function.
// Slow subscribers drop events rather than block a transition.
func (l *Ledger) Subscribe() (<-chan StatusChange, func()) {
	ch := make(chan StatusChange, 64)
	l.subsMu.Lock()
	l.subs[ch] = struct{}{}
	l.subsMu.Unlock()

	cancel := func() {
		l.subsMu.Lock()
		defer l.subsMu.Unlock()
		if _, ok := l.subs[ch]; !ok {
			return
		}
		delete(l.subs, ch)
		close(ch)
	}
	return ch, cancel
}

func (l *Ledger) publish(change StatusChange) {
	l.subsMu.RLock()
	channels := make([]chan StatusChange, 0, len(l.subs))
	for ch := range l.subs {
		channels = append(channels, ch)
	}
	l.subsMu.RUnlock()

	for _, ch := range channels {
		select {
		case ch <- change:
		default:
			l.logger.Debug("subscriber buffer full, dropping status change", "action_id", change.ID)
		}
	}
}

func statusIn(status api.ActionStatus, statuses []api.ActionStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
