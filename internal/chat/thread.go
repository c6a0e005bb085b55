package chat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	charmLog "github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/bibliosai/biblios/internal/actions"
	"github.com/bibliosai/biblios/internal/api"
)

// ErrSendInFlight is returned when a send is attempted while a previous one
// is still unresolved. The caller may retry once the first resolves; sends
// are never queued.
var ErrSendInFlight = errors.New("a send is already in progress")

// ErrEmptyMessage is returned for blank input.
var ErrEmptyMessage = errors.New("message is empty")

// ErrThreadClosed is returned when the thread has been closed.
var ErrThreadClosed = errors.New("thread is closed")

// Delivery is the reconciliation state of a message. The three states are
// mutually exclusive: Pending means shown optimistically and awaiting the
// server, Confirmed means acknowledged, Failed means the send errored and
// the entry stays visible so input is never silently eaten.
type Delivery int

const (
	DeliveryPending Delivery = iota
	DeliveryConfirmed
	DeliveryFailed
)

func (d Delivery) String() string {
	switch d {
	case DeliveryPending:
		return "pending"
	case DeliveryConfirmed:
		return "confirmed"
	case DeliveryFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// Message is one turn of the conversation as held by the thread. The
// SuggestedActions slice is the copy taken at suggestion time; current
// status must be read through the ledger.
type Message struct {
	ID               string
	Role             string
	Content          string
	Timestamp        time.Time
	Sources          []api.Source
	SuggestedActions []api.Action
	Delivery         Delivery
}

// Thread owns one conversation's ordered message list. Messages are
// appended optimistically and confirmed in place; their positions never
// move. At most one send is in flight at a time, which keeps assistant
// replies ordered behind the user message that caused them.
type Thread struct {
	client *api.Client
	ledger *actions.Ledger
	logger *charmLog.Logger

	mu           sync.Mutex
	id           string
	title        string
	messages     []Message
	sendInFlight bool
	closed       bool
	generation   uint64
}

// NewThread creates an empty, unopened thread.
func NewThread(client *api.Client, ledger *actions.Ledger, logger *charmLog.Logger) *Thread {
	if logger == nil {
		logger = charmLog.NewWithOptions(os.Stderr, charmLog.Options{Prefix: "chat"})
	}
	return &Thread{client: client, ledger: ledger, logger: logger}
}

// Open points the thread at a conversation. An empty id starts a new,
// unsaved conversation; a non-empty id loads its history. Opening bumps the
// thread generation, so a response to an earlier send can no longer touch
// the message list. On a load failure the thread stays usable with an empty
// history and the error is returned.
func (t *Thread) Open(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrThreadClosed
	}
	t.generation++
	gen := t.generation
	t.id = ""
	t.title = ""
	t.messages = nil
	t.sendInFlight = false
	t.mu.Unlock()

	if conversationID == "" {
		return nil
	}

	conv, err := t.client.GetConversation(ctx, conversationID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.generation != gen {
		return nil
	}
	if err != nil {
		t.logger.Warn("conversation load failed", "conversation_id", conversationID, "error", err)
		return fmt.Errorf("load conversation: %w", err)
	}

	t.id = conv.ID
	t.title = conv.Title
	t.messages = make([]Message, 0, len(conv.Messages))
	for _, msg := range conv.Messages {
		t.messages = append(t.messages, Message{
			ID:        uuid.NewString(),
			Role:      msg.Role,
			Content:   msg.Content,
			Timestamp: parseTimestamp(msg.Timestamp),
			Delivery:  DeliveryConfirmed,
		})
	}
	t.logger.Debug("conversation loaded", "conversation_id", conv.ID, "messages", len(conv.Messages))
	return nil
}

// Send appends the user message optimistically, issues the request, and on
// success confirms the user message in place and appends the assistant
// reply. Suggested actions embedded in the reply are registered into the
// ledger. On failure the optimistic entry stays, marked failed; sending
// again produces a second entry, never an automatic retry.
func (t *Thread) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrThreadClosed
	}
	if t.sendInFlight {
		t.mu.Unlock()
		return ErrSendInFlight
	}
	t.sendInFlight = true
	gen := t.generation
	userIdx := len(t.messages)
	t.messages = append(t.messages, Message{
		ID:        uuid.NewString(),
		Role:      "user",
		Content:   text,
		Timestamp: time.Now(),
		Delivery:  DeliveryPending,
	})
	conversationID := t.id
	t.mu.Unlock()

	reply, err := t.client.SendMessage(ctx, text, conversationID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.generation != gen {
		// The user navigated away while the send was in flight; the reply
		// belongs to a thread that is no longer viewed.
		t.logger.Debug("discarding reply for stale thread generation")
		return nil
	}
	t.sendInFlight = false

	if err != nil {
		t.messages[userIdx].Delivery = DeliveryFailed
		t.logger.Warn("send failed", "error", err)
		return fmt.Errorf("send message: %w", err)
	}

	t.messages[userIdx].Delivery = DeliveryConfirmed
	t.messages = append(t.messages, Message{
		ID:               uuid.NewString(),
		Role:             "assistant",
		Content:          reply.Message,
		Timestamp:        time.Now(),
		Sources:          reply.Sources,
		SuggestedActions: reply.SuggestedActions,
		Delivery:         DeliveryConfirmed,
	})
	if t.id == "" {
		// First round-trip of a new conversation; it is addressable from
		// here on.
		t.id = reply.ConversationID
		t.logger.Debug("conversation id adopted", "conversation_id", t.id)
	}

	if len(reply.SuggestedActions) > 0 && t.ledger != nil {
		t.ledger.UpsertAll(reply.SuggestedActions)
	}
	return nil
}

// Close invalidates the thread. A send response arriving afterwards is
// discarded without mutating anything.
func (t *Thread) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.generation++
}

// ID returns the conversation id, or "" while unsaved.
func (t *Thread) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

// Title returns the conversation title.
func (t *Thread) Title() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.title
}

// Messages returns a copy of the message list in append order.
func (t *Thread) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// SendInFlight reports whether a send is currently unresolved.
func (t *Thread) SendInFlight() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sendInFlight
}

func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts
		}
	}
	return time.Time{}
}
