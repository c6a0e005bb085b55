package api

// UserProfile is the authenticated user as returned by /auth/me.
type UserProfile struct {
	Email    string `json:"email"`
	FullName string `json:"full_name,omitempty"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name,omitempty"`
}

// Source is a retrieved document excerpt attached to an assistant reply.
type Source struct {
	Title          string  `json:"title"`
	Content        string  `json:"content"`
	SourceType     string  `json:"source_type"`
	URL            string  `json:"url,omitempty"`
	Timestamp      string  `json:"timestamp,omitempty"`
	RelevanceScore float64 `json:"relevance_score,omitempty"`
}

// ActionStatus is the lifecycle state of a suggested action.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionApproved  ActionStatus = "approved"
	ActionRejected  ActionStatus = "rejected"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
)

// Terminal reports whether no further transition is possible from s.
func (s ActionStatus) Terminal() bool {
	switch s {
	case ActionRejected, ActionCompleted, ActionFailed:
		return true
	default:
		return false
	}
}

// Action is a suggested action as exchanged with the backend. The ledger is
// the canonical owner of Status and Result once an action is registered.
type Action struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
	Status      ActionStatus   `json:"status"`
	CreatedAt   string         `json:"created_at,omitempty"`
	UpdatedAt   string         `json:"updated_at,omitempty"`
	CompletedAt string         `json:"completed_at,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
}

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ChatResponse is the reply to a sent message.
type ChatResponse struct {
	Message          string   `json:"message"`
	ConversationID   string   `json:"conversation_id"`
	Sources          []Source `json:"sources,omitempty"`
	SuggestedActions []Action `json:"suggested_actions,omitempty"`
}

// ConversationMessage is one stored turn of a conversation.
type ConversationMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Conversation is a stored conversation with its full message history.
type Conversation struct {
	ID       string                `json:"id"`
	Title    string                `json:"title"`
	Messages []ConversationMessage `json:"messages"`
}

// ConversationSummary is a sidebar entry from the conversations list.
type ConversationSummary struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

type conversationsResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
}

type actionsResponse struct {
	Actions []Action `json:"actions"`
}

type actionTransitionResponse struct {
	Message string `json:"message"`
	Action  Action `json:"action"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}
