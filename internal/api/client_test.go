package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	charmLog "github.com/charmbracelet/log"
)

func newTestClient(t *testing.T, handler http.Handler, token string) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := New(Config{
		BaseURL:     srv.URL,
		TokenSource: func() string { return token },
		Logger:      charmLog.New(io.Discard),
	})
	if err != nil {
		t.Fatalf("init client: %v", err)
	}
	return client
}

func TestLoginSendsFormAndReturnsToken(t *testing.T) {
	var gotContentType, gotUsername, gotPassword string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/token" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		gotContentType = r.Header.Get("Content-Type")
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotUsername = r.PostFormValue("username")
		gotPassword = r.PostFormValue("password")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token": "tok-123",
			"token_type":   "bearer",
		})
	})

	client := newTestClient(t, handler, "")
	token, err := client.Login(context.Background(), "user@example.com", "secret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if token != "tok-123" {
		t.Fatalf("token mismatch: got=%q", token)
	}
	if gotContentType != "application/x-www-form-urlencoded" {
		t.Fatalf("content type mismatch: got=%q", gotContentType)
	}
	if gotUsername != "user@example.com" || gotPassword != "secret" {
		t.Fatalf("form mismatch: username=%q password=%q", gotUsername, gotPassword)
	}
}

func TestLoginFailureCarriesServerDetail(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": "Incorrect email or password"})
	})

	client := newTestClient(t, handler, "")
	_, err := client.Login(context.Background(), "user@example.com", "wrong")

	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if authErr.Detail != "Incorrect email or password" {
		t.Fatalf("detail mismatch: got=%q", authErr.Detail)
	}
}

func TestRequestsCarryBearerToken(t *testing.T) {
	var gotAuthz string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuthz = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(UserProfile{Email: "user@example.com"})
	})

	client := newTestClient(t, handler, "tok-abc")
	if _, err := client.GetProfile(context.Background()); err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if gotAuthz != "Bearer tok-abc" {
		t.Fatalf("authorization mismatch: got=%q", gotAuthz)
	}
}

func TestUnauthorizedFiresHookOncePerResponse(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	client := newTestClient(t, handler, "stale-token")
	fired := 0
	client.SetUnauthorizedHook(func() { fired++ })

	_, err := client.GetProfile(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if fired != 1 {
		t.Fatalf("expected hook fired once, got %d", fired)
	}

	_, _ = client.ListActions(context.Background(), "")
	if fired != 2 {
		t.Fatalf("expected hook fired per 401 response, got %d", fired)
	}
}

func TestActionConflictMapsToConflictError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"detail": "Action is not in PENDING state, current state: approved",
		})
	})

	client := newTestClient(t, handler, "tok")
	err := client.ApproveAction(context.Background(), "a1")

	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.Detail == "" {
		t.Fatalf("expected server detail on conflict")
	}
}

func TestNetworkFailureMapsToNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	client, err := New(Config{BaseURL: srv.URL, Logger: charmLog.New(io.Discard)})
	if err != nil {
		t.Fatalf("init client: %v", err)
	}

	_, err = client.SendMessage(context.Background(), "hello", "")
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
}

func TestListActionsPassesStatusFilter(t *testing.T) {
	var gotStatus string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotStatus = r.URL.Query().Get("status")
		_ = json.NewEncoder(w).Encode(actionsResponse{Actions: []Action{{ID: "a1", Status: ActionPending}}})
	})

	client := newTestClient(t, handler, "tok")
	items, err := client.ListActions(context.Background(), ActionPending)
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	if gotStatus != "pending" {
		t.Fatalf("status filter mismatch: got=%q", gotStatus)
	}
	if len(items) != 1 || items[0].ID != "a1" {
		t.Fatalf("unexpected items: %+v", items)
	}
}

func TestSendMessageRoundTrip(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Message != "hello" || req.ConversationID != "conv-1" {
			t.Errorf("request mismatch: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(ChatResponse{
			Message:        "hi there",
			ConversationID: "conv-1",
			SuggestedActions: []Action{
				{ID: "a1", Type: "email", Title: "Send Email", Parameters: map[string]any{"to": "x@y.com"}},
			},
		})
	})

	client := newTestClient(t, handler, "tok")
	reply, err := client.SendMessage(context.Background(), "hello", "conv-1")
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if reply.Message != "hi there" {
		t.Fatalf("reply mismatch: %+v", reply)
	}
	if len(reply.SuggestedActions) != 1 || reply.SuggestedActions[0].Parameters["to"] != "x@y.com" {
		t.Fatalf("suggested actions mismatch: %+v", reply.SuggestedActions)
	}
}

func TestActionStatusTerminal(t *testing.T) {
	tests := []struct {
		status ActionStatus
		want   bool
	}{
		{ActionPending, false},
		{ActionApproved, false},
		{ActionRejected, true},
		{ActionCompleted, true},
		{ActionFailed, true},
	}
	for _, tc := range tests {
		if got := tc.status.Terminal(); got != tc.want {
			t.Fatalf("%s terminal mismatch: got=%v want=%v", tc.status, got, tc.want)
		}
	}
}
