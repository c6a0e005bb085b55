package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	charmLog "github.com/charmbracelet/log"
)

const defaultRequestTimeout = 30 * time.Second

// TokenSource returns the current bearer token, or "" when unauthenticated.
type TokenSource func() string

// Config configures a Client.
type Config struct {
	BaseURL     string
	TokenSource TokenSource
	Logger      *charmLog.Logger
	HTTPClient  *http.Client
}

// Client talks to the dashboard backend. Every request carries the current
// bearer token; every 401 response fires the unauthorized hook exactly once
// before the error is returned, so session teardown is handled in one place
// rather than at each call site.
type Client struct {
	baseURL          string
	httpClient       *http.Client
	logger           *charmLog.Logger
	tokenSource      TokenSource
	unauthorizedHook func()
}

// New creates a Client for the given backend.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("base url is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = charmLog.NewWithOptions(os.Stderr, charmLog.Options{
			Prefix: "api",
			Level:  charmLog.InfoLevel,
		})
	}

	tokenSource := cfg.TokenSource
	if tokenSource == nil {
		tokenSource = func() string { return "" }
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	httpClient.Transport = &authTransport{source: tokenSource, base: httpClient.Transport}

	return &Client{
		baseURL:     baseURL,
		httpClient:  httpClient,
		logger:      logger,
		tokenSource: tokenSource,
	}, nil
}

// SetUnauthorizedHook registers the callback fired on any 401 response.
// The session controller uses it to clear the credential and force the
// unauthenticated state, regardless of which endpoint saw the 401.
func (c *Client) SetUnauthorizedHook(hook func()) {
	c.unauthorizedHook = hook
}

type authTransport struct {
	source TokenSource
	base   http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	token := t.source()
	if token == "" {
		return base.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	clone.Header = req.Header.Clone()
	clone.Header.Set("Authorization", "Bearer "+token)
	return base.RoundTrip(clone)
}

// Login exchanges credentials for a bearer token. The auth endpoint takes
// form-encoded fields named username/password.
func (c *Client) Login(ctx context.Context, identifier, secret string) (string, error) {
	form := url.Values{}
	form.Set("username", identifier)
	form.Set("password", secret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &NetworkError{Op: "login", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail := readDetail(resp.Body)
		c.fireUnauthorized(resp.StatusCode)
		c.logger.Debug("login rejected", "status", resp.StatusCode)
		return "", &AuthError{Detail: detail}
	}

	var body loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	if body.AccessToken == "" {
		return "", &AuthError{}
	}
	return body.AccessToken, nil
}

// Register creates an account. It does not authenticate; callers log in
// afterwards.
func (c *Client) Register(ctx context.Context, identifier, secret, displayName string) error {
	status, body, err := c.do(ctx, http.MethodPost, "/auth/register", registerRequest{
		Email:    identifier,
		Password: secret,
		FullName: displayName,
	})
	if err != nil {
		return err
	}
	if status >= 300 {
		return &AuthError{Detail: detailFromBody(body)}
	}
	return nil
}

// GetProfile fetches the current user. A 401 means the token is expired or
// invalid and comes back as ErrUnauthorized.
func (c *Client) GetProfile(ctx context.Context) (*UserProfile, error) {
	var profile UserProfile
	if err := c.doJSON(ctx, http.MethodGet, "/auth/me", nil, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// SendMessage posts a chat message. conversationID is empty for the first
// turn of a new conversation; the response carries the server-assigned id.
func (c *Client) SendMessage(ctx context.Context, text, conversationID string) (*ChatResponse, error) {
	var reply ChatResponse
	err := c.doJSON(ctx, http.MethodPost, "/chat", chatRequest{
		Message:        text,
		ConversationID: conversationID,
	}, &reply)
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

// GetConversation fetches a stored conversation with its message history.
func (c *Client) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	if err := c.doJSON(ctx, http.MethodGet, "/chat/conversations/"+url.PathEscape(id), nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// ListConversations fetches the conversation summaries for the sidebar.
func (c *Client) ListConversations(ctx context.Context) ([]ConversationSummary, error) {
	var body conversationsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/chat/conversations", nil, &body); err != nil {
		return nil, err
	}
	return body.Conversations, nil
}

// ListActions fetches actions, optionally filtered by status.
func (c *Client) ListActions(ctx context.Context, status ActionStatus) ([]Action, error) {
	path := "/actions"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var body actionsResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &body); err != nil {
		return nil, err
	}
	return body.Actions, nil
}

// ApproveAction approves a pending action. A 400/409 response means the
// action was already resolved server-side and maps to ConflictError.
func (c *Client) ApproveAction(ctx context.Context, id string) error {
	return c.transitionAction(ctx, id, "approve")
}

// RejectAction rejects a pending action.
func (c *Client) RejectAction(ctx context.Context, id string) error {
	return c.transitionAction(ctx, id, "reject")
}

func (c *Client) transitionAction(ctx context.Context, id, verb string) error {
	status, body, err := c.do(ctx, http.MethodPost, "/actions/"+url.PathEscape(id)+"/"+verb, nil)
	if err != nil {
		return err
	}
	switch {
	case status < 300:
		return nil
	case status == http.StatusBadRequest || status == http.StatusConflict:
		return &ConflictError{Detail: detailFromBody(body)}
	default:
		return &APIError{StatusCode: status, Detail: detailFromBody(body)}
	}
}

// doJSON issues a request and decodes a 2xx response into out. Non-2xx
// responses become APIError.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	status, body, err := c.do(ctx, method, path, in)
	if err != nil {
		return err
	}
	if status >= 300 {
		return &APIError{StatusCode: status, Detail: detailFromBody(body)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// do issues a request and returns the status and raw body. Transport
// failures become NetworkError; 401 fires the unauthorized hook and returns
// ErrUnauthorized without exposing the body.
func (c *Client) do(ctx context.Context, method, path string, in any) (int, []byte, error) {
	var reqBody io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return 0, nil, fmt.Errorf("encode %s request: %w", path, err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, &NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &NetworkError{Op: method + " " + path, Err: err}
	}

	c.logger.Debug(
		"api request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode == http.StatusUnauthorized {
		c.fireUnauthorized(resp.StatusCode)
		return resp.StatusCode, nil, fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
	}
	return resp.StatusCode, body, nil
}

func (c *Client) fireUnauthorized(status int) {
	if status != http.StatusUnauthorized || c.unauthorizedHook == nil {
		return
	}
	c.logger.Debug("unauthorized response, firing hook")
	c.unauthorizedHook()
}

func readDetail(r io.Reader) string {
	body, err := io.ReadAll(r)
	if err != nil {
		return ""
	}
	return detailFromBody(body)
}

func detailFromBody(body []byte) string {
	var parsed errorResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	return strings.TrimSpace(parsed.Detail)
}
