package session

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	charmLog "github.com/charmbracelet/log"

	"github.com/bibliosai/biblios/internal/api"
	"github.com/bibliosai/biblios/internal/credential"
)

// State is the authentication lifecycle state.
type State int

const (
	StateUnknown State = iota
	StateValidating
	StateAuthenticated
	StateUnauthenticated
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateValidating:
		return "validating"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	default:
		return "invalid"
	}
}

const genericLoginError = "Login failed"
const genericRegisterError = "Registration failed"
const profileFetchError = "Failed to load user data"

// Snapshot is the session as consumers see it. Authenticated is defined by
// the presence of a user, never by the presence of a token: a token that
// fails profile retrieval leaves the session unauthenticated.
type Snapshot struct {
	User          *api.UserProfile
	Authenticated bool
	Loading       bool
	LastError     string
}

// Controller owns the authentication lifecycle: bootstrap, login, register,
// logout, and the global 401 teardown. Bootstrap and login are single-flight;
// a concurrent second attempt is suppressed rather than queued.
type Controller struct {
	client *api.Client
	store  *credential.Store
	logger *charmLog.Logger

	mu        sync.Mutex
	state     State
	user      *api.UserProfile
	lastError string
	inFlight  bool
}

// New creates a Controller in the Unknown state and registers it as the
// client's unauthorized hook, so a 401 from any endpoint tears the session
// down in one place.
func New(client *api.Client, store *credential.Store, logger *charmLog.Logger) *Controller {
	if logger == nil {
		logger = charmLog.NewWithOptions(os.Stderr, charmLog.Options{Prefix: "session"})
	}
	c := &Controller{
		client: client,
		store:  store,
		logger: logger,
		state:  StateUnknown,
	}
	client.SetUnauthorizedHook(c.HandleUnauthorized)
	return c
}

// Token returns the current bearer token for the transport layer, or ""
// when no valid credential is stored.
func (c *Controller) Token() string {
	cred, ok := c.store.Load()
	if !ok || !cred.Valid(time.Now()) {
		return ""
	}
	return cred.Token
}

// Bootstrap validates any persisted credential and resolves the session to
// Authenticated or Unauthenticated. Decode and expiry failures degrade
// silently; only a profile fetch failure after a structurally valid token
// records an error message.
func (c *Controller) Bootstrap(ctx context.Context) {
	if !c.begin() {
		return
	}
	defer c.end()
	c.validateStored(ctx)
}

// Login exchanges credentials for a token, persists it, and re-runs the
// bootstrap validation path. It returns true only once the session reached
// Authenticated. On failure the server-reported detail is recorded verbatim
// when available.
func (c *Controller) Login(ctx context.Context, identifier, secret string) bool {
	if !c.begin() {
		return false
	}
	defer c.end()

	token, err := c.client.Login(ctx, identifier, secret)
	if err != nil {
		var authErr *api.AuthError
		detail := genericLoginError
		if errors.As(err, &authErr) && authErr.Detail != "" {
			detail = authErr.Detail
		}
		c.setUnauthenticated(detail)
		c.logger.Warn("login failed", "error", err)
		return false
	}

	expiresAt, err := credential.DecodeExpiry(token)
	if err != nil {
		// Fails closed: an undecodable token is treated as already expired.
		c.logger.Warn("login returned undecodable token", "error", err)
		expiresAt = time.Time{}
	}
	if saveErr := c.store.Save(credential.Credential{Token: token, ExpiresAt: expiresAt}); saveErr != nil {
		c.logger.Error("persist credential", "error", saveErr)
	}

	c.validateStored(ctx)
	return c.CurrentState() == StateAuthenticated
}

// Register creates an account. It does not authenticate; the caller still
// logs in afterwards.
func (c *Controller) Register(ctx context.Context, identifier, secret, displayName string) bool {
	if err := c.client.Register(ctx, identifier, secret, displayName); err != nil {
		var authErr *api.AuthError
		detail := genericRegisterError
		if errors.As(err, &authErr) && authErr.Detail != "" {
			detail = authErr.Detail
		}
		c.setError(detail)
		c.logger.Warn("registration failed", "error", err)
		return false
	}
	c.setError("")
	return true
}

// Logout clears the credential and forces Unauthenticated synchronously.
// No network call is involved, so it cannot fail into a half-logged-out
// state.
func (c *Controller) Logout() {
	if err := c.store.Clear(); err != nil {
		c.logger.Error("clear credential", "error", err)
	}
	c.setUnauthenticated("")
	c.logger.Info("logged out")
}

// HandleUnauthorized is the cross-cutting 401 contract: any endpoint that
// sees a 401 triggers the same clear-and-unauthenticate transition.
func (c *Controller) HandleUnauthorized() {
	if err := c.store.Clear(); err != nil {
		c.logger.Error("clear credential", "error", err)
	}
	c.setUnauthenticated("")
	c.logger.Debug("session cleared after unauthorized response")
}

// Snapshot returns the current session view.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		User:          c.user,
		Authenticated: c.user != nil,
		Loading:       c.inFlight,
		LastError:     c.lastError,
	}
}

// CurrentState returns the lifecycle state.
func (c *Controller) CurrentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CurrentUser returns the authenticated user, or nil.
func (c *Controller) CurrentUser() *api.UserProfile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// validateStored is the shared validation path behind Bootstrap and Login.
// Callers hold the in-flight slot.
func (c *Controller) validateStored(ctx context.Context) {
	cred, ok := c.store.Load()
	if !ok || !cred.Valid(time.Now()) {
		if err := c.store.Clear(); err != nil {
			c.logger.Error("clear credential", "error", err)
		}
		c.setUnauthenticated("")
		c.logger.Debug("no valid stored credential")
		return
	}

	c.setState(StateValidating)
	profile, err := c.client.GetProfile(ctx)
	if err != nil {
		if clearErr := c.store.Clear(); clearErr != nil {
			c.logger.Error("clear credential", "error", clearErr)
		}
		c.setUnauthenticated(profileFetchError)
		c.logger.Warn("profile fetch failed", "error", err)
		return
	}

	c.mu.Lock()
	c.state = StateAuthenticated
	c.user = profile
	c.lastError = ""
	c.mu.Unlock()
	c.logger.Info("authenticated", "user", profile.Email)
}

func (c *Controller) begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight {
		c.logger.Debug("auth attempt already in flight, suppressing")
		return false
	}
	c.inFlight = true
	return true
}

func (c *Controller) end() {
	c.mu.Lock()
	c.inFlight = false
	c.mu.Unlock()
}

func (c *Controller) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Controller) setUnauthenticated(lastError string) {
	c.mu.Lock()
	c.state = StateUnauthenticated
	c.user = nil
	c.lastError = lastError
	c.mu.Unlock()
}

func (c *Controller) setError(lastError string) {
	c.mu.Lock()
	c.lastError = lastError
	c.mu.Unlock()
}
