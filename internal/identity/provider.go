// Package identity holds the signed-in identity of one client profile and
// persists it across restarts.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"

	"keepchat/internal/localstore"
	"keepchat/internal/models"
	"keepchat/internal/remote"
)

// IdentityKey is the Storage key of the persisted identity.
const IdentityKey = "chatbot-identity"

// Status is the login state reported to the view.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusLoggingIn  Status = "logging-in"
	StatusSuccess    Status = "success"
	StatusLoginError Status = "loginError"
)

var (
	ErrAlreadyAuthenticated = errors.New("user is already authenticated")
	ErrLoginInProgress      = errors.New("login already in progress")
)

// CredentialsFunc asks the person for their username and password.
type CredentialsFunc func(ctx context.Context) (username, password string, err error)

// Authenticator is the backend side of sign-in.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (models.Identity, error)
	Whoami(ctx context.Context, token string) (*models.User, error)
	Logout(ctx context.Context) error
}

// Provider is the single source of the current identity.
type Provider struct {
	auth    Authenticator
	storage localstore.Storage
	creds   CredentialsFunc

	mu       sync.Mutex
	identity *models.Identity
	status   Status
	lastErr  error
	onChange []func(*models.Identity)
}

func NewProvider(auth Authenticator, storage localstore.Storage, creds CredentialsFunc) *Provider {
	return &Provider{auth: auth, storage: storage, creds: creds, status: StatusIdle}
}

// OnChange registers fn to run after every identity change, with nil on sign-out.
func (p *Provider) OnChange(fn func(*models.Identity)) {
	p.mu.Lock()
	p.onChange = append(p.onChange, fn)
	p.mu.Unlock()
}

func (p *Provider) Identity() (models.Identity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.identity == nil {
		return models.Identity{}, false
	}
	return *p.identity, true
}

func (p *Provider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// LoginError is the failure behind StatusLoginError.
func (p *Provider) LoginError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Restore reloads a persisted identity and checks it is still accepted by
// the backend. Rejected or unreadable identities are forgotten.
func (p *Provider) Restore(ctx context.Context) (models.Identity, bool, error) {
	raw, ok, err := p.storage.GetItem(IdentityKey)
	if err != nil {
		return models.Identity{}, false, fmt.Errorf("read identity: %w", err)
	}
	if !ok || raw == "" {
		return models.Identity{}, false, nil
	}
	var id models.Identity
	if err := json.Unmarshal([]byte(raw), &id); err != nil || id.Token == "" || id.UserID <= 0 {
		p.forget()
		return models.Identity{}, false, nil
	}
	user, err := p.auth.Whoami(ctx, id.Token)
	if err != nil {
		if remote.IsStatus(err, http.StatusUnauthorized) {
			p.forget()
			return models.Identity{}, false, nil
		}
		return models.Identity{}, false, fmt.Errorf("validate identity: %w", err)
	}
	if user.ID != id.UserID {
		p.forget()
		return models.Identity{}, false, nil
	}
	id.Username = user.Username
	p.set(&id, StatusSuccess, nil)
	return id, true, nil
}

// Login prompts for credentials and signs in.
func (p *Provider) Login(ctx context.Context) (models.Identity, error) {
	p.mu.Lock()
	switch {
	case p.identity != nil:
		p.mu.Unlock()
		return models.Identity{}, ErrAlreadyAuthenticated
	case p.status == StatusLoggingIn:
		p.mu.Unlock()
		return models.Identity{}, ErrLoginInProgress
	}
	p.status = StatusLoggingIn
	p.lastErr = nil
	p.mu.Unlock()

	id, err := p.login(ctx)
	if err != nil {
		p.mu.Lock()
		p.status = StatusLoginError
		p.lastErr = err
		p.mu.Unlock()
		return models.Identity{}, err
	}
	if data, err := json.Marshal(id); err == nil {
		if err := p.storage.SetItem(IdentityKey, string(data)); err != nil {
			log.Printf("identity: persist identity: %v", err)
		}
	}
	p.set(&id, StatusSuccess, nil)
	return id, nil
}

func (p *Provider) login(ctx context.Context) (models.Identity, error) {
	if p.creds == nil {
		return models.Identity{}, errors.New("no credentials source configured")
	}
	username, password, err := p.creds(ctx)
	if err != nil {
		return models.Identity{}, fmt.Errorf("read credentials: %w", err)
	}
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return models.Identity{}, errors.New("username and password are required")
	}
	id, err := p.auth.Login(ctx, username, password)
	if err != nil {
		return models.Identity{}, fmt.Errorf("login: %w", err)
	}
	return id, nil
}

// Clear signs out. The backend token is revoked on a best-effort basis.
func (p *Provider) Clear(ctx context.Context) error {
	p.mu.Lock()
	signedIn := p.identity != nil
	p.mu.Unlock()
	if signedIn {
		if err := p.auth.Logout(ctx); err != nil {
			log.Printf("identity: revoke token: %v", err)
		}
	}
	err := p.storage.RemoveItem(IdentityKey)
	p.set(nil, StatusIdle, nil)
	if err != nil {
		return fmt.Errorf("remove identity: %w", err)
	}
	return nil
}

func (p *Provider) forget() {
	if err := p.storage.RemoveItem(IdentityKey); err != nil {
		log.Printf("identity: remove identity: %v", err)
	}
}

func (p *Provider) set(id *models.Identity, status Status, lastErr error) {
	p.mu.Lock()
	p.identity = id
	p.status = status
	p.lastErr = lastErr
	hooks := append([]func(*models.Identity){}, p.onChange...)
	p.mu.Unlock()
	for _, fn := range hooks {
		fn(id)
	}
}
