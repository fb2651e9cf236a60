package identity

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"keepchat/internal/localstore"
	"keepchat/internal/models"
	"keepchat/internal/remote"
)

type fakeAuth struct {
	mu       sync.Mutex
	users    map[string]models.Identity
	valid    map[string]int64
	logouts  int
	whoamiFn func(token string) (*models.User, error)
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{
		users: map[string]models.Identity{"alice": {UserID: 7, Username: "alice", Token: "tok-7"}},
		valid: map[string]int64{"tok-7": 7},
	}
}

func (f *fakeAuth) Login(ctx context.Context, username, password string) (models.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.users[username]
	if !ok || password != "pw" {
		return models.Identity{}, &remote.Error{Status: http.StatusUnauthorized, Message: "invalid credentials"}
	}
	return id, nil
}

func (f *fakeAuth) Whoami(ctx context.Context, token string) (*models.User, error) {
	if f.whoamiFn != nil {
		return f.whoamiFn(token)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	uid, ok := f.valid[token]
	if !ok {
		return nil, &remote.Error{Status: http.StatusUnauthorized}
	}
	return &models.User{ID: uid, Username: "alice"}, nil
}

func (f *fakeAuth) Logout(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	return nil
}

func staticCreds(user, pass string) CredentialsFunc {
	return func(context.Context) (string, string, error) { return user, pass, nil }
}

func TestLoginPersistsAndNotifies(t *testing.T) {
	mem := localstore.NewMemoryStorage()
	p := NewProvider(newFakeAuth(), mem, staticCreds("alice", "pw"))
	var seen []*models.Identity
	p.OnChange(func(id *models.Identity) { seen = append(seen, id) })

	if p.Status() != StatusIdle {
		t.Fatalf("expected idle, got %s", p.Status())
	}
	id, err := p.Login(context.Background())
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if id.UserID != 7 || p.Status() != StatusSuccess {
		t.Fatalf("unexpected identity %+v status %s", id, p.Status())
	}
	if _, ok, _ := mem.GetItem(IdentityKey); !ok {
		t.Fatalf("identity should be persisted")
	}
	if len(seen) != 1 || seen[0] == nil || seen[0].Token != "tok-7" {
		t.Fatalf("OnChange not called with identity: %+v", seen)
	}

	if _, err := p.Login(context.Background()); !errors.Is(err, ErrAlreadyAuthenticated) {
		t.Fatalf("expected ErrAlreadyAuthenticated, got %v", err)
	}
}

func TestLoginFailureSetsStatus(t *testing.T) {
	p := NewProvider(newFakeAuth(), localstore.NewMemoryStorage(), staticCreds("alice", "wrong"))
	if _, err := p.Login(context.Background()); err == nil {
		t.Fatalf("expected login failure")
	}
	if p.Status() != StatusLoginError || p.LoginError() == nil {
		t.Fatalf("expected loginError status, got %s / %v", p.Status(), p.LoginError())
	}
	if _, ok := p.Identity(); ok {
		t.Fatalf("no identity expected after failure")
	}

	blank := NewProvider(newFakeAuth(), localstore.NewMemoryStorage(), staticCreds("  ", "pw"))
	if _, err := blank.Login(context.Background()); err == nil {
		t.Fatalf("blank username must fail")
	}
}

func TestClearForgetsIdentity(t *testing.T) {
	auth := newFakeAuth()
	mem := localstore.NewMemoryStorage()
	p := NewProvider(auth, mem, staticCreds("alice", "pw"))
	last := &models.Identity{}
	p.OnChange(func(id *models.Identity) { last = id })

	if _, err := p.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := p.Clear(context.Background()); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok := p.Identity(); ok || p.Status() != StatusIdle {
		t.Fatalf("identity should be cleared, status %s", p.Status())
	}
	if _, ok, _ := mem.GetItem(IdentityKey); ok {
		t.Fatalf("persisted identity should be removed")
	}
	if last != nil {
		t.Fatalf("OnChange should report sign-out with nil")
	}
	if auth.logouts != 1 {
		t.Fatalf("expected one backend logout, got %d", auth.logouts)
	}

	// clearing while signed out does not call the backend
	if err := p.Clear(context.Background()); err != nil {
		t.Fatalf("second Clear: %v", err)
	}
	if auth.logouts != 1 {
		t.Fatalf("signed-out Clear must not call the backend")
	}
}

func TestRestore(t *testing.T) {
	ctx := context.Background()

	t.Run("valid token", func(t *testing.T) {
		mem := localstore.NewMemoryStorage()
		mem.SetItem(IdentityKey, `{"user_id":7,"username":"old","token":"tok-7"}`)
		p := NewProvider(newFakeAuth(), mem, nil)
		id, ok, err := p.Restore(ctx)
		if err != nil || !ok || id.Username != "alice" {
			t.Fatalf("Restore: %+v %v %v", id, ok, err)
		}
		if p.Status() != StatusSuccess {
			t.Fatalf("expected success status")
		}
	})

	t.Run("revoked token", func(t *testing.T) {
		mem := localstore.NewMemoryStorage()
		mem.SetItem(IdentityKey, `{"user_id":7,"username":"alice","token":"gone"}`)
		p := NewProvider(newFakeAuth(), mem, nil)
		if _, ok, err := p.Restore(ctx); err != nil || ok {
			t.Fatalf("revoked token should restore nothing: %v %v", ok, err)
		}
		if _, ok, _ := mem.GetItem(IdentityKey); ok {
			t.Fatalf("revoked identity should be forgotten")
		}
	})

	t.Run("garbage", func(t *testing.T) {
		mem := localstore.NewMemoryStorage()
		mem.SetItem(IdentityKey, `not json`)
		p := NewProvider(newFakeAuth(), mem, nil)
		if _, ok, err := p.Restore(ctx); err != nil || ok {
			t.Fatalf("garbage should restore nothing: %v %v", ok, err)
		}
	})

	t.Run("backend down keeps identity stored", func(t *testing.T) {
		mem := localstore.NewMemoryStorage()
		mem.SetItem(IdentityKey, `{"user_id":7,"username":"alice","token":"tok-7"}`)
		auth := newFakeAuth()
		auth.whoamiFn = func(string) (*models.User, error) { return nil, errors.New("connection refused") }
		p := NewProvider(auth, mem, nil)
		if _, ok, err := p.Restore(ctx); err == nil || ok {
			t.Fatalf("expected error, got ok=%v err=%v", ok, err)
		}
		if _, ok, _ := mem.GetItem(IdentityKey); !ok {
			t.Fatalf("transient failure must not forget the identity")
		}
	})
}
