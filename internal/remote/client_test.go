package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"keepchat/internal/api"
	"keepchat/internal/auth"
	"keepchat/internal/models"
	"keepchat/internal/service/chat"
	"keepchat/internal/storage"
	"keepchat/internal/worker"
)

type upperReplier struct{}

func (upperReplier) Reply(ctx context.Context, prompt string) (string, error) {
	return strings.ToUpper(prompt), nil
}

func newBackend(t *testing.T) *Client {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	mgr := worker.NewManager(upperReplier{}, worker.DispatcherConfig{MinWorkers: 1, MaxWorkers: 2, QueueSize: 8}, nil)
	handler := api.NewHandler(chat.NewService(db, nil), auth.NewService(db, nil, time.Hour), mgr, 5*time.Second)
	router := gin.New()
	handler.RegisterRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		mgr.Close()
		db.Close()
	})
	return New(srv.URL+"/", 5*time.Second)
}

func signIn(t *testing.T, c *Client, username string) models.Identity {
	t.Helper()
	ctx := context.Background()
	if _, err := c.Register(ctx, username, "pass123"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	id, err := c.Login(ctx, username, "pass123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	c.SetIdentity(&id)
	return id
}

func TestClientRequiresIdentity(t *testing.T) {
	c := New("http://127.0.0.1:1", time.Second)
	ctx := context.Background()
	if _, err := c.ListChats(ctx); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if _, err := c.CreateChat(ctx, "x"); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if _, _, err := c.GetChat(ctx, 1); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if _, err := c.Whoami(ctx, ""); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestClientChatLifecycle(t *testing.T) {
	c := newBackend(t)
	ctx := context.Background()
	id := signIn(t, c, "alice")

	user, err := c.Whoami(ctx, id.Token)
	if err != nil || user.ID != id.UserID || user.Username != "alice" {
		t.Fatalf("Whoami: %+v %v", user, err)
	}

	chatID, err := c.CreateChat(ctx, models.DefaultChatTitle)
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	if err := c.AppendMessage(ctx, chatID, models.RoleUser, "Hello", 1000); err != nil {
		t.Fatalf("append user: %v", err)
	}
	if err := c.AppendMessage(ctx, chatID, models.RoleAssistant, "Hi there!", 1001); err != nil {
		t.Fatalf("append assistant: %v", err)
	}

	rec, found, err := c.GetChat(ctx, chatID)
	if err != nil || !found {
		t.Fatalf("GetChat: found=%v err=%v", found, err)
	}
	transcript := rec.Transcript()
	if len(transcript) != 2 || transcript[0].Content != "Hello" || transcript[1].Role != models.RoleAssistant {
		t.Fatalf("unexpected transcript %+v", transcript)
	}
	if transcript[0].Timestamp.UnixMilli() != 1000 {
		t.Fatalf("client timestamp lost: %v", transcript[0].Timestamp)
	}

	if err := c.RenameChat(ctx, chatID, "Greeting"); err != nil {
		t.Fatalf("RenameChat: %v", err)
	}
	chats, err := c.ListChats(ctx)
	if err != nil || len(chats) != 1 || chats[0].Title != "Greeting" {
		t.Fatalf("ListChats: %+v %v", chats, err)
	}

	if err := c.DeleteChat(ctx, chatID); err != nil {
		t.Fatalf("DeleteChat: %v", err)
	}
	if _, found, err := c.GetChat(ctx, chatID); err != nil || found {
		t.Fatalf("deleted chat should be absent: found=%v err=%v", found, err)
	}
	if err := c.DeleteChat(ctx, chatID); !IsStatus(err, http.StatusNotFound) {
		t.Fatalf("second delete should be 404, got %v", err)
	}
}

func TestClientProfileAndRoles(t *testing.T) {
	c := newBackend(t)
	ctx := context.Background()
	admin := signIn(t, c, "root")

	if _, found, err := c.GetProfile(ctx); err != nil || found {
		t.Fatalf("expected no profile: found=%v err=%v", found, err)
	}
	if err := c.SaveProfile(ctx, models.Profile{Name: "Root"}); err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}
	if p, found, err := c.GetProfile(ctx); err != nil || !found || p.Name != "Root" {
		t.Fatalf("GetProfile: %+v %v %v", p, found, err)
	}
	if ok, err := c.IsAdmin(ctx); err != nil || !ok {
		t.Fatalf("first account should be admin: %v %v", ok, err)
	}

	other := signIn(t, c, "bob")
	if role, err := c.Role(ctx); err != nil || role != models.RoleNamed {
		t.Fatalf("Role: %v %v", role, err)
	}
	if err := c.AssignRole(ctx, admin.UserID, models.RoleGuest); !IsStatus(err, http.StatusForbidden) {
		t.Fatalf("non-admin assign should be forbidden, got %v", err)
	}

	c.SetIdentity(&admin)
	if err := c.AssignRole(ctx, other.UserID, models.RoleGuest); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	if _, found, err := c.UserProfile(ctx, other.UserID); err != nil || found {
		t.Fatalf("bob has no profile yet: found=%v err=%v", found, err)
	}
}

func TestClientReplyAnonymousAndLogout(t *testing.T) {
	c := newBackend(t)
	ctx := context.Background()

	got, err := c.Reply(ctx, "hello")
	if err != nil || got != "HELLO" {
		t.Fatalf("anonymous Reply: %q %v", got, err)
	}

	id := signIn(t, c, "carol")
	if got, err := c.Reply(ctx, "signed in"); err != nil || got != "SIGNED IN" {
		t.Fatalf("Reply: %q %v", got, err)
	}
	if err := c.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := c.Whoami(ctx, id.Token); !IsStatus(err, http.StatusUnauthorized) {
		t.Fatalf("revoked token should be unauthorized, got %v", err)
	}
}

func TestErrorMessageFromBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"server is busy, please retry"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second).Reply(context.Background(), "hi")
	var re *Error
	if !errors.As(err, &re) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if re.Status != http.StatusTooManyRequests || re.Message != "server is busy, please retry" {
		t.Fatalf("unexpected error %+v", re)
	}
}
