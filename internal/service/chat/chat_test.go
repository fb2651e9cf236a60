package chat

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"keepchat/internal/config"
	"keepchat/internal/models"
	"keepchat/internal/storage"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(openTestDB(t), nil)
}

func mustRegister(t *testing.T, svc *Service, name string) *models.User {
	t.Helper()
	u, err := svc.RegisterUser(context.Background(), name, "secret")
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return u
}

func TestRegisterFirstUserIsAdmin(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	alice := mustRegister(t, svc, "alice")
	bob := mustRegister(t, svc, "bob")
	if alice.Role != models.RoleAdmin || bob.Role != models.RoleNamed {
		t.Fatalf("unexpected roles: alice=%s bob=%s", alice.Role, bob.Role)
	}
	if _, err := svc.RegisterUser(ctx, "bob", "other"); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if _, err := svc.Login(ctx, "bob", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	got, err := svc.Login(ctx, "bob", "secret")
	if err != nil || got.ID != bob.ID {
		t.Fatalf("login failed: %v %+v", err, got)
	}
	if got.PasswordHash == "secret" {
		t.Fatalf("password stored in plaintext")
	}
}

func TestChatLifecycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	u := mustRegister(t, svc, "alice")

	created, err := svc.CreateChat(ctx, u.ID, "")
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	if created.Title != models.DefaultChatTitle {
		t.Fatalf("expected default title, got %q", created.Title)
	}

	if _, err := svc.AddMessage(ctx, u.ID, created.ChatID, models.RoleUser, "hi", 1000); err != nil {
		t.Fatalf("AddMessage user: %v", err)
	}
	if _, err := svc.AddMessage(ctx, u.ID, created.ChatID, models.RoleAssistant, "hello", 1001); err != nil {
		t.Fatalf("AddMessage assistant: %v", err)
	}
	if _, err := svc.AddMessage(ctx, u.ID, created.ChatID, "system", "x", 1002); err == nil {
		t.Fatalf("expected invalid author error")
	}

	rec, err := svc.GetChat(ctx, u.ID, created.ChatID)
	if err != nil {
		t.Fatalf("GetChat: %v", err)
	}
	if len(rec.Messages) != 2 || rec.Messages[0].Author != models.RoleUser || rec.Messages[1].Content != "hello" {
		t.Fatalf("unexpected messages: %+v", rec.Messages)
	}
	if rec.Messages[0].Timestamp != 1000 {
		t.Fatalf("client timestamp not preserved: %d", rec.Messages[0].Timestamp)
	}

	if err := svc.UpdateChatTitle(ctx, u.ID, created.ChatID, "Trip"); err != nil {
		t.Fatalf("UpdateChatTitle: %v", err)
	}
	list, err := svc.ListChats(ctx, u.ID)
	if err != nil || len(list) != 1 || list[0].Title != "Trip" {
		t.Fatalf("ListChats: %v %+v", err, list)
	}

	if err := svc.DeleteChat(ctx, u.ID, created.ChatID); err != nil {
		t.Fatalf("DeleteChat: %v", err)
	}
	if _, err := svc.GetChat(ctx, u.ID, created.ChatID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows after delete, got %v", err)
	}
	if err := svc.DeleteChat(ctx, u.ID, created.ChatID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows deleting twice, got %v", err)
	}
}

func TestChatsAreScopedToOwner(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	alice := mustRegister(t, svc, "alice")
	bob := mustRegister(t, svc, "bob")

	c, err := svc.CreateChat(ctx, alice.ID, "private")
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	if _, err := svc.GetChat(ctx, bob.ID, c.ChatID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("foreign GetChat should be not found, got %v", err)
	}
	if err := svc.DeleteChat(ctx, bob.ID, c.ChatID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("foreign DeleteChat should be not found, got %v", err)
	}
	if _, err := svc.AddMessage(ctx, bob.ID, c.ChatID, models.RoleUser, "x", 1); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("foreign AddMessage should be not found, got %v", err)
	}
	list, err := svc.ListChats(ctx, bob.ID)
	if err != nil || len(list) != 0 {
		t.Fatalf("bob should see no chats: %v %+v", err, list)
	}
}

func TestListChatsMostRecentFirst(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	u := mustRegister(t, svc, "alice")

	first, _ := svc.CreateChat(ctx, u.ID, "first")
	second, _ := svc.CreateChat(ctx, u.ID, "second")
	list, err := svc.ListChats(ctx, u.ID)
	if err != nil || len(list) != 2 {
		t.Fatalf("ListChats: %v %+v", err, list)
	}
	if list[0].ChatID != second.ChatID || list[1].ChatID != first.ChatID {
		t.Fatalf("unexpected order: %+v", list)
	}
}

func TestProfilesAndRoles(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	admin := mustRegister(t, svc, "root")
	u := mustRegister(t, svc, "alice")

	if _, err := svc.GetProfile(ctx, u.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected no profile, got %v", err)
	}
	if err := svc.SaveProfile(ctx, u.ID, models.Profile{Name: "  "}); err == nil {
		t.Fatalf("expected blank name rejection")
	}
	if err := svc.SaveProfile(ctx, u.ID, models.Profile{Name: "Alice"}); err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}
	if err := svc.SaveProfile(ctx, u.ID, models.Profile{Name: "Alice B"}); err != nil {
		t.Fatalf("SaveProfile update: %v", err)
	}
	p, err := svc.GetProfile(ctx, u.ID)
	if err != nil || p.Name != "Alice B" {
		t.Fatalf("GetProfile: %v %+v", err, p)
	}

	if _, err := svc.UserProfile(ctx, u.ID, admin.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-admin profile lookup should be forbidden, got %v", err)
	}
	if p, err := svc.UserProfile(ctx, admin.ID, u.ID); err != nil || p.Name != "Alice B" {
		t.Fatalf("admin profile lookup: %v %+v", err, p)
	}

	if err := svc.AssignRole(ctx, u.ID, admin.ID, models.RoleGuest); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-admin AssignRole should be forbidden, got %v", err)
	}
	if err := svc.AssignRole(ctx, admin.ID, u.ID, models.RoleAdmin); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	if ok, err := svc.IsAdmin(ctx, u.ID); err != nil || !ok {
		t.Fatalf("expected alice admin: %v %v", ok, err)
	}
	if role, err := svc.GetRole(ctx, 9999); err != nil || role != models.RoleGuest {
		t.Fatalf("unknown user should be guest: %v %v", role, err)
	}
}

func TestDeleteUserCascades(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	u := mustRegister(t, svc, "alice")
	c, _ := svc.CreateChat(ctx, u.ID, "")
	if _, err := svc.AddMessage(ctx, u.ID, c.ChatID, models.RoleUser, "hi", 1); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	if err := svc.DeleteUser(ctx, u.ID); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	var n int
	if err := svc.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n); err != nil || n != 0 {
		t.Fatalf("messages not cascaded: n=%d err=%v", n, err)
	}
	if err := svc.DeleteUser(ctx, u.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows, got %v", err)
	}
}
