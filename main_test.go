package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"keepchat/internal/api"
	"keepchat/internal/auth"
	"keepchat/internal/config"
	"keepchat/internal/service/chat"
	"keepchat/internal/storage"
	"keepchat/internal/worker"
)

func TestVersionCmd(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if out := buf.String(); !strings.Contains(out, "keepchat dev") || !strings.Contains(out, "commit: none") {
		t.Fatalf("unexpected version output: %s", out)
	}
}

func TestRootCmdHasSubcommands(t *testing.T) {
	want := map[string]bool{"serve": false, "chat": false, "version": false}
	for _, sub := range newRootCmd().Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("missing subcommand %s", name)
		}
	}
}

func TestConfigPathPrefersFlag(t *testing.T) {
	t.Setenv("KEEPCHAT_CONFIG", "/etc/keepchat.yaml")
	if got := configPath("local.yaml"); got != "local.yaml" {
		t.Fatalf("flag should win, got %s", got)
	}
	if got := configPath(""); got != "/etc/keepchat.yaml" {
		t.Fatalf("env fallback, got %s", got)
	}
}

func TestLoadClientConfigDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := loadClientConfig("")
	if err != nil {
		t.Fatalf("loadClientConfig: %v", err)
	}
	if cfg.Client.ServerURL != "http://127.0.0.1:8090" {
		t.Fatalf("unexpected server url %s", cfg.Client.ServerURL)
	}
	if _, err := loadClientConfig("missing.yaml"); err == nil {
		t.Fatalf("an explicit missing file must fail")
	}
}

type upperReplier struct{}

func (upperReplier) Reply(ctx context.Context, prompt string) (string, error) {
	return strings.ToUpper(prompt), nil
}

func newTestBackend(t *testing.T) string {
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
	return srv.URL
}

func testClientConfig(t *testing.T, serverURL, storePath string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte("{}"), ".json")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cfg.Client.ServerURL = serverURL
	cfg.Client.LocalStorePath = storePath
	cfg.Client.RequestTimeout = 5
	return cfg
}

func TestChatSessionAcrossSignInAndOut(t *testing.T) {
	url := newTestBackend(t)
	cfg := testClientConfig(t, url, filepath.Join(t.TempDir(), "local.db"))

	script := strings.Join([]string{
		"hello",
		"/register",
		"bob",
		"pw12345",
		"/login",
		"bob",
		"pw12345",
		"signed in question",
		"/chats",
		"/logout",
		"/quit",
	}, "\n") + "\n"
	var out bytes.Buffer
	if err := runChat(context.Background(), cfg, strings.NewReader(script), &out); err != nil {
		t.Fatalf("runChat: %v", err)
	}
	got := out.String()
	for _, want := range []string{
		"assistant: HELLO",
		"registered bob (admin)",
		"signed in as bob",
		"assistant: SIGNED IN QUESTION",
		"New Chat",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
	// After sign-out the local transcript is shown again.
	tail := got[strings.LastIndex(got, "not signed in"):]
	if !strings.Contains(tail, "user: hello") || strings.Contains(tail, "signed in question") {
		t.Fatalf("expected the local transcript after logout:\n%s", tail)
	}
}

func TestChatRestoresLocalHistoryOnRestart(t *testing.T) {
	url := newTestBackend(t)
	cfg := testClientConfig(t, url, filepath.Join(t.TempDir(), "local.db"))

	if err := runChat(context.Background(), cfg, strings.NewReader("remember me\n"), new(bytes.Buffer)); err != nil {
		t.Fatalf("first run: %v", err)
	}
	var out bytes.Buffer
	if err := runChat(context.Background(), cfg, strings.NewReader("/quit\n"), &out); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if got := out.String(); !strings.Contains(got, "user: remember me") || !strings.Contains(got, "assistant: REMEMBER ME") {
		t.Fatalf("history not restored:\n%s", got)
	}
}
