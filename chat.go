package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"keepchat/internal/config"
	"keepchat/internal/identity"
	"keepchat/internal/localstore"
	"keepchat/internal/models"
	"keepchat/internal/remote"
	"keepchat/internal/session"
	"keepchat/internal/storage"
)

func newChatCmd() *cobra.Command {
	var cfgFlag, serverURL string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat from the terminal",
		Long:  "Starts an interactive chat. Signed out, history is kept in a local store; signed in, it lives on the backend.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadClientConfig(configPath(cfgFlag))
			if err != nil {
				return err
			}
			if serverURL != "" {
				cfg.Client.ServerURL = serverURL
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runChat(ctx, cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&cfgFlag, "config", "c", "", "path to config file (default $KEEPCHAT_CONFIG)")
	cmd.Flags().StringVar(&serverURL, "server", "", "backend base URL (overrides client.server_url)")
	return cmd
}

// loadClientConfig falls back to defaults when no config file is given and
// config.json does not exist; the client section needs no mandatory keys.
func loadClientConfig(path string) (*config.Config, error) {
	if path == "" {
		if _, err := os.Stat("config.json"); errors.Is(err, os.ErrNotExist) {
			return config.Parse([]byte("{}"), ".json")
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

type repl struct {
	in       *bufio.Reader
	tty      *os.File // set when input is an interactive terminal
	out      io.Writer
	client   *remote.Client
	provider *identity.Provider
	ctrl     *session.Controller
}

func runChat(ctx context.Context, cfg *config.Config, stdin io.Reader, stdout io.Writer) error {
	db, err := storage.OpenSQLite(cfg.Client.LocalStorePath)
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}
	defer db.Close()
	kv, err := localstore.NewSQLStorage(db)
	if err != nil {
		return err
	}

	r := &repl{
		in:     bufio.NewReader(stdin),
		out:    stdout,
		client: remote.New(cfg.Client.ServerURL, time.Duration(cfg.Client.RequestTimeout)*time.Second),
	}
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		r.tty = f
	}
	r.provider = identity.NewProvider(r.client, kv, r.credentials)
	r.provider.OnChange(r.client.SetIdentity)
	if _, _, err := r.provider.Restore(ctx); err != nil {
		log.Printf("chat: restore identity: %v", err)
	}
	r.ctrl = session.New(r.client, r.provider, localstore.New(kv))
	if err := r.ctrl.SyncIdentity(ctx); err != nil && !errors.Is(err, session.ErrStale) {
		log.Printf("chat: restore session: %v", err)
	}

	r.printHeader()
	r.printTranscript()
	for {
		fmt.Fprint(r.out, "> ")
		line, err := r.in.ReadString('\n')
		if err != nil && line == "" {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := r.command(ctx, line); quit {
				return nil
			}
			continue
		}
		r.send(ctx, line)
	}
}

func (r *repl) credentials(ctx context.Context) (string, string, error) {
	fmt.Fprint(r.out, "username: ")
	user, err := r.in.ReadString('\n')
	if err != nil && user == "" {
		return "", "", err
	}
	fmt.Fprint(r.out, "password: ")
	if r.tty != nil {
		pw, err := term.ReadPassword(int(r.tty.Fd()))
		fmt.Fprintln(r.out)
		if err != nil {
			return "", "", fmt.Errorf("read password: %w", err)
		}
		return strings.TrimSpace(user), string(pw), nil
	}
	pw, err := r.in.ReadString('\n')
	if err != nil && pw == "" {
		return "", "", err
	}
	return strings.TrimSpace(user), strings.TrimRight(pw, "\r\n"), nil
}

func (r *repl) printHeader() {
	st := r.ctrl.State()
	if st.Mode == session.Authenticated {
		fmt.Fprintf(r.out, "signed in as %s. /help lists commands.\n", st.Identity.Username)
		return
	}
	fmt.Fprintln(r.out, "not signed in; history stays on this machine. /help lists commands.")
}

func (r *repl) printTranscript() {
	for _, m := range r.ctrl.State().Messages {
		r.printMessage(m)
	}
}

func (r *repl) printMessage(m models.Message) {
	fmt.Fprintf(r.out, "[%s] %s: %s\n", m.Timestamp.Format("15:04"), m.Role, m.Content)
}

// report prints the session's user-facing error, if any, then dismisses it.
func (r *repl) report(err error) {
	if err == nil || errors.Is(err, session.ErrStale) {
		return
	}
	if msg := r.ctrl.State().Error; msg != "" {
		fmt.Fprintln(r.out, msg)
		r.ctrl.DismissError()
		return
	}
	fmt.Fprintf(r.out, "error: %v\n", err)
}

func (r *repl) send(ctx context.Context, prompt string) {
	before := len(r.ctrl.State().Messages)
	err := r.ctrl.Send(ctx, prompt)
	if errors.Is(err, session.ErrBusy) {
		fmt.Fprintln(r.out, "still waiting for the previous reply")
		return
	}
	if err != nil {
		r.report(err)
		return
	}
	msgs := r.ctrl.State().Messages
	for i := before; i < len(msgs); i++ {
		if msgs[i].Role == models.RoleAssistant {
			r.printMessage(msgs[i])
		}
	}
}

const helpText = `commands:
  /new                  start a new chat
  /clear                clear the current chat
  /chats                list your chats
  /open <id>            open a chat
  /delete <id>          delete a chat
  /rename <id> <title>  rename a chat
  /history              print the current chat
  /register             create an account
  /login                sign in
  /logout               sign out
  /whoami               show who is signed in
  /profile [name]       show or set your display name
  /role                 show your role
  /assign <uid> <role>  set another user's role (admin)
  /user <uid>           show another user's profile (admin)
  /quit                 exit`

func (r *repl) command(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(r.out, helpText)
	case "/history":
		r.printTranscript()
	case "/new":
		r.report(r.ctrl.NewChat(ctx))
	case "/clear":
		r.report(r.ctrl.ClearChat(ctx))
	case "/chats":
		chats, err := r.ctrl.Chats(ctx)
		if err != nil {
			r.report(err)
			return false
		}
		sel := r.ctrl.State().Selected
		for _, c := range chats {
			mark := " "
			if sel.Is(c.ChatID) {
				mark = "*"
			}
			fmt.Fprintf(r.out, "%s %d  %s  (%s)\n", mark, c.ChatID, c.Title, c.UpdatedAt.Format(time.DateTime))
		}
	case "/open", "/delete":
		id, ok := r.chatArg(args)
		if !ok {
			return false
		}
		if cmd == "/open" {
			if err := r.ctrl.SelectChat(ctx, id); err != nil {
				r.report(err)
				return false
			}
			r.printTranscript()
			return false
		}
		r.report(r.ctrl.DeleteChat(ctx, id))
	case "/rename":
		id, ok := r.chatArg(args)
		if !ok || len(args) < 2 {
			fmt.Fprintln(r.out, "usage: /rename <id> <title>")
			return false
		}
		r.report(r.ctrl.RenameChat(ctx, id, strings.Join(args[1:], " ")))
	case "/register":
		user, pw, err := r.credentials(ctx)
		if err != nil {
			r.report(err)
			return false
		}
		u, err := r.client.Register(ctx, user, pw)
		if err != nil {
			r.report(err)
			return false
		}
		fmt.Fprintf(r.out, "registered %s (%s). /login to sign in.\n", u.Username, u.Role)
	case "/login":
		if err := r.ctrl.Login(ctx); err != nil {
			r.report(err)
			return false
		}
		r.printHeader()
	case "/logout":
		r.report(r.ctrl.Logout(ctx))
		r.printHeader()
		r.printTranscript()
	case "/whoami":
		if id, ok := r.provider.Identity(); ok {
			fmt.Fprintf(r.out, "%s (user %d)\n", id.Username, id.UserID)
		} else {
			fmt.Fprintln(r.out, "not signed in")
		}
	case "/profile":
		if len(args) > 0 {
			r.report(r.ctrl.SaveProfile(ctx, strings.Join(args, " ")))
			return false
		}
		p, found, err := r.ctrl.Profile(ctx)
		switch {
		case err != nil:
			r.report(err)
		case !found:
			fmt.Fprintln(r.out, "no profile yet; /profile <name> sets one")
		default:
			fmt.Fprintln(r.out, p.Name)
		}
	case "/role":
		role, err := r.client.Role(ctx)
		if err != nil {
			r.report(err)
			return false
		}
		fmt.Fprintln(r.out, role)
	case "/assign":
		if len(args) != 2 {
			fmt.Fprintln(r.out, "usage: /assign <uid> <admin|user|guest>")
			return false
		}
		uid, err := strconv.ParseInt(args[0], 10, 64)
		role := models.UserRole(args[1])
		if err != nil || !role.Valid() {
			fmt.Fprintln(r.out, "usage: /assign <uid> <admin|user|guest>")
			return false
		}
		r.report(r.client.AssignRole(ctx, uid, role))
	case "/user":
		uid, ok := r.chatArg(args)
		if !ok {
			return false
		}
		p, found, err := r.client.UserProfile(ctx, uid)
		switch {
		case err != nil:
			r.report(err)
		case !found:
			fmt.Fprintln(r.out, "no profile")
		default:
			fmt.Fprintln(r.out, p.Name)
		}
	default:
		fmt.Fprintf(r.out, "unknown command %s; /help lists commands\n", cmd)
	}
	return false
}

func (r *repl) chatArg(args []string) (int64, bool) {
	if len(args) == 0 {
		fmt.Fprintln(r.out, "an id is required")
		return 0, false
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id < 0 {
		fmt.Fprintf(r.out, "invalid id %q\n", args[0])
		return 0, false
	}
	return id, true
}
