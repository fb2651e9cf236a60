// Package session owns the conversation a person sees and decides, for
// every load and identity change, which store holds it.
package session

import (
	"context"
	"errors"

	"keepchat/internal/models"
)

// Mode is the identity regime the session currently runs under.
type Mode int

const (
	Anonymous Mode = iota
	Authenticated
)

func (m Mode) String() string {
	if m == Authenticated {
		return "authenticated"
	}
	return "anonymous"
}

// User-facing error texts.
const (
	MsgCreateChat  = "Failed to create chat. Please try again."
	MsgDeleteChat  = "Failed to delete chat. Please try again."
	MsgLoadChat    = "Failed to load chat. Please try again."
	MsgLoadChats   = "Failed to load chats. Please try again."
	MsgRenameChat  = "Failed to rename chat. Please try again."
	MsgSaveProfile = "Failed to save profile. Please try again."
	MsgBlankName   = "Please enter your name."
	MsgSignIn      = "Failed to sign in. Please try again."
	MsgReply       = "We encountered an issue processing your message. Please try again or start a new conversation."
)

var (
	// ErrBusy rejects a send while a reply or a restore is in flight.
	ErrBusy = errors.New("session busy")
	// ErrAnonymousUnsupported is returned by operations that need a backend account.
	ErrAnonymousUnsupported = errors.New("operation requires a signed-in user")
	// ErrStale reports a result that arrived after the session moved on and was dropped.
	ErrStale = errors.New("session changed before the result arrived")
	// ErrBlankName rejects a profile save without a name.
	ErrBlankName = errors.New("profile name is required")
)

// State is a snapshot of what the view renders.
type State struct {
	Mode      Mode
	Identity  models.Identity
	Selected  models.ChatRef
	Messages  []models.Message
	Pending   bool
	Restoring bool
	Error     string
}

// CanSend reports whether the composer should accept input.
func (s State) CanSend() bool {
	return !s.Pending && !s.Restoring
}

// Backend is the remote chat service as the session uses it.
type Backend interface {
	ListChats(ctx context.Context) ([]models.ChatSummary, error)
	GetChat(ctx context.Context, chatID int64) (*models.Chat, bool, error)
	CreateChat(ctx context.Context, title string) (int64, error)
	DeleteChat(ctx context.Context, chatID int64) error
	RenameChat(ctx context.Context, chatID int64, title string) error
	AppendMessage(ctx context.Context, chatID int64, author models.Role, content string, sentAt int64) error
	GetProfile(ctx context.Context) (models.Profile, bool, error)
	SaveProfile(ctx context.Context, p models.Profile) error
	Reply(ctx context.Context, prompt string) (string, error)
}

// Identities is the identity provider as the session uses it.
type Identities interface {
	Login(ctx context.Context) (models.Identity, error)
	Clear(ctx context.Context) error
	Identity() (models.Identity, bool)
}
