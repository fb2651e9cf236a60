package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"keepchat/internal/identity"
	"keepchat/internal/localstore"
	"keepchat/internal/models"
)

// Controller is the only writer of the session state. Its mutex is never
// held across a remote call; each operation captures the epoch and view
// generation before suspending and re-checks them before applying results.
//
// epoch changes on every identity transition. viewGen changes whenever the
// visible chat is replaced (new, select, delete, clear).
type Controller struct {
	backend Backend
	ids     Identities
	local   *localstore.Store
	now     func() time.Time

	mu         sync.Mutex
	state      State
	epoch      uint64
	viewGen    uint64
	restoreSeq uint64
	sendSeq    uint64
	appliedSeq uint64 // bumped by every optimistic append

	chats      []models.ChatSummary
	chatsValid bool
	chatsGen   uint64
}

// New builds a controller in the mode the identity provider currently reports.
// Call Restore (or SyncIdentity) before the first send.
func New(backend Backend, ids Identities, local *localstore.Store) *Controller {
	c := &Controller{
		backend: backend,
		ids:     ids,
		local:   local,
		now:     time.Now,
	}
	c.state.Messages = []models.Message{}
	if id, ok := ids.Identity(); ok {
		c.state.Mode = Authenticated
		c.state.Identity = id
	}
	return c
}

// State returns a copy safe to read while operations are in flight.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state
	st.Messages = append([]models.Message(nil), c.state.Messages...)
	return st
}

// DismissError clears the user-facing error.
func (c *Controller) DismissError() {
	c.mu.Lock()
	c.state.Error = ""
	c.mu.Unlock()
}

func (c *Controller) transitionLocked(mode Mode, id models.Identity) {
	c.epoch++
	c.viewGen++
	// Restoring stays set until the caller's Restore lands, so no send slips in
	// between the reset and the restore.
	c.state = State{Mode: mode, Identity: id, Selected: models.NoChat, Messages: []models.Message{}, Restoring: true}
	c.chats = nil
	c.chatsValid = false
	c.chatsGen++
}

func (c *Controller) invalidateChatsLocked() {
	c.chats = nil
	c.chatsValid = false
	c.chatsGen++
}

// setErrorIf sets the user-facing error unless the identity moved on.
func (c *Controller) setErrorIf(epoch uint64, msg string) {
	c.mu.Lock()
	if epoch == c.epoch {
		c.state.Error = msg
	}
	c.mu.Unlock()
}

// SyncIdentity adopts whatever identity the provider reports and restores
// from the matching store. Calling it without a change just restores.
func (c *Controller) SyncIdentity(ctx context.Context) error {
	id, ok := c.ids.Identity()
	mode := Anonymous
	if ok {
		mode = Authenticated
	} else {
		id = models.Identity{}
	}
	c.mu.Lock()
	if mode != c.state.Mode || id.UserID != c.state.Identity.UserID {
		c.transitionLocked(mode, id)
	} else {
		c.state.Identity = id
	}
	c.mu.Unlock()
	return c.Restore(ctx)
}

// Login signs in through the provider, then switches to the new identity.
// Local history stays where it is.
func (c *Controller) Login(ctx context.Context) error {
	_, err := c.ids.Login(ctx)
	cleared := false
	if errors.Is(err, identity.ErrAlreadyAuthenticated) {
		if cerr := c.ids.Clear(ctx); cerr != nil {
			log.Printf("session: clear stale identity: %v", cerr)
		}
		cleared = true
		_, err = c.ids.Login(ctx)
	}
	if err != nil {
		// The old identity is gone; fall back to whatever the provider holds now.
		if cleared {
			if serr := c.SyncIdentity(ctx); serr != nil && !errors.Is(serr, ErrStale) {
				log.Printf("session: restore after failed sign-in: %v", serr)
			}
		}
		c.mu.Lock()
		c.state.Error = MsgSignIn
		c.mu.Unlock()
		return err
	}
	return c.SyncIdentity(ctx)
}

// Logout signs out, drops everything cached for the old identity and
// restores the anonymous session from local storage.
func (c *Controller) Logout(ctx context.Context) error {
	if err := c.ids.Clear(ctx); err != nil {
		log.Printf("session: clear identity: %v", err)
	}
	c.mu.Lock()
	c.transitionLocked(Anonymous, models.Identity{})
	c.mu.Unlock()
	return c.Restore(ctx)
}

// Restore re-derives the visible transcript from the current mode's store.
// Only the latest restore may apply, and only if nothing replaced the view
// or appended to it meanwhile.
func (c *Controller) Restore(ctx context.Context) error {
	c.mu.Lock()
	c.restoreSeq++
	seq := c.restoreSeq
	epoch, gen, applied := c.epoch, c.viewGen, c.appliedSeq
	mode, sel := c.state.Mode, c.state.Selected
	c.state.Restoring = true
	c.mu.Unlock()

	msgs := []models.Message{}
	var fetchErr error
	switch mode {
	case Authenticated:
		if sel.Valid {
			rec, found, err := c.backend.GetChat(ctx, sel.ID)
			switch {
			case err != nil:
				fetchErr = err
			case found:
				msgs = rec.Transcript()
			}
		}
	default:
		sel = models.NoChat
		stored := c.local.Selected()
		if stored.Valid {
			if chat, ok := c.local.Load()[stored.ID]; ok {
				sel = stored
				msgs = chat.Messages
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if seq == c.restoreSeq {
		c.state.Restoring = false
	}
	if seq != c.restoreSeq || epoch != c.epoch || gen != c.viewGen || applied != c.appliedSeq {
		return ErrStale
	}
	if fetchErr != nil {
		log.Printf("session: restore chat %d: %v", sel.ID, fetchErr)
		c.state.Error = MsgLoadChat
		return fmt.Errorf("restore chat %d: %w", sel.ID, fetchErr)
	}
	c.state.Selected = sel
	c.state.Messages = msgs
	return nil
}

// Send asks for a reply to prompt and appends both messages. Blank prompts
// are ignored. The reply is persisted to the chat selected when the send
// started, and dropped if the identity changed before it arrived.
func (c *Controller) Send(ctx context.Context, prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return nil
	}

	c.mu.Lock()
	if !c.state.CanSend() {
		c.mu.Unlock()
		return ErrBusy
	}
	c.sendSeq++
	seq := c.sendSeq
	c.state.Pending = true
	c.state.Error = ""
	epoch, gen := c.epoch, c.viewGen
	mode, sel := c.state.Mode, c.state.Selected
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if seq == c.sendSeq && epoch == c.epoch {
			c.state.Pending = false
		}
		c.mu.Unlock()
	}()

	if mode == Authenticated && !sel.Valid {
		id, err := c.backend.CreateChat(ctx, models.DefaultChatTitle)
		if err != nil {
			log.Printf("session: create chat: %v", err)
			c.setErrorIf(epoch, MsgCreateChat)
			return fmt.Errorf("create chat: %w", err)
		}
		c.mu.Lock()
		if epoch != c.epoch || gen != c.viewGen {
			c.mu.Unlock()
			return ErrStale
		}
		c.state.Selected = models.SomeChat(id)
		c.invalidateChatsLocked()
		c.mu.Unlock()
		sel = models.SomeChat(id)
	}

	reply, err := c.backend.Reply(ctx, prompt)
	if err != nil {
		log.Printf("session: reply: %v", err)
		c.mu.Lock()
		if epoch == c.epoch && gen == c.viewGen {
			c.state.Error = MsgReply
		}
		c.mu.Unlock()
		return fmt.Errorf("reply: %w", err)
	}

	now := c.now()
	userMsg := models.NewMessage(models.RoleUser, prompt, now)
	botMsg := models.NewMessage(models.RoleAssistant, reply, now.Add(time.Millisecond))

	localID := localstore.LocalChatID
	if sel.Valid {
		localID = sel.ID
	}

	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		log.Printf("session: identity changed, dropping reply")
		return ErrStale
	}
	visible := gen == c.viewGen
	var snapshot []models.Message
	if visible {
		c.appliedSeq++
		c.state.Messages = append(append([]models.Message(nil), c.state.Messages...), userMsg, botMsg)
		snapshot = append([]models.Message(nil), c.state.Messages...)
		if mode == Anonymous {
			c.state.Selected = models.SomeChat(localID)
		}
	}
	c.mu.Unlock()

	if mode == Anonymous {
		if !visible {
			return ErrStale
		}
		if err := c.local.Save(localID, snapshot, models.DefaultChatTitle); err != nil {
			log.Printf("session: save local chat: %v", err)
		}
		if err := c.local.SetSelected(models.SomeChat(localID)); err != nil {
			log.Printf("session: save local selection: %v", err)
		}
		return nil
	}

	// The user message must land before the assistant's; an assistant
	// message is never stored without its prompt.
	if err := c.backend.AppendMessage(ctx, sel.ID, models.RoleUser, userMsg.Content, userMsg.Timestamp.UnixMilli()); err != nil {
		log.Printf("session: persist user message to chat %d: %v", sel.ID, err)
	} else if err := c.backend.AppendMessage(ctx, sel.ID, models.RoleAssistant, botMsg.Content, botMsg.Timestamp.UnixMilli()); err != nil {
		log.Printf("session: persist assistant message to chat %d: %v", sel.ID, err)
	} else {
		c.mu.Lock()
		if epoch == c.epoch {
			c.invalidateChatsLocked()
		}
		c.mu.Unlock()
	}
	if !visible {
		return ErrStale
	}
	return nil
}

// NewChat starts an empty conversation. Signed-in users get a fresh backend
// chat; anonymous users get an empty view and the local slot on next send.
func (c *Controller) NewChat(ctx context.Context) error {
	c.mu.Lock()
	epoch, mode := c.epoch, c.state.Mode
	if mode == Anonymous {
		c.viewGen++
		c.state.Selected = models.NoChat
		c.state.Messages = []models.Message{}
		c.state.Error = ""
		c.mu.Unlock()
		if err := c.local.SetSelected(models.NoChat); err != nil {
			log.Printf("session: clear local selection: %v", err)
		}
		return nil
	}
	c.mu.Unlock()

	id, err := c.backend.CreateChat(ctx, models.DefaultChatTitle)

	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return ErrStale
	}
	if err != nil {
		log.Printf("session: create chat: %v", err)
		c.state.Error = MsgCreateChat
		return fmt.Errorf("create chat: %w", err)
	}
	c.viewGen++
	c.state.Selected = models.SomeChat(id)
	c.state.Messages = []models.Message{}
	c.state.Error = ""
	c.invalidateChatsLocked()
	return nil
}

// SelectChat shows a backend chat.
func (c *Controller) SelectChat(ctx context.Context, chatID int64) error {
	c.mu.Lock()
	if c.state.Mode != Authenticated {
		c.mu.Unlock()
		return ErrAnonymousUnsupported
	}
	c.viewGen++
	c.state.Selected = models.SomeChat(chatID)
	c.state.Messages = []models.Message{}
	c.state.Error = ""
	c.mu.Unlock()
	return c.Restore(ctx)
}

// DeleteChat removes a backend chat. Deleting the selected chat moves the
// session to a fresh one; if that create fails nothing stays selected.
func (c *Controller) DeleteChat(ctx context.Context, chatID int64) error {
	c.mu.Lock()
	if c.state.Mode != Authenticated {
		c.mu.Unlock()
		return ErrAnonymousUnsupported
	}
	epoch := c.epoch
	c.mu.Unlock()

	err := c.backend.DeleteChat(ctx, chatID)

	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return ErrStale
	}
	if err != nil {
		c.state.Error = MsgDeleteChat
		c.mu.Unlock()
		log.Printf("session: delete chat %d: %v", chatID, err)
		return fmt.Errorf("delete chat %d: %w", chatID, err)
	}
	c.invalidateChatsLocked()
	wasSelected := c.state.Selected.Is(chatID)
	if wasSelected {
		c.viewGen++
		c.state.Selected = models.NoChat
		c.state.Messages = []models.Message{}
	}
	c.mu.Unlock()

	if wasSelected {
		return c.NewChat(ctx)
	}
	return nil
}

// ClearChat empties the current conversation. Signed-in users lose the
// backend chat; anonymous users only clear the view.
func (c *Controller) ClearChat(ctx context.Context) error {
	c.mu.Lock()
	mode, sel := c.state.Mode, c.state.Selected
	if mode == Anonymous || !sel.Valid {
		c.viewGen++
		c.state.Messages = []models.Message{}
		c.state.Error = ""
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.DeleteChat(ctx, sel.ID)
}

// Chats lists the signed-in user's chats, served from a cache that chat
// mutations and identity changes invalidate. Anonymous sessions have none.
func (c *Controller) Chats(ctx context.Context) ([]models.ChatSummary, error) {
	c.mu.Lock()
	if c.state.Mode != Authenticated {
		c.mu.Unlock()
		return []models.ChatSummary{}, nil
	}
	if c.chatsValid {
		out := append([]models.ChatSummary(nil), c.chats...)
		c.mu.Unlock()
		return out, nil
	}
	epoch, gen := c.epoch, c.chatsGen
	c.mu.Unlock()

	list, err := c.backend.ListChats(ctx)
	if err != nil {
		log.Printf("session: list chats: %v", err)
		c.setErrorIf(epoch, MsgLoadChats)
		return nil, fmt.Errorf("list chats: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return nil, ErrStale
	}
	if gen == c.chatsGen {
		c.chats = list
		c.chatsValid = true
	}
	return append([]models.ChatSummary(nil), list...), nil
}

// RenameChat changes a backend chat's title.
func (c *Controller) RenameChat(ctx context.Context, chatID int64, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title is required")
	}
	c.mu.Lock()
	if c.state.Mode != Authenticated {
		c.mu.Unlock()
		return ErrAnonymousUnsupported
	}
	epoch := c.epoch
	c.mu.Unlock()

	if err := c.backend.RenameChat(ctx, chatID, title); err != nil {
		log.Printf("session: rename chat %d: %v", chatID, err)
		c.setErrorIf(epoch, MsgRenameChat)
		return fmt.Errorf("rename chat %d: %w", chatID, err)
	}
	c.mu.Lock()
	if epoch == c.epoch {
		c.invalidateChatsLocked()
	}
	c.mu.Unlock()
	return nil
}
