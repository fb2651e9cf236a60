package session

import (
	"context"
	"fmt"
	"log"
	"strings"

	"keepchat/internal/models"
)

// Profile returns the signed-in user's profile; found is false until one is saved.
func (c *Controller) Profile(ctx context.Context) (models.Profile, bool, error) {
	c.mu.Lock()
	mode := c.state.Mode
	c.mu.Unlock()
	if mode != Authenticated {
		return models.Profile{}, false, ErrAnonymousUnsupported
	}
	return c.backend.GetProfile(ctx)
}

// SaveProfile stores the user's display name. A blank name never reaches
// the backend.
func (c *Controller) SaveProfile(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	c.mu.Lock()
	if name == "" {
		c.state.Error = MsgBlankName
		c.mu.Unlock()
		return ErrBlankName
	}
	if c.state.Mode != Authenticated {
		c.mu.Unlock()
		return ErrAnonymousUnsupported
	}
	epoch := c.epoch
	c.mu.Unlock()

	if err := c.backend.SaveProfile(ctx, models.Profile{Name: name}); err != nil {
		log.Printf("session: save profile: %v", err)
		c.setErrorIf(epoch, MsgSaveProfile)
		return fmt.Errorf("save profile: %w", err)
	}
	c.mu.Lock()
	if epoch == c.epoch {
		c.state.Error = ""
	}
	c.mu.Unlock()
	return nil
}
