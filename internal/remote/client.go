// Package remote is the typed HTTP client for the keepchat backend.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"keepchat/internal/models"
)

// ErrNotAuthenticated is returned by calls that need a signed-in identity
// when the client has none.
var ErrNotAuthenticated = errors.New("not authenticated")

// Error is a non-2xx backend response.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned %d", e.Status)
	}
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Message)
}

// IsStatus reports whether err is a backend error with the given status.
func IsStatus(err error, status int) bool {
	var re *Error
	return errors.As(err, &re) && re.Status == status
}

// Client talks to one backend. It holds at most one identity at a time.
type Client struct {
	baseURL string
	http    *http.Client

	mu       sync.RWMutex
	identity *models.Identity
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 150 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// SetIdentity attaches id's token to subsequent calls. nil detaches.
func (c *Client) SetIdentity(id *models.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == nil {
		c.identity = nil
		return
	}
	cp := *id
	c.identity = &cp
}

// Identity returns the attached identity, if any.
func (c *Client) Identity() (models.Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.identity == nil {
		return models.Identity{}, false
	}
	return *c.identity, true
}

func (c *Client) userPath(format string, args ...any) (string, string, error) {
	id, ok := c.Identity()
	if !ok || id.Token == "" {
		return "", "", ErrNotAuthenticated
	}
	return fmt.Sprintf("/api/users/%d", id.UserID) + fmt.Sprintf(format, args...), id.Token, nil
}

// do sends one JSON request. out may be nil; a 204 leaves it untouched.
func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &payload) != nil || payload.Error == "" {
			payload.Error = strings.TrimSpace(string(raw))
		}
		return &Error{Status: resp.StatusCode, Message: payload.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Register creates an account. It does not sign in.
func (c *Client) Register(ctx context.Context, username, password string) (*models.User, error) {
	var user models.User
	if err := c.do(ctx, http.MethodPost, "/api/users/register", "", credentials{username, password}, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Login exchanges credentials for an identity. The client is not changed;
// callers attach the identity with SetIdentity.
func (c *Client) Login(ctx context.Context, username, password string) (models.Identity, error) {
	var resp struct {
		ID        int64  `json:"id"`
		Username  string `json:"username"`
		AuthToken string `json:"auth_token"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/users/login", "", credentials{username, password}, &resp); err != nil {
		return models.Identity{}, err
	}
	if resp.AuthToken == "" || resp.ID <= 0 {
		return models.Identity{}, errors.New("login response missing token")
	}
	return models.Identity{UserID: resp.ID, Username: resp.Username, Token: resp.AuthToken}, nil
}

// Whoami resolves token to its account.
func (c *Client) Whoami(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, ErrNotAuthenticated
	}
	var user models.User
	if err := c.do(ctx, http.MethodGet, "/api/session", token, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Logout revokes the attached token on the backend.
func (c *Client) Logout(ctx context.Context) error {
	path, token, err := c.userPath("/logout")
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, token, nil, nil)
}

func (c *Client) ListChats(ctx context.Context) ([]models.ChatSummary, error) {
	path, token, err := c.userPath("/chats")
	if err != nil {
		return nil, err
	}
	var resp struct {
		Chats []models.ChatSummary `json:"chats"`
	}
	if err := c.do(ctx, http.MethodGet, path, token, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Chats == nil {
		resp.Chats = []models.ChatSummary{}
	}
	return resp.Chats, nil
}

// GetChat fetches one chat. A missing or foreign chat is reported as not found.
func (c *Client) GetChat(ctx context.Context, chatID int64) (*models.Chat, bool, error) {
	path, token, err := c.userPath("/chats/%d", chatID)
	if err != nil {
		return nil, false, err
	}
	var rec models.Chat
	if err := c.do(ctx, http.MethodGet, path, token, nil, &rec); err != nil {
		if IsStatus(err, http.StatusNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &rec, true, nil
}

func (c *Client) CreateChat(ctx context.Context, title string) (int64, error) {
	path, token, err := c.userPath("/chats")
	if err != nil {
		return 0, err
	}
	var created models.ChatSummary
	if err := c.do(ctx, http.MethodPost, path, token, map[string]string{"title": title}, &created); err != nil {
		return 0, err
	}
	if created.ChatID <= 0 {
		return 0, errors.New("create chat: backend returned no id")
	}
	return created.ChatID, nil
}

func (c *Client) DeleteChat(ctx context.Context, chatID int64) error {
	path, token, err := c.userPath("/chats/%d", chatID)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodDelete, path, token, nil, nil)
}

func (c *Client) RenameChat(ctx context.Context, chatID int64, title string) error {
	path, token, err := c.userPath("/chats/%d", chatID)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPatch, path, token, map[string]string{"title": title}, nil)
}

// AppendMessage stores one message; sentAt is the client clock in unix milliseconds.
func (c *Client) AppendMessage(ctx context.Context, chatID int64, author models.Role, content string, sentAt int64) error {
	path, token, err := c.userPath("/chats/%d/messages", chatID)
	if err != nil {
		return err
	}
	body := map[string]any{"author": author, "content": content, "timestamp": sentAt}
	return c.do(ctx, http.MethodPost, path, token, body, nil)
}

func (c *Client) GetProfile(ctx context.Context) (models.Profile, bool, error) {
	path, token, err := c.userPath("/profile")
	if err != nil {
		return models.Profile{}, false, err
	}
	return c.fetchProfile(ctx, path, token)
}

func (c *Client) fetchProfile(ctx context.Context, path, token string) (models.Profile, bool, error) {
	var p models.Profile
	if err := c.do(ctx, http.MethodGet, path, token, nil, &p); err != nil {
		if IsStatus(err, http.StatusNotFound) {
			return models.Profile{}, false, nil
		}
		return models.Profile{}, false, err
	}
	return p, true, nil
}

func (c *Client) SaveProfile(ctx context.Context, p models.Profile) error {
	path, token, err := c.userPath("/profile")
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPut, path, token, p, nil)
}

func (c *Client) Role(ctx context.Context) (models.UserRole, error) {
	resp, err := c.role(ctx)
	return resp.Role, err
}

func (c *Client) IsAdmin(ctx context.Context) (bool, error) {
	resp, err := c.role(ctx)
	return resp.IsAdmin, err
}

type roleResponse struct {
	Role    models.UserRole `json:"role"`
	IsAdmin bool            `json:"is_admin"`
}

func (c *Client) role(ctx context.Context) (roleResponse, error) {
	var resp roleResponse
	path, token, err := c.userPath("/role")
	if err != nil {
		return resp, err
	}
	err = c.do(ctx, http.MethodGet, path, token, nil, &resp)
	return resp, err
}

// AssignRole changes another account's role. Admin only.
func (c *Client) AssignRole(ctx context.Context, targetID int64, role models.UserRole) error {
	id, ok := c.Identity()
	if !ok {
		return ErrNotAuthenticated
	}
	path := fmt.Sprintf("/api/admin/users/%d/role", targetID)
	return c.do(ctx, http.MethodPut, path, id.Token, map[string]models.UserRole{"role": role}, nil)
}

// UserProfile reads another account's profile. Admin only.
func (c *Client) UserProfile(ctx context.Context, targetID int64) (models.Profile, bool, error) {
	id, ok := c.Identity()
	if !ok {
		return models.Profile{}, false, ErrNotAuthenticated
	}
	return c.fetchProfile(ctx, fmt.Sprintf("/api/admin/users/%d/profile", targetID), id.Token)
}

// Reply asks the assistant to answer prompt. It works with or without an identity.
func (c *Client) Reply(ctx context.Context, prompt string) (string, error) {
	var token string
	if id, ok := c.Identity(); ok {
		token = id.Token
	}
	var resp struct {
		Reply string `json:"reply"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/reply", token, map[string]string{"prompt": prompt}, &resp); err != nil {
		return "", err
	}
	return resp.Reply, nil
}
