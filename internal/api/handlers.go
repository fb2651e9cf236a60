package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"keepchat/internal/auth"
	"keepchat/internal/service/ai"
	"keepchat/internal/service/chat"
	"keepchat/internal/worker"
)

// ReplyWorker runs reply generation off the request goroutine.
type ReplyWorker interface {
	Reply(ctx context.Context, key, prompt string) (string, error)
	CancelKey(key string)
	Stats() worker.Stats
}

// Handler wires HTTP routes to the chat service, auth and the reply workers.
type Handler struct {
	chats        *chat.Service
	auth         *auth.Service
	workers      ReplyWorker
	replyTimeout time.Duration
}

// NewHandler constructs a Handler instance.
func NewHandler(chats *chat.Service, authService *auth.Service, workers ReplyWorker, replyTimeout time.Duration) *Handler {
	if replyTimeout <= 0 {
		replyTimeout = 2 * time.Minute
	}
	return &Handler{
		chats:        chats,
		auth:         authService,
		workers:      workers,
		replyTimeout: replyTimeout,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.Use(requestID())
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)
	api.POST("/reply", h.auth.OptionalMiddleware(), h.auth.CSRFMiddleware(), h.reply)

	authMW := h.auth.Middleware()
	api.GET("/session", authMW, h.whoami)

	userRoutes := api.Group("/users/:id")
	userRoutes.Use(authMW, h.requirePathUser(), h.auth.CSRFMiddleware())
	userRoutes.GET("/chats", h.listChats)
	userRoutes.POST("/chats", h.createChat)
	userRoutes.GET("/chats/:chat_id", h.getChat)
	userRoutes.PATCH("/chats/:chat_id", h.renameChat)
	userRoutes.DELETE("/chats/:chat_id", h.deleteChat)
	userRoutes.POST("/chats/:chat_id/messages", h.addMessage)
	userRoutes.GET("/profile", h.getProfile)
	userRoutes.PUT("/profile", h.saveProfile)
	userRoutes.GET("/role", h.getRole)
	userRoutes.POST("/logout", h.logoutUser)
	userRoutes.DELETE("", h.deleteUser)

	admin := api.Group("/admin")
	admin.Use(authMW, h.auth.CSRFMiddleware())
	admin.PUT("/users/:user_id/role", h.assignRole)
	admin.GET("/users/:user_id/profile", h.userProfile)
	admin.GET("/workers", h.workerStats)
}

// requirePathUser checks the token's user matches the :id path parameter.
func (h *Handler) requirePathUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.UserIDFromContext(c)
		if !ok || userID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		paramID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || paramID <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}
		if paramID != userID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "user mismatch"})
			return
		}
		c.Next()
	}
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, false
	}
	return userID, true
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.chats.RegisterUser(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, chat.ErrUserExists) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"role":       user.Role,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.chats.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		internalError(c, "issue token failed", err)
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		internalError(c, "issue token failed", err)
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"role":       user.Role,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
	})
}

func (h *Handler) whoami(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	user, err := h.chats.GetUser(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
			return
		}
		internalError(c, "lookup user failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"role":       user.Role,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	h.workers.CancelKey(userKey(userID))
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		_ = h.auth.RevokeToken(c.Request.Context(), authToken)
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteUser(c *gin.Context) {
	id, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if err := h.auth.RevokeUserTokens(c.Request.Context(), id); err != nil {
		internalError(c, "revoke tokens failed", err)
		return
	}
	h.workers.CancelKey(userKey(id))
	if err := h.chats.DeleteUser(c.Request.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

// reply serves anonymous and signed-in callers alike; the caller only
// decides which fair-share queue the prompt waits in.
func (h *Handler) reply(c *gin.Context) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}
	key := "anon:" + c.ClientIP()
	if userID, ok := auth.UserIDFromContext(c); ok {
		key = userKey(userID)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.replyTimeout)
	defer cancel()
	answer, err := h.workers.Reply(ctx, key, req.Prompt)
	if err != nil {
		switch {
		case errors.Is(err, worker.ErrDispatcherBusy):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
		case errors.Is(err, ai.ErrEmptyPrompt):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, context.DeadlineExceeded):
			logRequestError(c, err)
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "reply timed out"})
		default:
			logRequestError(c, err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "reply generation failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"reply": answer})
}

func (h *Handler) workerStats(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	admin, err := h.chats.IsAdmin(c.Request.Context(), userID)
	if err != nil {
		internalError(c, "lookup role failed", err)
		return
	}
	if !admin {
		c.JSON(http.StatusForbidden, gin.H{"error": chat.ErrForbidden.Error()})
		return
	}
	c.JSON(http.StatusOK, h.workers.Stats())
}

func userKey(userID int64) string {
	return fmt.Sprintf("user:%d", userID)
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		http.SetCookie(c.Writer, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}
