package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"keepchat/internal/models"
	"keepchat/internal/service/chat"
)

func chatIDParam(c *gin.Context) (int64, bool) {
	chatID, err := strconv.ParseInt(c.Param("chat_id"), 10, 64)
	if err != nil || chatID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
		return 0, false
	}
	return chatID, true
}

func (h *Handler) listChats(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	chats, err := h.chats.ListChats(c.Request.Context(), userID)
	if err != nil {
		internalError(c, "list chats failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

func (h *Handler) createChat(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	created, err := h.chats.CreateChat(c.Request.Context(), userID, req.Title)
	if err != nil {
		internalError(c, "create chat failed", err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *Handler) getChat(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	rec, err := h.chats.GetChat(c.Request.Context(), userID, chatID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
			return
		}
		internalError(c, "load chat failed", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) renameChat(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}
	if err := h.chats.UpdateChatTitle(c.Request.Context(), userID, chatID, req.Title); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
			return
		}
		internalError(c, "rename chat failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteChat(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	if err := h.chats.DeleteChat(c.Request.Context(), userID, chatID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
			return
		}
		internalError(c, "delete chat failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type addMessageRequest struct {
	Author    models.Role `json:"author"`
	Content   string      `json:"content"`
	Timestamp int64       `json:"timestamp"`
}

func (h *Handler) addMessage(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	var req addMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !req.Author.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "author must be user or assistant"})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content cannot be empty"})
		return
	}
	msg, err := h.chats.AddMessage(c.Request.Context(), userID, chatID, req.Author, req.Content, req.Timestamp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
			return
		}
		internalError(c, "append message failed", err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) getProfile(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	profile, err := h.chats.GetProfile(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
			return
		}
		internalError(c, "load profile failed", err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *Handler) saveProfile(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req models.Profile
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	if err := h.chats.SaveProfile(c.Request.Context(), userID, req); err != nil {
		internalError(c, "save profile failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getRole(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	role, err := h.chats.GetRole(c.Request.Context(), userID)
	if err != nil {
		internalError(c, "lookup role failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"role": role, "is_admin": role == models.RoleAdmin})
}

func targetUserParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return 0, false
	}
	return id, true
}

func (h *Handler) assignRole(c *gin.Context) {
	callerID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	targetID, ok := targetUserParam(c)
	if !ok {
		return
	}
	var req struct {
		Role models.UserRole `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || !req.Role.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "role must be admin, user or guest"})
		return
	}
	if err := h.chats.AssignRole(c.Request.Context(), callerID, targetID, req.Role); err != nil {
		switch {
		case errors.Is(err, chat.ErrForbidden):
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		case errors.Is(err, sql.ErrNoRows):
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		default:
			internalError(c, "assign role failed", err)
		}
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) userProfile(c *gin.Context) {
	callerID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	targetID, ok := targetUserParam(c)
	if !ok {
		return
	}
	profile, err := h.chats.UserProfile(c.Request.Context(), callerID, targetID)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrForbidden):
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		case errors.Is(err, sql.ErrNoRows):
			c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
		default:
			internalError(c, "load profile failed", err)
		}
		return
	}
	c.JSON(http.StatusOK, profile)
}
