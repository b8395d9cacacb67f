package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/genesis-bot/genesis/pkg/agent/orchestrator"
	"github.com/genesis-bot/genesis/pkg/models"
)

// CreateChat creates a chat owned by the caller.
func (s *Server) CreateChat(c *gin.Context) {
	var req struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	chat, err := s.chats.Create(c.Request.Context(), models.CreateChatRequest{
		UserID: currentUser(c).ID,
		Title:  req.Title,
	})
	if err != nil {
		serviceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, chat)
}

// ListChats returns the caller's chats.
func (s *Server) ListChats(c *gin.Context) {
	chats, err := s.chats.ListForUser(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

// GetChat returns one chat.
func (s *Server) GetChat(c *gin.Context) {
	chat, ok := s.loadOwnedChat(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, chat)
}

// DeleteChat removes a chat, its items, and its session-scoped
// permission grants.
func (s *Server) DeleteChat(c *gin.Context) {
	chat, ok := s.loadOwnedChat(c)
	if !ok {
		return
	}
	if err := s.chats.Delete(c.Request.Context(), chat.ID); err != nil {
		serviceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ChatItems returns the chat's message log.
func (s *Server) ChatItems(c *gin.Context) {
	chat, ok := s.loadOwnedChat(c)
	if !ok {
		return
	}
	items, err := s.chats.Items(c.Request.Context(), chat.ID)
	if err != nil {
		serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// ClearChat wipes the chat's message log but keeps the chat row.
func (s *Server) ClearChat(c *gin.Context) {
	chat, ok := s.loadOwnedChat(c)
	if !ok {
		return
	}
	if err := s.chats.ClearItems(c.Request.Context(), chat.ID); err != nil {
		serviceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SendMessage runs one turn and streams its events as server-sent
// events, one `data:` frame per event. The stream ends with the turn:
// final answer, permission pause, or error.
func (s *Server) SendMessage(c *gin.Context) {
	chat, ok := s.loadOwnedChat(c)
	if !ok {
		return
	}

	var req models.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Prompt == "" && !req.ResumeAction {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}

	events := s.orch.AskStream(c.Request.Context(), orchestrator.AskInput{
		ChatID:       chat.ID,
		Prompt:       req.Prompt,
		UseThinking:  req.UseThinking != nil && *req.UseThinking,
		ReturnJSON:   req.ReturnJSON,
		PromptID:     req.PromptID,
		ResumeAction: req.ResumeAction,
	})

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	for ev := range events {
		raw, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", raw)
		c.Writer.Flush()
	}
}

// CancelChat kills the action currently executing for a chat.
func (s *Server) CancelChat(c *gin.Context) {
	chat, ok := s.loadOwnedChat(c)
	if !ok {
		return
	}
	cancelled := s.orch.CancelActive(chat.ID)
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

// GrantPermission records a permission grant for the caller.
func (s *Server) GrantPermission(c *gin.Context) {
	var req models.GrantPermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	userID := currentUser(c).ID
	if req.UserID != 0 && req.UserID != userID && isAdmin(c) {
		userID = req.UserID
	}

	if err := s.perms.Grant(c.Request.Context(), userID, req.ActionName, req.Scope, req.ChatID); err != nil {
		serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"granted": true})
}

// loadOwnedChat fetches the chat in the :id parameter and verifies the
// caller owns it. Non-owners get 404 so chat ids are not probeable.
func (s *Server) loadOwnedChat(c *gin.Context) (*models.Chat, bool) {
	chat, err := s.chats.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		serviceError(c, err)
		return nil, false
	}
	if chat.UserID != currentUser(c).ID && !isAdmin(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
		return nil, false
	}
	return chat, true
}
