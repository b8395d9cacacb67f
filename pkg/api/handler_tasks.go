package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/genesis-bot/genesis/pkg/executor"
	"github.com/genesis-bot/genesis/pkg/models"
	"github.com/genesis-bot/genesis/pkg/scheduler"
)

// ListTasks returns the caller's tasks; admins see every task.
func (s *Server) ListTasks(c *gin.Context) {
	userID := currentUser(c).ID
	if isAdmin(c) {
		userID = 0
	}
	tasks := s.sched.List(userID)
	if tasks == nil {
		tasks = []*scheduler.Task{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// CreateTask registers a scheduled task owned by the caller.
func (s *Server) CreateTask(c *gin.Context) {
	var req models.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	userID := currentUser(c).ID
	if req.UserID != 0 && isAdmin(c) {
		userID = req.UserID
	}

	task, err := s.sched.Create(req.Name, req.Action, req.Schedule, userID, req.Args)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, task)
}

// RunTask executes a task immediately, bypassing its schedule.
func (s *Server) RunTask(c *gin.Context) {
	task, ok := s.loadOwnedTask(c)
	if !ok {
		return
	}

	res := s.sched.RunTask(c.Request.Context(), task.ID)
	status := http.StatusOK
	if res.Status == executor.StatusError {
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{
		"status": res.Status,
		"output": res.Output,
		"error":  res.Error,
	})
}

// SetTaskStatus activates or pauses a task.
func (s *Server) SetTaskStatus(c *gin.Context) {
	task, ok := s.loadOwnedTask(c)
	if !ok {
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := s.sched.SetStatus(task.ID, req.Status); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": req.Status})
}

// DeleteTask removes a task.
func (s *Server) DeleteTask(c *gin.Context) {
	task, ok := s.loadOwnedTask(c)
	if !ok {
		return
	}
	if err := s.sched.Delete(task.ID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// loadOwnedTask fetches the task in the :id parameter and verifies the
// caller owns it.
func (s *Server) loadOwnedTask(c *gin.Context) (*scheduler.Task, bool) {
	task, ok := s.sched.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
		return nil, false
	}
	if task.UserID != currentUser(c).ID && !isAdmin(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
		return nil, false
	}
	return task, true
}
