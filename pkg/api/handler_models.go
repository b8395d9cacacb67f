package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ListModels returns the configured models, the global active model,
// and the caller's preference.
func (s *Server) ListModels(c *gin.Context) {
	out := make([]gin.H, 0, len(s.settings.Models))
	for _, m := range s.settings.Models {
		out = append(out, gin.H{
			"id":       m.ID,
			"name":     m.Name,
			"provider": m.Provider,
			"model":    m.Model,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"models":          out,
		"active_model":    s.settings.ActiveModel,
		"preferred_model": currentUser(c).PreferredModel,
	})
}

// SetPreferredModel records the caller's model choice. An empty id
// clears the preference back to the global active model.
func (s *Server) SetPreferredModel(c *gin.Context) {
	var req struct {
		ModelID string `json:"model_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if req.ModelID != "" {
		known := false
		for _, m := range s.settings.Models {
			if m.ID == req.ModelID {
				known = true
				break
			}
		}
		if !known {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown model id"})
			return
		}
	}

	if err := s.users.SetPreferredModel(c.Request.Context(), currentUser(c).ID, req.ModelID); err != nil {
		serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"preferred_model": req.ModelID})
}

// SetKey stores a provider API key. Environment variables with the
// same name still take precedence at resolution time.
func (s *Server) SetKey(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
		Key  string `json:"key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" || req.Key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and key are required"})
		return
	}

	if err := s.keys.Set(req.Name, req.Key); err != nil {
		serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stored": req.Name})
}
