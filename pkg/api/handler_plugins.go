package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/genesis-bot/genesis/pkg/plugins"
)

// ListPlugins returns every plugin visible to the caller, own plugins
// first.
func (s *Server) ListPlugins(c *gin.Context) {
	visible := s.registry.PluginsForUser(currentUser(c).ID)
	out := make([]gin.H, 0, len(visible))
	for _, p := range visible {
		out = append(out, gin.H{
			"id":          p.ID,
			"name":        p.Name,
			"version":     p.Version,
			"description": p.Description,
			"role":        p.Role,
			"actions":     p.Actions,
		})
	}
	c.JSON(http.StatusOK, gin.H{"plugins": out})
}

// InstallPlugin accepts a .gplug archive upload and installs it into
// the caller's plugin directory, or system-wide for an admin with
// scope=system.
func (s *Server) InstallPlugin(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "a plugin archive upload is required"})
		return
	}
	if !strings.HasSuffix(file.Filename, plugins.GplugExt) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "only " + plugins.GplugExt + " archives are accepted"})
		return
	}

	destRoot := s.registry.UserPluginDir(currentUser(c).ID)
	system := c.Query("scope") == "system"
	if system {
		if !isAdmin(c) {
			c.JSON(http.StatusForbidden, gin.H{"error": "admin role required for system plugins"})
			return
		}
		destRoot = s.registry.SystemDir()
	}

	tmp, err := os.CreateTemp("", "upload-*"+plugins.GplugExt)
	if err != nil {
		serviceError(c, err)
		return
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := c.SaveUploadedFile(file, tmpPath); err != nil {
		serviceError(c, err)
		return
	}

	manifest, err := plugins.Install(tmpPath, destRoot)
	if err != nil {
		serviceError(c, err)
		return
	}

	if system {
		err = s.registry.Scan()
	} else {
		err = s.registry.ScanUser(currentUser(c).ID)
	}
	if err != nil {
		serviceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":      manifest.ID,
		"name":    manifest.Name,
		"version": manifest.Version,
	})
}

// DeletePlugin uninstalls a plugin. The caller's own plugins are
// checked first; system plugins require the admin role.
func (s *Server) DeletePlugin(c *gin.Context) {
	id := filepath.Base(c.Param("id"))
	userID := currentUser(c).ID

	if _, err := s.registry.DeleteUser(userID, id); err == nil {
		c.Status(http.StatusNoContent)
		return
	}

	if !isAdmin(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
		return
	}
	if _, err := s.registry.Delete(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
		return
	}
	c.Status(http.StatusNoContent)
}
