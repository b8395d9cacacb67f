package plugins

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// ActionRef pairs a resolved action with the plugin that owns it.
type ActionRef struct {
	Plugin *Plugin
	Action *ActionSpec
}

// Name returns the action's invocation name.
func (r ActionRef) Name() string { return r.Action.Name }

// Registry discovers installed plugins and resolves action names to
// their owning plugin. System plugins live under one shared directory;
// each user can carry a private plugin directory whose actions shadow
// system actions of the same name for that user.
type Registry struct {
	systemDir string
	userRoot  string // per-user roots at userRoot/<id>/plugins

	mu     sync.RWMutex
	system []*Plugin
	users  map[int64][]*Plugin
}

// NewRegistry creates a registry over the given directories. Call Scan
// before resolving anything.
func NewRegistry(systemDir, userRoot string) *Registry {
	return &Registry{
		systemDir: systemDir,
		userRoot:  userRoot,
		users:     make(map[int64][]*Plugin),
	}
}

// Scan reloads the system plugin set. Unreadable or invalid plugin
// directories are logged and skipped, never fatal.
func (r *Registry) Scan() error {
	plugins, err := scanDir(r.systemDir, RoleSystem)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.system = plugins
	r.mu.Unlock()

	slog.Info("Scanned system plugins", "dir", r.systemDir, "count", len(plugins))
	return nil
}

// ScanUser reloads one user's private plugin set. A missing directory
// simply yields an empty set.
func (r *Registry) ScanUser(userID int64) error {
	dir := r.UserPluginDir(userID)
	plugins, err := scanDir(dir, RoleUser)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if len(plugins) == 0 {
		delete(r.users, userID)
	} else {
		r.users[userID] = plugins
	}
	r.mu.Unlock()
	return nil
}

// UserPluginDir returns the plugin directory for one user.
func (r *Registry) UserPluginDir(userID int64) string {
	return filepath.Join(r.userRoot, strconv.FormatInt(userID, 10), "plugins")
}

// SystemDir returns the shared plugin directory.
func (r *Registry) SystemDir() string { return r.systemDir }

// Plugins returns the current system plugin set.
func (r *Registry) Plugins() []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Plugin, len(r.system))
	copy(out, r.system)
	return out
}

// PluginsForUser returns the plugins visible to a user: their private
// set followed by the system set.
func (r *Registry) PluginsForUser(userID int64) []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Plugin, 0, len(r.users[userID])+len(r.system))
	out = append(out, r.users[userID]...)
	out = append(out, r.system...)
	return out
}

// Resolve finds the action visible to a user under the given name.
// User plugins shadow system plugins.
func (r *Registry) Resolve(userID int64, actionName string) (ActionRef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, set := range [][]*Plugin{r.users[userID], r.system} {
		for _, p := range set {
			for i := range p.Actions {
				if p.Actions[i].Name == actionName {
					return ActionRef{Plugin: p, Action: &p.Actions[i]}, true
				}
			}
		}
	}
	return ActionRef{}, false
}

// ActionsForUser returns every action visible to a user, shadowed
// duplicates removed, in user-then-system load order.
func (r *Registry) ActionsForUser(userID int64) []ActionRef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var refs []ActionRef
	for _, set := range [][]*Plugin{r.users[userID], r.system} {
		for _, p := range set {
			for i := range p.Actions {
				name := p.Actions[i].Name
				if seen[name] {
					continue
				}
				seen[name] = true
				refs = append(refs, ActionRef{Plugin: p, Action: &p.Actions[i]})
			}
		}
	}
	return refs
}

// TriggeredActions returns the visible actions carrying a trigger,
// e.g. pre_request actions that run before every prompt build.
func (r *Registry) TriggeredActions(userID int64, trigger string) []ActionRef {
	var out []ActionRef
	for _, ref := range r.ActionsForUser(userID) {
		if ref.Action.Trigger == trigger {
			out = append(out, ref)
		}
	}
	return out
}

// Delete removes a system plugin from disk and drops it from the
// registry. The caller is responsible for purging permission grants
// tied to the plugin's actions.
func (r *Registry) Delete(pluginID string) (*Plugin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, p := range r.system {
		if p.ID == pluginID {
			if err := os.RemoveAll(p.Path); err != nil {
				return nil, fmt.Errorf("failed to remove plugin directory: %w", err)
			}
			r.system = append(r.system[:i], r.system[i+1:]...)
			return p, nil
		}
	}
	return nil, fmt.Errorf("plugin %q is not installed", pluginID)
}

// DeleteUser removes one of a user's own plugins from disk and drops
// it from the registry.
func (r *Registry) DeleteUser(userID int64, pluginID string) (*Plugin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.users[userID]
	for i, p := range set {
		if p.ID == pluginID {
			if err := os.RemoveAll(p.Path); err != nil {
				return nil, fmt.Errorf("failed to remove plugin directory: %w", err)
			}
			r.users[userID] = append(set[:i], set[i+1:]...)
			return p, nil
		}
	}
	return nil, fmt.Errorf("plugin %q is not installed", pluginID)
}

// scanDir loads every immediate subdirectory carrying a manifest.
func scanDir(dir, role string) ([]*Plugin, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin directory %s: %w", dir, err)
	}

	var plugins []*Plugin
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		raw, err := os.ReadFile(filepath.Join(path, ManifestFile))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			slog.Warn("Skipping unreadable plugin", "path", path, "error", err)
			continue
		}
		m, err := ParseManifest(raw)
		if err != nil {
			slog.Warn("Skipping invalid plugin manifest", "path", path, "error", err)
			continue
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		plugins = append(plugins, &Plugin{Manifest: *m, Path: abs, Role: role})
	}
	return plugins, nil
}
