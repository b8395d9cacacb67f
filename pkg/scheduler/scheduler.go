// Package scheduler runs registered tasks on a minute tick, matching a
// cron subset and delegating execution to the plugin engine.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/genesis-bot/genesis/pkg/executor"
	"github.com/genesis-bot/genesis/pkg/plugins"
)

// Task statuses.
const (
	StatusActive = "active"
	StatusPaused = "paused"
)

const tasksFile = "tasks.json"

// Task is one persisted schedule entry. A task without a schedule is
// manual-only.
type Task struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Action    string         `json:"action"`
	Schedule  string         `json:"schedule,omitempty"`
	UserID    int64          `json:"user_id,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	Status    string         `json:"status"`
	LastRun   *time.Time     `json:"last_run,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Scheduler owns the task registry and the tick loop.
type Scheduler struct {
	dir      string
	registry *plugins.Registry
	engine   *executor.Engine

	mu    sync.Mutex
	tasks map[string]*Task

	cancel context.CancelFunc
	done   chan struct{}

	now func() time.Time // test hook
}

// NewScheduler loads the persisted task set from dir/tasks.json.
func NewScheduler(dir string, registry *plugins.Registry, engine *executor.Engine) (*Scheduler, error) {
	s := &Scheduler{
		dir:      dir,
		registry: registry,
		engine:   engine,
		tasks:    make(map[string]*Task),
		now:      time.Now,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Create registers a task. An empty schedule makes it manual-only.
func (s *Scheduler) Create(name, action, schedule string, userID int64, args map[string]any) (*Task, error) {
	if name == "" || action == "" {
		return nil, fmt.Errorf("task name and action are required")
	}
	if schedule != "" {
		if err := ValidateSchedule(schedule); err != nil {
			return nil, err
		}
	}

	t := &Task{
		ID:        uuid.New().String()[:8],
		Name:      name,
		Action:    action,
		Schedule:  schedule,
		UserID:    userID,
		Args:      args,
		Status:    StatusActive,
		CreatedAt: s.now().UTC(),
	}

	s.mu.Lock()
	s.tasks[t.ID] = t
	err := s.save()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	slog.Info("Created task", "task_id", t.ID, "name", name, "schedule", schedule)
	return t, nil
}

// Get returns a task by id.
func (s *Scheduler) Get(id string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// List returns all tasks, or one user's when userID is non-zero.
func (s *Scheduler) List(userID int64) []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Task
	for _, t := range s.tasks {
		if userID != 0 && t.UserID != userID {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out
}

// SetStatus activates or pauses a task.
func (s *Scheduler) SetStatus(id, status string) error {
	if status != StatusActive && status != StatusPaused {
		return fmt.Errorf("unknown task status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %q not found", id)
	}
	t.Status = status
	return s.save()
}

// Delete removes a task.
func (s *Scheduler) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("task %q not found", id)
	}
	delete(s.tasks, id)
	return s.save()
}

// RunTask executes a task immediately, bypassing its schedule. The
// owning user's plugins are rescanned first so a freshly installed
// plugin is runnable without restart.
func (s *Scheduler) RunTask(ctx context.Context, id string) executor.Result {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return executor.Result{Status: executor.StatusError, Error: "task not found"}
	}
	task := *t
	s.mu.Unlock()

	if task.UserID != 0 {
		if err := s.registry.ScanUser(task.UserID); err != nil {
			slog.Warn("User plugin rescan failed before task run", "task_id", id, "error", err)
		}
	}

	ref, ok := s.registry.Resolve(task.UserID, task.Action)
	if !ok {
		return executor.Result{Status: executor.StatusError, Error: fmt.Sprintf("action %q not found", task.Action)}
	}

	res := s.engine.Execute(ctx, ref, task.Args, executor.ExecContext{UserID: task.UserID}, nil)

	now := s.now().UTC()
	s.mu.Lock()
	if t, ok := s.tasks[id]; ok {
		t.LastRun = &now
		if err := s.save(); err != nil {
			slog.Warn("Failed to persist task run time", "task_id", id, "error", err)
		}
	}
	s.mu.Unlock()
	return res
}

// Start launches the minute tick loop. Stop or ctx cancellation ends
// it.
func (s *Scheduler) Start(ctx context.Context) {
	if s.done != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		slog.Info("Task scheduler started", "tasks", len(s.tasks))
		for {
			select {
			case <-ticker.C:
				s.tick(ctx)
			case <-ctx.Done():
				slog.Info("Task scheduler stopped")
				return
			}
		}
	}()
}

// Stop ends the tick loop and waits for it.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
}

// tick runs every due task. A task whose last run falls in the current
// minute is skipped, so one minute never fires twice.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []string
	for id, t := range s.tasks {
		if t.Status != StatusActive || t.Schedule == "" {
			continue
		}
		if !matches(t.Schedule, now) {
			continue
		}
		if t.LastRun != nil && t.LastRun.Truncate(time.Minute).Equal(now.UTC().Truncate(time.Minute)) {
			continue
		}
		due = append(due, id)
	}
	s.mu.Unlock()

	for _, id := range due {
		slog.Info("Scheduled task run", "task_id", id)
		if res := s.RunTask(ctx, id); res.Status != executor.StatusSuccess {
			slog.Warn("Scheduled task failed", "task_id", id, "error", res.Error)
		}
	}
}

// ValidateSchedule checks the cron-subset syntax: five fields, each
// `*`, `*/N`, or a literal. Only minute and hour take part in
// matching; the remaining fields must still be present.
func ValidateSchedule(schedule string) error {
	parts := strings.Fields(schedule)
	if len(parts) != 5 {
		return fmt.Errorf("schedule %q must have 5 fields", schedule)
	}
	for _, p := range parts {
		if p == "*" {
			continue
		}
		if n, ok := strings.CutPrefix(p, "*/"); ok {
			v, err := strconv.Atoi(n)
			if err != nil || v <= 0 {
				return fmt.Errorf("invalid interval %q in schedule", p)
			}
			continue
		}
		if _, err := strconv.Atoi(p); err != nil {
			return fmt.Errorf("invalid field %q in schedule", p)
		}
	}
	return nil
}

// matches evaluates minute and hour against the schedule.
func matches(schedule string, now time.Time) bool {
	parts := strings.Fields(schedule)
	if len(parts) != 5 {
		return false
	}
	return matchField(parts[0], now.Minute()) && matchField(parts[1], now.Hour())
}

func matchField(spec string, val int) bool {
	if spec == "*" {
		return true
	}
	if n, ok := strings.CutPrefix(spec, "*/"); ok {
		interval, err := strconv.Atoi(n)
		if err != nil || interval <= 0 {
			return false
		}
		return val%interval == 0
	}
	literal, err := strconv.Atoi(spec)
	return err == nil && literal == val
}

func (s *Scheduler) load() error {
	raw, err := os.ReadFile(filepath.Join(s.dir, tasksFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read task registry: %w", err)
	}
	if err := json.Unmarshal(raw, &s.tasks); err != nil {
		return fmt.Errorf("failed to parse task registry: %w", err)
	}
	return nil
}

// save persists the task map. Caller holds the lock.
func (s *Scheduler) save() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create task directory: %w", err)
	}
	raw, err := json.MarshalIndent(s.tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task registry: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, tasksFile), raw, 0o644); err != nil {
		return fmt.Errorf("failed to write task registry: %w", err)
	}
	return nil
}
