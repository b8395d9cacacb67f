package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/genesis-bot/genesis/pkg/database"
	"github.com/genesis-bot/genesis/pkg/models"
)

// RawLogService writes the diagnostic exchange log: one row per turn
// position (system, user, assistant) carrying the full JSON blob of the
// model interaction. The orchestrator only ever writes; admin tooling
// reads. All writes are best-effort — a failed log never fails a turn.
type RawLogService struct {
	client  *database.Client
	fileDir string // optional JSON-file mirror under data/history; "" disables
}

// NewRawLogService creates a new RawLogService. fileDir enables the
// per-day JSON file mirror when non-empty.
func NewRawLogService(client *database.Client, fileDir string) *RawLogService {
	return &RawLogService{client: client, fileDir: fileDir}
}

// Write persists one raw log entry. Errors are logged and absorbed.
func (s *RawLogService) Write(httpCtx context.Context, entry models.RawLogEntry) {
	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	blob, err := json.Marshal(entry)
	if err != nil {
		slog.Error("Failed to marshal raw log entry", "chat_id", entry.ChatID, "error", err)
		return
	}

	_, err = s.client.DB().ExecContext(ctx,
		s.client.Rebind(`INSERT INTO history (chat_id, role, content, thinking, raw_data, timestamp) VALUES (?, ?, ?, ?, ?, ?)`),
		entry.ChatID, entry.Response.Role, entry.Response.Content, entry.Response.Thinking, string(blob), time.Now().UTC())
	if err != nil {
		slog.Error("Failed to write raw log", "chat_id", entry.ChatID, "error", err)
	}

	if s.fileDir != "" && entry.Response.Role == models.RoleAssistant {
		s.writeFile(entry, blob)
	}
}

// Recent returns the newest raw log rows, optionally filtered by a
// substring of their content. Admin tooling only.
func (s *RawLogService) Recent(httpCtx context.Context, search string, limit int) ([]*models.RawLog, error) {
	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	if limit <= 0 {
		limit = 200
	}
	query := `SELECT id, COALESCE(chat_id, ''), role, content, COALESCE(thinking, ''), COALESCE(raw_data, ''), timestamp FROM history`
	args := []any{}
	if search != "" {
		query += ` WHERE content LIKE ?`
		args = append(args, "%"+search+"%")
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.client.DB().QueryContext(ctx, s.client.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query raw logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.RawLog
	for rows.Next() {
		l := &models.RawLog{}
		if err := rows.Scan(&l.ID, &l.ChatID, &l.Role, &l.Content, &l.Thinking, &l.RawData, &l.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan raw log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// writeFile mirrors the entry to data/history/<YYYY-MM-DD>/<HH-MM-SS>_<chat>.json.
func (s *RawLogService) writeFile(entry models.RawLogEntry, blob []byte) {
	now := time.Now()
	dir := filepath.Join(s.fileDir, now.Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("Failed to create history log directory", "dir", dir, "error", err)
		return
	}
	short := entry.ChatID
	if len(short) > 8 {
		short = short[:8]
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.json", now.Format("15-04-05"), short))
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		slog.Warn("Failed to write history log file", "path", path, "error", err)
	}
}
