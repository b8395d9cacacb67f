// Package cli implements the genesis command line: an interactive chat
// shell, the HTTP server, and plugin, task, and user administration.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/genesis-bot/genesis/pkg/agent/orchestrator"
	"github.com/genesis-bot/genesis/pkg/config"
	"github.com/genesis-bot/genesis/pkg/database"
	"github.com/genesis-bot/genesis/pkg/executor"
	"github.com/genesis-bot/genesis/pkg/llm"
	"github.com/genesis-bot/genesis/pkg/plugins"
	"github.com/genesis-bot/genesis/pkg/prompt"
	"github.com/genesis-bot/genesis/pkg/scheduler"
	"github.com/genesis-bot/genesis/pkg/services"
)

// App is the wired application: one database, one registry, one
// orchestrator, shared by every command that needs them.
type App struct {
	Settings *config.Settings
	DB       *database.Client
	Users    *services.UserService
	Chats    *services.ChatService
	Perms    *services.PermissionService
	Registry *plugins.Registry
	Engine   *executor.Engine
	Keys     *llm.KeyStore
	Sched    *scheduler.Scheduler
	Orch     *orchestrator.Orchestrator
}

// newApp boots the full stack from the settings file at configPath.
func newApp(ctx context.Context, configPath string) (*App, error) {
	if err := godotenv.Load(); err == nil {
		slog.Debug("Loaded environment from .env")
	}

	settings, err := config.Initialize(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if dbCfg.Dialect == database.DialectSQLite && os.Getenv("DATABASE_URL") == "" {
		dbCfg.Path = filepath.Join(settings.DataDir, "genesis.db")
	}
	db, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	users := services.NewUserService(db)
	chats := services.NewChatService(db)
	perms := services.NewPermissionService(db)
	rawlog := services.NewRawLogService(db, filepath.Join(settings.DataDir, "history"))

	adminPassword := settings.Auth.DefaultAdminPassword
	if adminPassword == "" {
		if adminPassword = os.Getenv("GENESIS_ADMIN_PASSWORD"); adminPassword == "" {
			adminPassword = uuid.New().String()
			slog.Warn("No admin password configured; generated one",
				"user", settings.Auth.DefaultAdminUser, "password", adminPassword)
		}
	}
	if err := users.EnsureDefaultAdmin(ctx, settings.Auth.DefaultAdminUser, adminPassword, ""); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to seed admin account: %w", err)
	}

	registry := plugins.NewRegistry(filepath.Join(settings.DataDir, "plugins"), filepath.Join(settings.BotDataDir, "users"))
	if err := registry.Scan(); err != nil {
		slog.Warn("System plugin scan failed", "error", err)
	}

	engine := executor.NewEngine(settings.DataDir, settings.BotDataDir)
	keys := llm.NewKeyStore(filepath.Join(settings.DataDir, "keys.json"))

	prompts, err := prompt.LoadLibrary(orchestrator.PromptOverridePath(settings.DataDir))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load prompt library: %w", err)
	}

	sched, err := scheduler.NewScheduler(settings.DataDir, registry, engine)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load task registry: %w", err)
	}

	orch := orchestrator.NewOrchestrator(chats, users, perms, rawlog, registry, engine,
		executor.NewPool(settings.PoolSize), executor.NewCache(), prompts,
		llm.NewFactory(settings, keys), keys, settings)

	return &App{
		Settings: settings,
		DB:       db,
		Users:    users,
		Chats:    chats,
		Perms:    perms,
		Registry: registry,
		Engine:   engine,
		Keys:     keys,
		Sched:    sched,
		Orch:     orch,
	}, nil
}

// Close releases the app's resources.
func (a *App) Close() {
	a.Orch.Pool.Shutdown()
	if err := a.DB.Close(); err != nil {
		slog.Error("Error closing database", "error", err)
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
