package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/genesis-bot/genesis/pkg/agent"
	"github.com/genesis-bot/genesis/pkg/agent/orchestrator"
	"github.com/genesis-bot/genesis/pkg/models"
)

// repl is the interactive chat shell's state.
type repl struct {
	app  *App
	user *models.User

	chatID      string
	think       bool
	pendingUser string

	in  *bufio.Scanner
	out io.Writer
}

// runREPL starts the interactive shell, or sends a single message and
// exits when message is non-empty. The shell always starts logged in
// as the default admin account; /user and /pass switch accounts.
func runREPL(ctx context.Context, app *App, message string) error {
	admin, err := app.Users.GetByUsername(ctx, app.Settings.Auth.DefaultAdminUser)
	if err != nil {
		return fmt.Errorf("default admin account is missing: %w", err)
	}

	r := &repl{
		app:  app,
		user: admin,
		in:   bufio.NewScanner(os.Stdin),
		out:  os.Stdout,
	}

	if message != "" {
		return r.sendTurn(ctx, message)
	}

	fmt.Fprintf(r.out, "Genesis shell. Logged in as %s. Type /help for commands.\n", admin.Username)
	for {
		fmt.Fprint(r.out, "> ")
		if !r.in.Scan() {
			return r.in.Err()
		}
		line := strings.TrimSpace(r.in.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			done, err := r.command(ctx, line)
			if err != nil {
				fmt.Fprintln(r.out, "Error:", err)
			}
			if done {
				return nil
			}
			continue
		}
		if err := r.sendTurn(ctx, line); err != nil {
			fmt.Fprintln(r.out, "Error:", err)
		}
	}
}

// command handles one slash command. Returns true when the shell
// should exit.
func (r *repl) command(ctx context.Context, line string) (bool, error) {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/exit", "/quit":
		return true, nil

	case "/help":
		fmt.Fprintln(r.out, `Commands:
  /user <name>     switch account (follow with /pass)
  /pass <password> confirm the account switch
  /chats           list your chats
  /chat <id>       open a chat
  /new [title]     start a new chat
  /clear           wipe the current chat's messages
  /think on|off    toggle extended thinking
  /exit            leave the shell`)
		return false, nil

	case "/user":
		if arg == "" {
			return false, fmt.Errorf("usage: /user <name>")
		}
		r.pendingUser = arg
		fmt.Fprintf(r.out, "Now enter /pass <password> for %s\n", arg)
		return false, nil

	case "/pass":
		if r.pendingUser == "" {
			return false, fmt.Errorf("use /user <name> first")
		}
		user, err := r.app.Users.Verify(ctx, r.pendingUser, arg)
		if err != nil {
			return false, err
		}
		r.user = user
		r.pendingUser = ""
		r.chatID = ""
		fmt.Fprintf(r.out, "Logged in as %s\n", user.Username)
		return false, nil

	case "/chats":
		chats, err := r.app.Chats.ListForUser(ctx, r.user.ID)
		if err != nil {
			return false, err
		}
		if len(chats) == 0 {
			fmt.Fprintln(r.out, "No chats yet. Just type a message to start one.")
			return false, nil
		}
		for _, c := range chats {
			marker := " "
			if c.ID == r.chatID {
				marker = "*"
			}
			fmt.Fprintf(r.out, "%s %s  %s\n", marker, c.ID, c.Title)
		}
		return false, nil

	case "/chat":
		chat, err := r.app.Chats.Get(ctx, arg)
		if err != nil {
			return false, err
		}
		if chat.UserID != r.user.ID {
			return false, fmt.Errorf("chat %q not found", arg)
		}
		r.chatID = chat.ID
		fmt.Fprintf(r.out, "Opened chat %s (%s)\n", chat.ID, chat.Title)
		return false, nil

	case "/new":
		chat, err := r.app.Chats.Create(ctx, models.CreateChatRequest{UserID: r.user.ID, Title: arg})
		if err != nil {
			return false, err
		}
		r.chatID = chat.ID
		fmt.Fprintf(r.out, "Started chat %s\n", chat.ID)
		return false, nil

	case "/clear":
		if r.chatID == "" {
			return false, fmt.Errorf("no chat open")
		}
		if err := r.app.Chats.ClearItems(ctx, r.chatID); err != nil {
			return false, err
		}
		fmt.Fprintln(r.out, "Chat cleared.")
		return false, nil

	case "/think":
		r.think = arg == "on"
		fmt.Fprintf(r.out, "Thinking %s\n", map[bool]string{true: "on", false: "off"}[r.think])
		return false, nil

	default:
		return false, fmt.Errorf("unknown command %s", cmd)
	}
}

// sendTurn runs one turn, rendering events as they stream. Permission
// pauses are resolved interactively and the turn resumed.
func (r *repl) sendTurn(ctx context.Context, prompt string) error {
	if r.chatID == "" {
		chat, err := r.app.Chats.Create(ctx, models.CreateChatRequest{UserID: r.user.ID})
		if err != nil {
			return err
		}
		r.chatID = chat.ID
	}

	in := orchestrator.AskInput{
		ChatID:      r.chatID,
		Prompt:      prompt,
		UseThinking: r.think,
	}

	for {
		resume, err := r.streamTurn(ctx, in)
		if err != nil || !resume {
			return err
		}
		in = orchestrator.AskInput{ChatID: r.chatID, UseThinking: r.think, ResumeAction: true}
	}
}

// streamTurn renders one AskStream pass. It returns resume=true when a
// permission pause was granted and the turn should continue.
func (r *repl) streamTurn(ctx context.Context, in orchestrator.AskInput) (resume bool, err error) {
	events := r.app.Orch.AskStream(ctx, in)

	for ev := range events {
		switch ev.Status {
		case agent.EventThinking:
			// Thinking stays silent in the shell; it is persisted with
			// the reply.

		case agent.EventStream:
			fmt.Fprint(r.out, ev.Content)

		case agent.EventContent:
			fmt.Fprint(r.out, ev.Chunk)

		case agent.EventJSONContent:
			fmt.Fprintln(r.out, ev.Message)

		case agent.EventActionDetected:
			fmt.Fprintf(r.out, "\n[running %d action(s)]\n", len(ev.Actions))

		case agent.EventActionOutput:
			fmt.Fprintf(r.out, "[%s] %s\n", ev.ActionName, ev.Output)

		case agent.EventPermissionRequired:
			granted, perr := r.askPermission(ctx, ev)
			if perr != nil {
				return false, perr
			}
			return granted, nil

		case agent.EventRequestKey:
			if kerr := r.askKey(ev); kerr != nil {
				return false, kerr
			}

		case agent.EventInfo:
			fmt.Fprintln(r.out, ev.Message)

		case agent.EventError:
			return false, fmt.Errorf("%s", ev.Error)
		}
	}

	fmt.Fprintln(r.out)
	return false, nil
}

// askPermission prompts for the pending action and records the grant.
func (r *repl) askPermission(ctx context.Context, ev agent.TurnEvent) (bool, error) {
	fmt.Fprintf(r.out, "Action %q wants to run with %v.\nAllow? [once/session/today/always/no]: ", ev.ActionName, ev.ActionArgs)
	if !r.in.Scan() {
		return false, r.in.Err()
	}
	scope := strings.TrimSpace(strings.ToLower(r.in.Text()))
	if scope == "no" || scope == "n" || scope == "" {
		fmt.Fprintln(r.out, "Denied.")
		return false, nil
	}
	if err := r.app.Perms.Grant(ctx, r.user.ID, ev.ActionName, scope, r.chatID); err != nil {
		return false, err
	}
	return true, nil
}

// askKey prompts for a missing provider API key and stores it. The
// paused turn picks it up on its next poll.
func (r *repl) askKey(ev agent.TurnEvent) error {
	fmt.Fprintf(r.out, "%s\nKey: ", ev.Message)
	if !r.in.Scan() {
		return r.in.Err()
	}
	key := strings.TrimSpace(r.in.Text())
	if key == "" {
		return nil
	}
	return r.app.Keys.Set(ev.Provider, key)
}
