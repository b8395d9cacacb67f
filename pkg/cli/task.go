package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/genesis-bot/genesis/pkg/executor"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage scheduled tasks",
	}
	cmd.AddCommand(newTaskListCmd(), newTaskCreateCmd(), newTaskRunCmd(), newTaskDeleteCmd())
	return cmd
}

func newTaskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context(), flagConfig)
			if err != nil {
				return err
			}
			defer app.Close()

			tasks := app.Sched.List(0)
			if len(tasks) == 0 {
				fmt.Println("No tasks registered.")
				return nil
			}
			for _, t := range tasks {
				schedule := t.Schedule
				if schedule == "" {
					schedule = "(manual)"
				}
				last := "never"
				if t.LastRun != nil {
					last = t.LastRun.Format("2006-01-02 15:04")
				}
				fmt.Printf("%s  %-8s %-16s %s  last run %s\n", t.ID, t.Status, schedule, t.Name, last)
			}
			return nil
		},
	}
}

func newTaskCreateCmd() *cobra.Command {
	var (
		schedule string
		argsJSON string
		userID   int64
	)
	cmd := &cobra.Command{
		Use:   "create <name> <action>",
		Short: "Register a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var actionArgs map[string]any
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &actionArgs); err != nil {
					return fmt.Errorf("invalid --args JSON: %w", err)
				}
			}

			app, err := newApp(cmd.Context(), flagConfig)
			if err != nil {
				return err
			}
			defer app.Close()

			task, err := app.Sched.Create(args[0], args[1], schedule, userID, actionArgs)
			if err != nil {
				return err
			}
			fmt.Printf("Created task %s\n", task.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&schedule, "schedule", "", `cron schedule, e.g. "*/5 * * * *" (omit for manual-only)`)
	cmd.Flags().StringVar(&argsJSON, "args", "", "action arguments as JSON")
	cmd.Flags().Int64Var(&userID, "user", 0, "owning user id (0 runs with system plugins only)")
	return cmd
}

func newTaskRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <task-id>",
		Short: "Run a task immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context(), flagConfig)
			if err != nil {
				return err
			}
			defer app.Close()

			res := app.Sched.RunTask(cmd.Context(), args[0])
			if res.Status != executor.StatusSuccess {
				return fmt.Errorf("task failed: %s", res.Error)
			}
			fmt.Printf("%v\n", res.Output)
			return nil
		},
	}
}

func newTaskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Remove a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context(), flagConfig)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Sched.Delete(args[0])
		},
	}
}
