package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/genesis-bot/genesis/pkg/plugins"
)

func newPluginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugin",
		Short: "Pack, install, list, and remove plugins",
	}
	cmd.AddCommand(newPluginPackCmd(), newPluginInstallCmd(), newPluginListCmd(), newPluginDeleteCmd())
	return cmd
}

func newPluginPackCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "pack <plugin-dir>",
		Short: "Sign a plugin directory and pack it into a distributable archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := filepath.Clean(args[0])
			if out == "" {
				out = filepath.Base(dir) + plugins.GplugExt
			}
			if err := plugins.Pack(dir, out); err != nil {
				return err
			}
			fmt.Printf("Packed %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "archive path (default <dir>"+plugins.GplugExt+")")
	return cmd
}

func newPluginInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install <archive" + plugins.GplugExt + ">",
		Short: "Verify and install a plugin archive system-wide",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !strings.HasSuffix(args[0], plugins.GplugExt) {
				return fmt.Errorf("expected a %s archive", plugins.GplugExt)
			}
			app, err := newApp(cmd.Context(), flagConfig)
			if err != nil {
				return err
			}
			defer app.Close()

			manifest, err := plugins.Install(args[0], app.Registry.SystemDir())
			if err != nil {
				return err
			}
			fmt.Printf("Installed %s %s (%d actions)\n", manifest.ID, manifest.Version, len(manifest.Actions))
			return nil
		},
	}
}

func newPluginListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed system plugins",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context(), flagConfig)
			if err != nil {
				return err
			}
			defer app.Close()

			installed := app.Registry.Plugins()
			if len(installed) == 0 {
				fmt.Println("No plugins installed.")
				return nil
			}
			for _, p := range installed {
				names := make([]string, 0, len(p.Actions))
				for _, a := range p.Actions {
					names = append(names, a.Name)
				}
				fmt.Printf("%s %s  %s\n", p.ID, p.Version, strings.Join(names, ", "))
			}
			return nil
		},
	}
}

func newPluginDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <plugin-id>",
		Short: "Uninstall a system plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context(), flagConfig)
			if err != nil {
				return err
			}
			defer app.Close()

			p, err := app.Registry.Delete(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Removed %s %s\n", p.ID, p.Version)
			return nil
		},
	}
}
