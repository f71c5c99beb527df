package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ALT-F4-LLC/crate/internal/db"
	"github.com/ALT-F4-LLC/crate/internal/output"
	"github.com/ALT-F4-LLC/crate/internal/plugin"
	"github.com/ALT-F4-LLC/crate/internal/render"
)

var pluginCmd = &cobra.Command{
	Use:   "plugin",
	Short: "Manage the installed plugin registry",
}

var pluginListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed plugins",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := getWriter(cmd)
		rt := getRuntime(cmd)

		plugins, err := db.ListPlugins(cmd.Context(), rt.data)
		if err != nil {
			return cmdErr(err, output.ErrGeneral)
		}
		if plugins == nil {
			plugins = []db.Plugin{}
		}
		w.Success(plugins, render.RenderPlugins(plugins))
		return nil
	},
}

var pluginInstallCmd = &cobra.Command{
	Use:   "install <name> <version>",
	Short: "Record a plugin as installed at a version",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		w := getWriter(cmd)
		rt := getRuntime(cmd)
		name, version := args[0], args[1]

		if err := plugin.ValidateVersion(version); err != nil {
			return cmdErr(err, output.ErrValidation)
		}
		if err := db.InstallPlugin(cmd.Context(), rt.data, name, version); err != nil {
			return cmdErr(err, output.ErrGeneral)
		}
		w.Success(db.Plugin{Name: name, Version: version}, fmt.Sprintf("Installed %s %s", name, version))
		return nil
	},
}

func init() {
	pluginCmd.AddCommand(pluginListCmd, pluginInstallCmd)
	rootCmd.AddCommand(pluginCmd)
}
