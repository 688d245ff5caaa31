package commands

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/loomhub/loomhub/config"
)

// ConfigCmd groups configuration-file management subcommands.
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage loomhub configuration files",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default loomhub.toml an operator can then edit",
	Long: `Write a default configuration file populated with the same values
loomhubd falls back to when no config file is present. path defaults to
loomhub.toml in the current directory. Refuses to overwrite an existing
file unless --force is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigInit,
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite an existing config file")
	ConfigCmd.AddCommand(configInitCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := "loomhub.toml"
	if len(args) == 1 {
		path = args[0]
	}

	force, _ := cmd.Flags().GetBool("force")
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	if err := config.WriteTOML(path, config.DefaultConfig()); err != nil {
		return err
	}

	pterm.Success.Printfln("Wrote default config to %s", path)
	return nil
}
