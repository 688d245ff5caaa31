package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomhub/loomhub/version"
)

// VersionCmd prints loomhub build/version information.
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show loomhub version information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.Get()

		jsonOutput, _ := cmd.Flags().GetBool("json")
		if jsonOutput {
			out, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "error formatting json: %v\n", err)
				return
			}
			fmt.Println(string(out))
			return
		}

		fmt.Println(info.String())
		fmt.Printf("Platform: %s\n", info.Platform)
		fmt.Printf("Go: %s\n", info.GoVersion)
	},
}

func init() {
	VersionCmd.Flags().BoolP("json", "j", false, "output version info as JSON")
}
