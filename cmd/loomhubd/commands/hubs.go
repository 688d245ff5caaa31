package commands

import (
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/loomhub/loomhub/errors"
)

// HubsCmd manages the Hub Registry.
var HubsCmd = &cobra.Command{
	Use:   "hubs",
	Short: "Manage registered hubs (builtin + federated)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var hubsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered hubs and their derived health",
	RunE:  runHubsList,
}

var hubsRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register an external hub",
	RunE:  runHubsRegister,
}

var hubsRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a registered external hub",
	Args:  cobra.ExactArgs(1),
	RunE:  runHubsRemove,
}

func init() {
	hubsRegisterCmd.Flags().String("name", "", "hub name (required)")
	hubsRegisterCmd.Flags().String("endpoint", "", "hub dispatch endpoint, e.g. https://hub2.example.com (required)")
	hubsRegisterCmd.Flags().Int("priority", 0, "routing priority (higher wins)")
	hubsRegisterCmd.Flags().Int("weight", 1, "weighted-random draw weight within a priority group")
	hubsRegisterCmd.Flags().String("region", "", "region label for region-scoped routing")
	hubsRegisterCmd.Flags().StringSlice("label", nil, "key=value label (repeatable)")
	hubsRegisterCmd.MarkFlagRequired("name")
	hubsRegisterCmd.MarkFlagRequired("endpoint")

	HubsCmd.AddCommand(hubsListCmd, hubsRegisterCmd, hubsRemoveCmd)
}

func runHubsList(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	hubs, err := a.registry.List()
	if err != nil {
		return errors.Wrap(err, "list hubs")
	}

	table := pterm.TableData{{"ID", "NAME", "TYPE", "STATUS", "PRIORITY", "WEIGHT", "REGION", "WORKERS"}}
	for _, hb := range hubs {
		table = append(table, []string{
			hb.ID, hb.Name, string(hb.Type), string(hb.Status),
			strconv.Itoa(hb.Priority), strconv.Itoa(hb.Weight), hb.Region,
			strconv.Itoa(hb.ConnectedWorkers),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(table).Render()
}

func runHubsRegister(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	name, _ := cmd.Flags().GetString("name")
	endpoint, _ := cmd.Flags().GetString("endpoint")
	priority, _ := cmd.Flags().GetInt("priority")
	weight, _ := cmd.Flags().GetInt("weight")
	region, _ := cmd.Flags().GetString("region")
	rawLabels, _ := cmd.Flags().GetStringSlice("label")

	hb, err := a.registry.RegisterHub(name, endpoint, priority, weight, region, parseLabels(rawLabels))
	if err != nil {
		return errors.Wrap(err, "register hub")
	}

	pterm.Success.Printf("hub registered: %s (%s)\n", hb.Name, hb.ID)
	return nil
}

func runHubsRemove(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.registry.RemoveHub(args[0]); err != nil {
		return errors.Wrap(err, "remove hub")
	}
	pterm.Success.Printf("hub %s removed\n", args[0])
	return nil
}

func parseLabels(raw []string) map[string]string {
	labels := make(map[string]string, len(raw))
	for _, kv := range raw {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		labels[parts[0]] = parts[1]
	}
	return labels
}
