package cmd

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/trducng/theflow/runtime/tracker"
)

var showConfig bool

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect persisted runs",
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-dir>",
	Short: "Show the nodes of a persisted run",
	Args:  cobra.ExactArgs(1),
	RunE:  showRun,
}

var runsListCmd = &cobra.Command{
	Use:   "list <store>",
	Short: "List the runs persisted in a result store",
	Args:  cobra.ExactArgs(1),
	RunE:  listRuns,
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <store> <run-id>",
	Short: "Delete a persisted run",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := tracker.Delete(args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", args[1])
		return nil
	},
}

func init() {
	runsShowCmd.Flags().BoolVar(&showConfig, "config", false, "Print the run config instead of the nodes")
	runsCmd.AddCommand(runsShowCmd, runsListCmd, runsDeleteCmd)
}

func listRuns(cmd *cobra.Command, args []string) error {
	runs, err := tracker.List(args[0])
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN_ID\tSTATUS\tOUTPUT")
	for _, run := range runs {
		status := run.Status
		if run.Error != nil {
			status = "error"
		}
		fmt.Fprintf(w, "%s\t%s\t%v\n", run.ID, status, run.Output)
	}
	return w.Flush()
}

func showRun(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if showConfig {
		config, err := tracker.LoadConfig(args[0])
		if err != nil {
			return err
		}
		for _, key := range sortedKeys(config) {
			fmt.Fprintf(out, "%s: %v\n", key, config[key])
		}
		return nil
	}

	progress, err := tracker.Load(args[0])
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tTYPE\tSTATUS\tDURATION_MS")
	for _, path := range tracker.SortedPaths(progress) {
		record, _ := progress[path].(map[string]any)
		status := record["status"]
		if record["error"] != nil {
			status = "error"
		}
		fmt.Fprintf(w, "%s\t%v\t%v\t%v\n", path, record["type"], status, record["duration_ms"])
	}
	return w.Flush()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
