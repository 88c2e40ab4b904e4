package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/trducng/theflow/runtime"
	"gopkg.in/yaml.v3"
)

var (
	runFrom    string
	runTo      string
	runFromRun string
	runStore   string
	runID      string
)

var runCmd = &cobra.Command{
	Use:   "run <flow-dir> <flow-name> [key=value ...]",
	Short: "Run a flow once",
	Long: `Run loads a flow definition and calls it with the given keyword
arguments. Values are parsed as YAML scalars, so count=3 passes an integer.

Example:
  theflow run ./flows etl source=s3://bucket/in
  theflow run ./flows etl --store ./runs
  theflow run ./flows etl --from .transform --from-run ./runs/<run-id>
`,
	Args: cobra.MinimumNArgs(2),
	RunE: runFlow,
}

func init() {
	runCmd.Flags().StringVar(&runFrom, "from", "", "Rerun from this node path, reusing earlier outputs (needs --from-run)")
	runCmd.Flags().StringVar(&runTo, "to", "", "Stop after this node path")
	runCmd.Flags().StringVar(&runFromRun, "from-run", "", "Directory of a persisted run to resume from")
	runCmd.Flags().StringVar(&runStore, "store", "", "Directory to persist the run record to")
	runCmd.Flags().StringVar(&runID, "run-id", "", "Fixed run id (default random)")
}

func runFlow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	kwargs, err := parseKwargs(args[2:])
	if err != nil {
		return err
	}
	for key, value := range map[string]string{
		runtime.KwargFrom:    runFrom,
		runtime.KwargTo:      runTo,
		runtime.KwargFromRun: runFromRun,
	} {
		if value != "" {
			kwargs[key] = value
		}
	}

	env, err := setup(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := env.close(ctx); err != nil {
			env.logger.Warn("Shutdown failed", "error", err)
		}
	}()

	configs := map[string]any{}
	if runStore != "" {
		configs["store_result"] = runStore
	}
	if runID != "" {
		configs["run_id"] = runID
	}
	flow, err := env.loadFlow(args[0], args[1], configs)
	if err != nil {
		return err
	}

	out, err := runtime.Call(ctx, flow, runtime.Input{Kwargs: kwargs})
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

// parseKwargs turns key=value pairs into kwargs.
func parseKwargs(pairs []string) (map[string]any, error) {
	kwargs := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid argument %q: expected key=value", pair)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		kwargs[key] = value
	}
	return kwargs, nil
}
