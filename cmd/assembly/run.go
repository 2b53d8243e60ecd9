package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/artpar/assembly/adapters/metrics"
	"github.com/artpar/assembly/bootstrap"
	"github.com/artpar/assembly/core/executor"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Enrich JSON objects with a configured type",
	Long: `Read a JSON object or array of objects, run the operations of the
given type against them and write the enriched objects as JSON.

Examples:
  assembly run --type order --input orders.json
  cat orders.json | assembly run --type order --only main --pretty
  assembly run --type order -i orders.json --var region=eu --metrics`,
	RunE: runRun,
}

var (
	runType    string
	runInput   string
	runOutput  string
	runOnly    []string
	runExcept  []string
	runVars    map[string]string
	runPretty  bool
	runStrict  bool
	runMetrics bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runType, "type", "t", "", "type whose operations to run (required)")
	runCmd.Flags().StringVarP(&runInput, "input", "i", "-", "input JSON file, - for stdin")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "-", "output JSON file, - for stdout")
	runCmd.Flags().StringSliceVar(&runOnly, "only", nil, "run only these groups")
	runCmd.Flags().StringSliceVar(&runExcept, "except", nil, "skip these groups")
	runCmd.Flags().StringToStringVar(&runVars, "var", nil, "condition variables as name=value")
	runCmd.Flags().BoolVar(&runPretty, "pretty", false, "indent the output")
	runCmd.Flags().BoolVar(&runStrict, "strict", false, "fail when the execution reports issues")
	runCmd.Flags().BoolVar(&runMetrics, "metrics", false, "print metrics to stderr when done")

	runCmd.MarkFlagRequired("type")
}

func runRun(cmd *cobra.Command, args []string) error {
	in, err := openInput(cmd, runInput)
	if err != nil {
		return err
	}
	defer in.Close()

	targets, single, err := readTargets(in)
	if err != nil {
		return err
	}

	app, err := bootstrap.New(bootstrap.Options{ConfigPath: cfgFile, LogOutput: cmd.ErrOrStderr()})
	if err != nil {
		return err
	}
	defer app.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []executor.ExecuteOption
	if len(runOnly) > 0 {
		opts = append(opts, executor.OnlyGroups(runOnly...))
	}
	if len(runExcept) > 0 {
		opts = append(opts, executor.ExceptGroups(runExcept...))
	}
	if len(runVars) > 0 {
		vars := make(map[string]any, len(runVars))
		for k, v := range runVars {
			vars[k] = v
		}
		opts = append(opts, executor.WithVariables(vars))
	}

	report, err := app.Execute(ctx, runType, targets, opts...)
	if err != nil {
		return fmt.Errorf("execute %s: %w", runType, err)
	}

	for _, issue := range report.Issues() {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s %s: %v\n", crossMark, issue.Operation, issue.Err)
	}

	var result any = targets
	if single {
		result = targets[0]
	}
	if err := writeOutput(cmd, runOutput, result); err != nil {
		return err
	}

	if runMetrics && app.MetricsRegistry != nil {
		if err := metrics.WriteText(cmd.ErrOrStderr(), app.MetricsRegistry); err != nil {
			return err
		}
	}

	if runStrict && report.HasIssues() {
		return fmt.Errorf("execution %s reported %d issues", report.ExecutionID, len(report.Issues()))
	}
	return nil
}

func openInput(cmd *cobra.Command, path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	return f, nil
}

// readTargets decodes a JSON object or an array of objects. single reports
// that the input was one object.
func readTargets(r io.Reader) (targets []any, single bool, err error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, false, fmt.Errorf("read input: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, false, fmt.Errorf("input is empty")
	}

	if data[0] == '{' {
		var obj map[string]any
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, false, fmt.Errorf("decode input: %w", err)
		}
		return []any{obj}, true, nil
	}

	var list []map[string]any
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, false, fmt.Errorf("decode input: %w", err)
	}
	targets = make([]any, 0, len(list))
	for _, obj := range list {
		targets = append(targets, obj)
	}
	return targets, false, nil
}

func writeOutput(cmd *cobra.Command, path string, v any) error {
	var out io.Writer = cmd.OutOrStdout()
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		out = f
	}

	enc := json.NewEncoder(out)
	if runPretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
