package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/artpar/assembly/bootstrap"
	"github.com/artpar/assembly/config"
	"github.com/artpar/assembly/core/expression"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration before deployment",
	Long: `Validate the assembly configuration file.

Checks:
  - YAML syntax is valid
  - Required fields are present
  - Every type builds: conditions compile, groups have no cycles,
    nested types exist and do not disassemble into themselves
  - Containers can be created (optional, opens the database)

Examples:
  assembly validate
  assembly validate --config /etc/assembly/assembly.yaml --check-containers`,
	RunE: runValidate,
}

var validateCheckContainers bool

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateCheckContainers, "check-containers", false, "create every container (opens database connections)")
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Validating %s...\n\n", cfgFile)

	// Check file exists
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		fmt.Fprintf(out, "  %s Config file exists\n", crossMark)
		return fmt.Errorf("config file not found: %s", cfgFile)
	}
	fmt.Fprintf(out, "  %s Config file exists\n", checkMark)

	// Load and validate config
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(out, "  %s Config syntax valid\n", crossMark)
		return fmt.Errorf("config error: %w", err)
	}
	fmt.Fprintf(out, "  %s Config syntax valid\n", checkMark)

	catalog, err := config.BuildCatalog(cfg, expression.New())
	if err != nil {
		fmt.Fprintf(out, "  %s Types build\n", crossMark)
		return fmt.Errorf("types error: %w", err)
	}
	fmt.Fprintf(out, "  %s Types build\n", checkMark)

	// Show config summary
	fmt.Fprintf(out, "  %s Engine: %s, fetch errors %s\n", checkMark, cfg.Engine.Policy, cfg.Engine.FetchErrors)
	fmt.Fprintf(out, "  %s Containers configured: %d\n", checkMark, len(cfg.Containers))
	for _, name := range catalog.Names() {
		ops, _ := catalog.Named(name)
		fmt.Fprintf(out, "      %s: groups %s, containers %s\n",
			name, strings.Join(ops.GroupNames(), " > "), strings.Join(ops.Containers(), ", "))
	}

	// Optional: create containers
	if validateCheckContainers {
		app, err := bootstrap.New(bootstrap.Options{Config: cfg, LogOutput: cmd.ErrOrStderr()})
		if err != nil {
			fmt.Fprintf(out, "  %s Containers created\n", crossMark)
			fmt.Fprintf(out, "      Error: %v\n", err)
			return err
		}
		app.Shutdown()
		fmt.Fprintf(out, "  %s Containers created\n", checkMark)
	}

	fmt.Fprintf(out, "\nConfiguration is valid.\n")
	return nil
}

const (
	checkMark = "\033[32m✓\033[0m"
	crossMark = "\033[31m✗\033[0m"
)
