package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "assembly",
	Short: "Enrich objects from keyed data sources",
	Long: `Assembly fills properties of objects from containers: constant
tables, SQL tables and DynamoDB tables. Every object type declares its
lookups in the configuration file; lookups of the same container are
batched into a single fetch per group.

Quick start:
  assembly validate                      # Check the configuration
  assembly run --type order -i in.json   # Enrich the objects in in.json`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "assembly.yaml", "config file path")
}
