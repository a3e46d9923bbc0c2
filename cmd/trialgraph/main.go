// Package main provides the trialgraph CLI entry point.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "trialgraph",
		Short: "trialgraph - clinical trial datasets into a property graph",
		Long: `trialgraph bulk-loads tabular clinical-trial datasets (SAS transport
or CSV) into a property graph.

A pipeline file lists node and edge functions per dataset. All node
functions run first, concurrently; edge functions start once every node
function has finished. Targets:
  • Neo4j over Bolt
  • an embedded Badger-backed graph on disk
  • an in-memory graph for dry runs`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("env", ".env", "Environment file loaded before reading configuration")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "trialgraph v%s (%s)\n", version, commit)
		},
	})

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a load pipeline",
		RunE:  runLoad,
	}
	runCmd.Flags().StringP("pipeline", "p", "pipeline.yaml", "Pipeline definition")
	runCmd.Flags().String("backend", "", "Graph backend: neo4j, badger or memory (default from TRIALGRAPH_BACKEND)")
	runCmd.Flags().String("data-dir", "", "Badger data directory (default from TRIALGRAPH_DATA_DIR)")
	runCmd.Flags().String("data-root", "", "Prefix for relative dataset paths")
	runCmd.Flags().Int("chunk-size", 0, "Target rows per chunk")
	runCmd.Flags().Int("concurrency", -1, "Max in-flight chunk writes, 0 for unbounded")
	runCmd.Flags().Bool("strict", false, "Exit non-zero when any row, chunk or task failed")
	rootCmd.AddCommand(runCmd)

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check configuration and resolve a pipeline without writing",
		RunE:  runValidate,
	}
	validateCmd.Flags().StringP("pipeline", "p", "pipeline.yaml", "Pipeline definition")
	rootCmd.AddCommand(validateCmd)

	inspectCmd := &cobra.Command{
		Use:   "inspect [dataset]",
		Short: "Show a dataset's columns, row count and chunk plan",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}
	inspectCmd.Flags().Int("chunk-size", 0, "Target rows per chunk")
	inspectCmd.Flags().Int("head", 0, "Print the first N rows")
	rootCmd.AddCommand(inspectCmd)

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Dump an embedded Badger graph as Neo4j JSON",
		RunE:  runExport,
	}
	exportCmd.Flags().String("data-dir", "", "Badger data directory (default from TRIALGRAPH_DATA_DIR)")
	exportCmd.Flags().StringP("out", "o", "", "Output file (default stdout)")
	rootCmd.AddCommand(exportCmd)

	functionsCmd := &cobra.Command{
		Use:   "functions",
		Short: "List the write functions a pipeline can reference",
		RunE:  runFunctions,
	}
	functionsCmd.Flags().StringP("pipeline", "p", "", "Include operations defined in this pipeline")
	rootCmd.AddCommand(functionsCmd)

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter pipeline for the ADaM datasets",
		RunE:  runInit,
	}
	initCmd.Flags().StringP("out", "o", "pipeline.yaml", "Pipeline file to create")
	initCmd.Flags().Bool("force", false, "Overwrite an existing file")
	rootCmd.AddCommand(initCmd)

	return rootCmd
}
