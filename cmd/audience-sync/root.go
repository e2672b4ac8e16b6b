package main

import (
	"context"

	"github.com/spf13/cobra"
)

// execute runs the command line args against a and releases its Redis
// client and metrics endpoint afterwards, whether or not the command failed.
func execute(ctx context.Context, a *app, args []string) error {
	defer a.close()

	root := newRootCmd(a)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCmd(a *app) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "audience-sync",
		Short:         "Export, deduplicate and re-import audience segments",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context(), configPath)
		},
	}
	root.SetIn(a.in)
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	flags := root.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "config file (yaml, toml or json)")
	flags.String("list-id", "", "list the segments belong to")
	flags.String("work-dir", ".", "directory for exported files")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("log-pretty", false, "human-readable log output")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address during the run")

	for key, flag := range map[string]string{
		"list_id":      "list-id",
		"work_dir":     "work-dir",
		"log.level":    "log-level",
		"log.pretty":   "log-pretty",
		"metrics_addr": "metrics-addr",
	} {
		_ = a.v.BindPFlag(key, flags.Lookup(flag))
	}

	root.AddCommand(
		newPlanCmd(a),
		newExportCmd(a),
		newDedupCmd(a),
		newCreateAudiencesCmd(a),
		newImportCmd(a),
		newDeleteMembersCmd(a),
		newBatchesCmd(a),
		newMergeCmd(a),
	)
	return root
}
