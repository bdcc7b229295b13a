package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ietf-svn-conversion/mailarch/reconcile"
)

func newCheckIndexCmd() *cobra.Command {
	var (
		window string
		fix    bool
	)
	cmd := &cobra.Command{
		Use:   "check-index",
		Short: "Verify recently changed messages against the search index",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w, err := time.ParseDuration(window)
			if err != nil {
				return fmt.Errorf("invalid --window: %w", err)
			}

			env, err := openArchive(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			checker := reconcile.NewFreshnessChecker(env.database, env.syncer, env.raw, 0)
			report, err := checker.Run(ctx, w, fix)
			if err != nil {
				return err
			}
			if fix {
				env.syncer.ProcessQueue(ctx)
			}
			fmt.Print(report.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&window, "window", "24h", "How far back to scan for changed messages")
	cmd.Flags().BoolVar(&fix, "fix", false, "Rewrite missing and mismatched index documents")
	return cmd
}

func newCompareCmd() *cobra.Command {
	var doImport bool
	cmd := &cobra.Command{
		Use:   "compare <list> <mbox-file>...",
		Short: "Compare external mbox files against the archive store",
		Long: `Compare parses each message in the given mbox files and reports those
the store has no record of. With --import, missing messages are archived
through the normal ingestion path.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := openArchive(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			checker := reconcile.NewCompletenessChecker(env.database, env.archiver)
			listName := args[0]
			for _, path := range args[1:] {
				report, err := checker.CheckFile(ctx, listName, path, doImport)
				if err != nil {
					return fmt.Errorf("compare %s: %w", path, err)
				}
				fmt.Print(report.String())
			}
			if doImport {
				env.syncer.ProcessQueue(ctx)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&doImport, "import", false, "Archive the messages the store is missing")
	return cmd
}
