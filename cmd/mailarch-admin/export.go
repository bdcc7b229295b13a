package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ietf-svn-conversion/mailarch/archive"
)

func newExportMboxCmd() *cobra.Command {
	var (
		dir   string
		month string
		from  string
		to    string
	)
	cmd := &cobra.Command{
		Use:   "export-mbox <list>",
		Short: "Regenerate monthly mbox files from the archive",
		Long: `Export rebuilds the per-month mbox files for a list from the stored raw
messages. With --month a single YYYY-MM file is written; otherwise every
month between --from and --to is regenerated.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := openArchive(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			if dir == "" {
				dir = env.cfg.Archive.MboxExportDir
			}
			if dir == "" {
				return fmt.Errorf("no export directory: pass --dir or set archive.mbox_export_dir")
			}
			exporter := archive.NewMboxExporter(env.database, env.raw, dir)

			listName := args[0]
			if month != "" {
				m, err := time.Parse("2006-01", month)
				if err != nil {
					return fmt.Errorf("invalid --month, want YYYY-MM: %w", err)
				}
				n, err := exporter.ExportMonth(ctx, listName, m.Year(), m.Month())
				if err != nil {
					return err
				}
				fmt.Printf("%s %s: %d messages\n", listName, month, n)
				return nil
			}

			fromTime, err := time.Parse("2006-01", from)
			if err != nil {
				return fmt.Errorf("invalid --from, want YYYY-MM: %w", err)
			}
			toTime, err := time.Parse("2006-01", to)
			if err != nil {
				return fmt.Errorf("invalid --to, want YYYY-MM: %w", err)
			}
			n, err := exporter.ExportList(ctx, listName, fromTime, toTime)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d messages\n", listName, n)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Export directory (default archive.mbox_export_dir)")
	cmd.Flags().StringVar(&month, "month", "", "Export a single month (YYYY-MM)")
	cmd.Flags().StringVar(&from, "from", "", "First month to export (YYYY-MM)")
	cmd.Flags().StringVar(&to, "to", "", "Last month to export (YYYY-MM)")
	return cmd
}
