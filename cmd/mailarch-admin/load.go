package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ietf-svn-conversion/mailarch/consts"
	"github.com/ietf-svn-conversion/mailarch/db"
)

func newLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load <list> <mbox-file>...",
		Short: "Bulk-load mbox files into a list's archive",
		Long: `Load iterates each mbox file and runs every message through the normal
ingestion path. Messages already archived are counted as duplicates and
skipped; unparseable messages are counted and skipped; a message-id
conflict or store failure aborts the file.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := openArchive(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			listName := args[0]
			for _, path := range args[1:] {
				result, err := env.archiver.LoadMboxFile(ctx, listName, path)
				fmt.Printf("%s: %s\n", path, result.String())
				if err != nil {
					return fmt.Errorf("load %s: %w", path, err)
				}
			}
			env.syncer.ProcessQueue(ctx)
			return nil
		},
	}
}

func newIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <list> [file]",
		Short: "Archive a single raw message from a file or stdin",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var raw []byte
			var err error
			if len(args) == 2 {
				raw, err = os.ReadFile(args[1])
			} else {
				raw, err = io.ReadAll(os.Stdin)
			}
			if err != nil {
				return err
			}

			env, err := openArchive(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			result, err := env.archiver.Ingest(ctx, args[0], "import", raw)
			if errors.Is(err, consts.ErrMessageConflict) {
				return fmt.Errorf("rejected: %w", err)
			}
			if err != nil {
				return err
			}

			switch result.Status {
			case db.StatusDuplicate:
				fmt.Printf("duplicate: %s already archived\n", result.Message.MsgID)
			default:
				fmt.Printf("archived: %s (thread %d)\n", result.Message.MsgID, result.Message.ThreadID)
			}
			env.syncer.ProcessQueue(ctx)
			return nil
		},
	}
}
