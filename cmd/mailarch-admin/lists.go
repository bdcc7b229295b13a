package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ietf-svn-conversion/mailarch/mailman"
)

func newListsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lists",
		Short: "Inspect and synchronize the list directory",
	}
	cmd.AddCommand(
		newListsShowCmd(),
		newListsSyncMembershipCmd(),
		newListsSubscriberCountsCmd(),
		newListsCheckInactiveCmd(),
	)
	return cmd
}

func newListsShowCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the list inventory",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			lists, err := env.database.Lists(ctx, activeOnly)
			if err != nil {
				return err
			}
			for _, l := range lists {
				visibility := "public"
				if l.Private {
					visibility = "private"
				}
				state := "active"
				if !l.Active {
					state = "inactive"
				}
				fmt.Printf("%-40s %-8s %s\n", l.Name, visibility, state)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "Only show active lists")
	return cmd
}

func mailmanSyncer(env *adminEnv) (*mailman.Syncer, error) {
	client, err := mailman.NewClient(&env.cfg.Mailman)
	if err != nil {
		return nil, err
	}
	exporter := mailman.NewXMLExporter(env.database, &env.cfg.Mailman)
	return mailman.NewSyncer(env.database, client, exporter), nil
}

func newListsSyncMembershipCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-membership",
		Short: "Pull private-list membership from Mailman and export access config",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			syncer, err := mailmanSyncer(env)
			if err != nil {
				return err
			}
			report, err := syncer.SyncMembership(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("processed %d lists, %d changed\n", report.ListsProcessed, report.ListsChanged)
			return nil
		},
	}
}

func newListsSubscriberCountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "subscriber-counts",
		Short: "Record current subscriber counts from Mailman",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			syncer, err := mailmanSyncer(env)
			if err != nil {
				return err
			}
			updated, err := syncer.RefreshSubscriberCounts(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("recorded counts for %d lists\n", updated)
			return nil
		},
	}
}

func newListsCheckInactiveCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "check-inactive",
		Short: "Mark lists inactive that left Mailman and stopped receiving mail",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			syncer, err := mailmanSyncer(env)
			if err != nil {
				return err
			}

			confirm := func(string) bool { return true }
			if !yes {
				reader := bufio.NewReader(os.Stdin)
				confirm = func(name string) bool {
					fmt.Printf("mark %s inactive? [y/N] ", name)
					line, err := reader.ReadString('\n')
					if err != nil {
						return false
					}
					answer := strings.ToLower(strings.TrimSpace(line))
					return answer == "y" || answer == "yes"
				}
			}

			marked, err := syncer.MarkInactive(ctx, confirm)
			if err != nil {
				return err
			}
			for _, name := range marked {
				fmt.Printf("marked inactive: %s\n", name)
			}
			fmt.Printf("%d lists marked inactive\n", len(marked))
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Do not prompt before marking lists inactive")
	return cmd
}
