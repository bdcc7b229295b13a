// mailarch-admin is the operator tool for the mail archive: bulk mbox
// loading, single-message injection, store/index reconciliation, list
// directory synchronization and monthly mbox export.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ietf-svn-conversion/mailarch/archive"
	"github.com/ietf-svn-conversion/mailarch/config"
	"github.com/ietf-svn-conversion/mailarch/db"
	"github.com/ietf-svn-conversion/mailarch/index"
	"github.com/ietf-svn-conversion/mailarch/logger"
	"github.com/ietf-svn-conversion/mailarch/storage"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "mailarch-admin",
		Short:         "Administration tool for the mail archive",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.toml", "Path to TOML configuration file")

	rootCmd.AddCommand(
		newLoadCmd(),
		newIngestCmd(),
		newCheckIndexCmd(),
		newCompareCmd(),
		newListsCmd(),
		newExportMboxCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// adminEnv holds the shared services an admin command wires up. Not
// every command opens every service; nil fields were not requested.
type adminEnv struct {
	cfg      *config.Config
	database *db.Database
	raw      storage.RawStore
	index    *index.SQLiteIndex
	syncer   *index.Syncer
	archiver *archive.Archiver

	closers []func()
}

func (e *adminEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if _, err := logger.Initialize(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	return cfg, nil
}

// openStore opens the database only.
func openStore(ctx context.Context) (*adminEnv, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	env := &adminEnv{cfg: cfg}

	env.database, err = db.NewDatabase(ctx, &cfg.Database)
	if err != nil {
		return nil, err
	}
	env.closers = append(env.closers, env.database.Close)
	return env, nil
}

// openArchive opens everything ingestion needs: database, raw storage,
// search index and the index syncer feeding it.
func openArchive(ctx context.Context) (*adminEnv, error) {
	env, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	env.raw, err = storage.New(&env.cfg.Storage)
	if err != nil {
		env.Close()
		return nil, err
	}

	env.index, err = index.OpenSQLite(ctx, env.cfg.Index.Path)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.closers = append(env.closers, func() { env.index.Close() })

	env.syncer, err = index.NewSyncer(ctx, &env.cfg.Index, env.index)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.closers = append(env.closers, func() { env.syncer.Close() })

	env.archiver, err = archive.NewArchiver(env.database, env.raw, env.syncer, &env.cfg.Archive)
	if err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}
