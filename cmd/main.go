package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"habitsync/internal/app"
	"habitsync/internal/config"
	"habitsync/internal/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "habitsync",
	Short: "Migrate and back up habit tracker data",
	Long:  `A resumable migration and backup tool for habit tracker data: moves locally stored habits, completions, XP and settings to an S3-compatible remote store, and manages local backup snapshots.`,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate <user-id>",
	Short: "Run or resume the migration for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return a.Migrate(ctx, args[0])
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <user-id>",
	Short: "Show the persisted migration state for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			state, err := a.MigrationStatus(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("status:          %s\n", state.Status)
			fmt.Printf("items processed: %d\n", state.ItemsProcessed)
			fmt.Printf("total items:     %d\n", state.TotalItems)
			if state.LastItemKey != "" {
				fmt.Printf("last item key:   %s\n", state.LastItemKey)
			}
			if state.Error != "" {
				fmt.Printf("error:           %s\n", state.Error)
			}
			return nil
		})
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <user-id>",
	Short: "Clear the migration record so the next run starts over",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return a.ResetMigration(ctx, args[0])
		})
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause <user-id>",
	Short: "Pause a running migration at the next batch boundary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return a.PauseMigration(ctx, args[0])
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <user-id>",
	Short: "Cancel the migration for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return a.CancelMigration(ctx, args[0], reason)
		})
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage local backup snapshots",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create <user-id>",
	Short: "Create a backup snapshot of the user's local data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			snap, err := a.CreateBackup(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("created backup %s (%d habits, %d bytes)\n", snap.ID, snap.HabitCount, snap.FileSize)
			return nil
		})
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list <user-id>",
	Short: "List the user's backup snapshots, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			snaps, err := a.ListBackups(ctx, args[0])
			if err != nil {
				return err
			}
			if len(snaps) == 0 {
				fmt.Println("no backups found")
				return nil
			}
			for _, s := range snaps {
				fmt.Printf("%s  %s  habits=%d  size=%d  app=%s\n",
					s.ID, s.CreatedAt.Format("2006-01-02 15:04:05"), s.HabitCount, s.FileSize, s.AppVersion)
			}
			return nil
		})
	},
}

var backupVerifyCmd = &cobra.Command{
	Use:   "verify <user-id> <backup-id>",
	Short: "Verify a backup snapshot's integrity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.VerifyBackup(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("backup %s verified\n", args[1])
			return nil
		})
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <user-id> <backup-id>",
	Short: "Restore a backup snapshot into the local store",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			result, err := a.RestoreBackup(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("restored %d habits, %d completions, %d settings\n",
				result.HabitsRestored, result.CompletionsRestored, result.SettingsRestored)
			return nil
		})
	},
}

var backupDeleteCmd = &cobra.Command{
	Use:   "delete <user-id> <backup-id>",
	Short: "Delete a backup snapshot and its metadata",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return a.DeleteBackup(ctx, args[0], args[1])
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")

	// Remote store flags
	rootCmd.PersistentFlags().String("remote-endpoint", "", "Remote store endpoint")
	rootCmd.PersistentFlags().String("remote-access-key", "", "Remote store access key")
	rootCmd.PersistentFlags().String("remote-secret-key", "", "Remote store secret key")
	rootCmd.PersistentFlags().String("remote-bucket", "", "Remote store bucket (required)")
	rootCmd.PersistentFlags().Bool("remote-secure", false, "Use HTTPS for the remote store")

	// Local store flags
	rootCmd.PersistentFlags().String("db", "./habitsync.db", "Local database file")

	// Migration flags
	rootCmd.PersistentFlags().Int("batch-size", 50, "Items per migration batch")
	rootCmd.PersistentFlags().Int("write-concurrency", 4, "Concurrent remote writes per batch")
	rootCmd.PersistentFlags().Float64("rate-limit", 0, "Remote writes per second (0 disables pacing)")
	rootCmd.PersistentFlags().String("state-store", "remote", "Where migration state lives (remote/local)")
	rootCmd.PersistentFlags().String("state-db", "./migration-state.db", "State database file for the local state store")
	rootCmd.PersistentFlags().Bool("show-progress", true, "Show progress display during migration")

	// Backup flags
	rootCmd.PersistentFlags().String("backup-dir", "./backups", "Backup snapshot directory")
	rootCmd.PersistentFlags().Int("backup-keep", 10, "Snapshots to keep per user during rotation")
	rootCmd.PersistentFlags().Bool("backup-compress", true, "Gzip backup payloads")

	rootCmd.PersistentFlags().String("admin-listen", "", "Admin HTTP listen address (empty disables)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug/info/warn/error)")

	cancelCmd.Flags().String("reason", "", "Reason recorded with the cancellation")

	backupCmd.AddCommand(backupCreateCmd, backupListCmd, backupVerifyCmd, backupRestoreCmd, backupDeleteCmd)
	rootCmd.AddCommand(migrateCmd, statusCmd, resetCmd, pauseCmd, cancelCmd, backupCmd)
}

// withApp loads config, builds the app and runs fn with a signal-aware
// context, closing everything afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	a, err := app.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		<-sigChan
		log.Info("Received shutdown signal, gracefully stopping...")
		cancel()
	}()

	err = fn(ctx, a)

	if closeErr := a.Close(); closeErr != nil {
		log.Error("Error closing app", zap.Error(closeErr))
	}

	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
