package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"siteops/internal/backup"
	"siteops/internal/remote"
)

var (
	backupType      string
	backupRetention int
	backupNoCleanup bool
	backupYes       bool
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create a backup and prune expired ones",
	Long: `Without a subcommand, create a backup of the given type and then remove
backups older than the retention window.

Types:
  full    the whole application directory
  data    <app_dir>/data
  config  <app_dir>/config`,
	Args: cobra.NoArgs,
	RunE: runBackup,
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a backup",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackups(cmd.Context(), func(ctx context.Context, m *backup.Manager, retention int) error {
			return create(ctx, m)
		})
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List remote and local backups",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackups(cmd.Context(), func(ctx context.Context, m *backup.Manager, retention int) error {
			names, err := m.List(ctx)
			if err != nil {
				return err
			}
			if len(names) == 0 {
				fmt.Println("No backups found")
				return nil
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		})
	},
}

var backupCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove backups older than the retention window",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackups(cmd.Context(), cleanup)
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore NAME",
	Short: "Restore a backup over the application directory",
	Long: `Extract a remote backup and synchronise it over its target directory.
Files in the target that are not in the backup are deleted.

Example:
  siteops backup restore backup_data_20240115_103000.tar.gz --type data`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		t, err := backup.ParseType(backupType)
		if err != nil {
			return err
		}
		if !backupYes {
			ok, err := confirm(fmt.Sprintf("Restore %s over the %s directory? Newer files will be lost.", name, t))
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("Restore cancelled")
				return nil
			}
		}
		return withBackups(cmd.Context(), func(ctx context.Context, m *backup.Manager, retention int) error {
			if err := m.Restore(ctx, name, t); err != nil {
				return err
			}
			fmt.Printf("Restored %s\n", name)
			return nil
		})
	},
}

func init() {
	backupCmd.PersistentFlags().StringVar(&backupType, "type", string(backup.TypeFull), "Backup type: full, data, config")
	backupCmd.PersistentFlags().IntVar(&backupRetention, "retention-days", 0, "Override backup.retention_days")
	backupCmd.Flags().BoolVar(&backupNoCleanup, "no-cleanup", false, "Skip removing expired backups")
	backupRestoreCmd.Flags().BoolVarP(&backupYes, "yes", "y", false, "Do not ask for confirmation")

	backupCmd.AddCommand(backupCreateCmd, backupListCmd, backupCleanupCmd, backupRestoreCmd)
}

// withBackups opens a short-lived session for one backup workflow.
func withBackups(ctx context.Context, fn func(ctx context.Context, m *backup.Manager, retention int) error) error {
	e, err := setup(nil)
	if err != nil {
		return err
	}
	defer e.Close()

	retention := e.cfg.Backup.RetentionDays
	if backupRetention > 0 {
		retention = backupRetention
	}
	return remote.WithSession(ctx, e.cfg.Server, promptPassword, e.logger, func(s *remote.Session) error {
		return fn(ctx, backup.New(e.cfg, s, e.logger), retention)
	})
}

func runBackup(cmd *cobra.Command, args []string) error {
	return withBackups(cmd.Context(), func(ctx context.Context, m *backup.Manager, retention int) error {
		if err := create(ctx, m); err != nil {
			return err
		}
		if backupNoCleanup {
			return nil
		}
		return cleanup(ctx, m, retention)
	})
}

func create(ctx context.Context, m *backup.Manager) error {
	t, err := backup.ParseType(backupType)
	if err != nil {
		return err
	}
	b, err := m.Create(ctx, t)
	if b != nil {
		fmt.Printf("Created %s (%d bytes)\n", b.Name, b.Size)
		fmt.Printf("  Remote: %s\n", b.RemotePath)
		fmt.Printf("  Local:  %s\n", b.LocalPath)
		if b.OffsiteKey != "" {
			fmt.Printf("  S3:     %s\n", b.OffsiteKey)
		}
	}
	return err
}

func cleanup(ctx context.Context, m *backup.Manager, retention int) error {
	report, err := m.Cleanup(ctx, retention)
	if report != nil {
		fmt.Printf("Removed %d backups older than %s (kept %d)\n",
			report.Deleted(), report.Cutoff.Format("2006-01-02 15:04"), report.Kept)
	}
	return err
}
