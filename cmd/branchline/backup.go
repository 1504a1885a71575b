package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/branchline/branchline/pkg/config"
	"github.com/branchline/branchline/pkg/credstore"
)

// Backup commands operate directly on the credential store, for offline
// maintenance. The database is single-writer; stop the server first.
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Inspect and restore credential backups",
}

var backupListCmd = &cobra.Command{
	Use:   "list BRANCH_ID",
	Short: "List a branch's retained credential backups",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		backups, err := store.ListBackups(args[0])
		if err != nil {
			return err
		}
		if len(backups) == 0 {
			fmt.Println("No backups.")
			return nil
		}
		for _, b := range backups {
			fmt.Printf("%s\t%s\n", b.ID, b.CreatedAt.Format("2006-01-02 15:04:05 MST"))
		}
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore BRANCH_ID BACKUP_ID",
	Short: "Replace a branch's live credentials with a backup",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Restore(args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Restored backup %s for branch %s\n", args[1], args[0])
		return nil
	},
}

var backupExportCmd = &cobra.Command{
	Use:   "export BRANCH_ID FILE",
	Short: "Export a branch's live credentials to a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := credstore.ExportToFile(store, args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Exported credentials for branch %s to %s\n", args[0], args[1])
		return nil
	},
}

var backupImportCmd = &cobra.Command{
	Use:   "import BRANCH_ID FILE",
	Short: "Import credentials for a branch from a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := credstore.ImportFromFile(store, args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Imported credentials for branch %s from %s\n", args[0], args[1])
		return nil
	},
}

func openStore(cmd *cobra.Command) (credstore.Store, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return credstore.NewBoltStore(cfg.DataDir, cfg.Defaults.BackupRing)
}

func init() {
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	backupCmd.AddCommand(backupExportCmd)
	backupCmd.AddCommand(backupImportCmd)

	backupCmd.PersistentFlags().String("config", "branchline.yaml", "Path to fleet configuration file")
}
