package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parleychat/parley/pkg/storage"
	"github.com/spf13/cobra"
)

var dataCmd = &cobra.Command{
	Use:   "data",
	Short: "Inspect or repair a stopped server's data directory",
	Long: `Offline maintenance of a server's data directory. The server must be
stopped: the database is locked while it runs.`,
}

var dataInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print realms, users, linkifiers and persisted queues",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openData(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		realms, err := store.ListRealms()
		if err != nil {
			return err
		}
		fmt.Printf("%-6s %-20s %-8s %-8s %-10s\n", "ID", "STRING_ID", "USERS", "ACTIVE", "LINKIFIERS")
		for _, r := range realms {
			users, err := store.ListUsers(r.ID)
			if err != nil {
				return err
			}
			active, err := store.ListActiveUserIDs(r.ID)
			if err != nil {
				return err
			}
			linkifiers, err := store.ListLinkifiers(r.ID)
			if err != nil {
				return err
			}
			name := r.StringID
			if r.Deactivated {
				name += " (deactivated)"
			}
			fmt.Printf("%-6d %-20s %-8d %-8d %-10d\n", r.ID, name, len(users), len(active), len(linkifiers))
		}

		queues, err := store.LoadQueues()
		if err != nil {
			return err
		}
		fmt.Printf("\nPersisted event queues: %d\n", len(queues))
		return nil
	},
}

var dataDropQueuesCmd = &cobra.Command{
	Use:   "drop-queues",
	Short: "Delete the event queues persisted at the last shutdown",
	Long: `Delete the event queues persisted at the last shutdown, so the next start
restores none. Clients then get BAD_EVENT_QUEUE_ID and register again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		store, err := openData(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		queues, err := store.LoadQueues()
		if err != nil {
			return err
		}
		if dryRun {
			fmt.Printf("Would drop %d persisted queues\n", len(queues))
			return nil
		}
		if err := store.SaveQueues(map[string][]byte{}); err != nil {
			return fmt.Errorf("failed to drop queues: %w", err)
		}
		fmt.Printf("✓ Dropped %d persisted queues\n", len(queues))
		return nil
	},
}

// openData opens the store of --data-dir, first writing a backup copy
// unless --backup is "-"
func openData(cmd *cobra.Command) (*storage.BoltStore, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	backup, _ := cmd.Flags().GetString("backup")

	if _, err := os.Stat(filepath.Join(dataDir, "parley.db")); err != nil {
		return nil, fmt.Errorf("no database in %s: %w", dataDir, err)
	}
	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open database (is the server still running?): %w", err)
	}

	if backup == "-" {
		return store, nil
	}
	if backup == "" {
		backup = filepath.Join(dataDir, fmt.Sprintf("parley.db.%s.backup", time.Now().Format("20060102T150405")))
	}
	f, err := os.OpenFile(backup, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create backup: %w", err)
	}
	defer f.Close()

	n, err := store.Backup(f)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to write backup: %w", err)
	}
	fmt.Fprintf(os.Stderr, "✓ Backup written to %s (%d bytes)\n", backup, n)
	return store, nil
}

func init() {
	for _, cmd := range []*cobra.Command{dataInspectCmd, dataDropQueuesCmd} {
		cmd.Flags().String("data-dir", "./parley-data", "Server data directory")
		cmd.Flags().String("backup", "", `Backup file written before opening (default: timestamped file in the data directory, "-" to skip)`)
		dataCmd.AddCommand(cmd)
	}
	dataDropQueuesCmd.Flags().Bool("dry-run", false, "Show what would be dropped without making changes")

	rootCmd.AddCommand(dataCmd)
}
