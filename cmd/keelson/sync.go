package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keelson-run/keelson/pkg/backup"
	"github.com/keelson-run/keelson/pkg/log"
)

var (
	syncForce    bool
	syncSkipRepo bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Back up container state to the durable store",
	Long: `Run one backup sync against the supervised container.

The sync runs a three-check safety gate before touching the durable
store: the restore-complete marker must be present, the container must be
old enough, and it must hold meaningful state. --force bypasses the age
and meaningful-state checks; the restore-complete check always applies.

When a workspace backup repository is configured, the workspace is also
pushed after the store sync.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		res := a.engine.Sync(ctx, backup.SyncOptions{Force: syncForce})
		printResult("store sync", res)
		failed := !res.Success

		if a.repo != nil && !syncSkipRepo {
			repoRes := a.repo.Sync(ctx)
			printResult("workspace backup", repoRes)
			failed = failed || !repoRes.Success
		}

		if failed {
			return fmt.Errorf("sync failed")
		}
		return nil
	},
}

func printResult(name string, res backup.SyncResult) {
	switch {
	case res.Success && res.LastSync != "":
		fmt.Printf("%s: ok (last sync %s)\n", name, res.LastSync)
	case res.Success:
		fmt.Printf("%s: ok\n", name)
	default:
		fmt.Printf("%s: failed: %s\n", name, res.ErrorMessage())
		if res.Detail != "" {
			fmt.Printf("  %s\n", res.Detail)
		}
		log.Warn("sync attempt failed", "step", name, "err", res.ErrorMessage())
	}
}

func init() {
	syncCmd.Flags().BoolVarP(&syncForce, "force", "f", false, "Bypass the age and meaningful-state safety checks")
	syncCmd.Flags().BoolVar(&syncSkipRepo, "skip-repo", false, "Skip the workspace repository backup")
	rootCmd.AddCommand(syncCmd)
}
