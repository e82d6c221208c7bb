/*
Copyright 2026 Altaira Labs.

SPDX-License-Identifier: Apache-2.0

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command workspace-admin is an operator CLI for the workspace
// persistence engine: triggering retention runs, inspecting sessions
// and checkpoints, and rotating a user's encryption key by hand.
package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cortexlane/workspace-engine/internal/workspace"
	"github.com/cortexlane/workspace-engine/internal/workspace/checkpointstore"
	"github.com/cortexlane/workspace-engine/internal/workspace/crypto"
	"github.com/cortexlane/workspace-engine/internal/workspace/keymanager"
	"github.com/cortexlane/workspace-engine/internal/workspace/providers/postgres"
	"github.com/cortexlane/workspace-engine/internal/workspace/scheduler"
	"github.com/cortexlane/workspace-engine/internal/workspace/serializer"
	"github.com/cortexlane/workspace-engine/internal/workspace/sessionstore"
	"github.com/cortexlane/workspace-engine/pkg/logging"
	"github.com/cortexlane/workspace-engine/pkg/metrics"
)

var (
	// Version is set via ldflags at build time.
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "workspace-admin",
	Short:   "Operate the workspace persistence engine",
	Long:    "workspace-admin is an operator CLI for the workspace session,\ncheckpoint, and key-rotation engine: it talks directly to the durable\nstore, bypassing the HTTP API, for break-glass and maintenance use.",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("postgres-conn", os.Getenv("WORKSPACE_POSTGRES_CONN"), "PostgreSQL connection string")

	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)

	rootCmd.AddCommand(checkpointsCmd)
	checkpointsCmd.AddCommand(checkpointsStatsCmd)

	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysRotateCmd)

	rootCmd.AddCommand(retentionCmd)
	retentionCmd.AddCommand(retentionRunCmd)
	retentionRunCmd.Flags().Bool("dry-run", false, "report what would change without writing")
}

func connectStore(cmd *cobra.Command) (*postgres.Provider, error) {
	connStr, _ := cmd.Flags().GetString("postgres-conn")
	if connStr == "" {
		return nil, fmt.Errorf("--postgres-conn (or WORKSPACE_POSTGRES_CONN) is required")
	}
	cfg := postgres.DefaultConfig()
	cfg.ConnString = connStr
	return postgres.New(cmd.Context(), cfg)
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect workspace sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user-id")
		if userID == "" {
			return fmt.Errorf("--user-id is required")
		}

		store, err := connectStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		ser := serializer.New(serializer.DefaultConfig(), crypto.NewDefault())
		sessions := sessionstore.New(store, ser)

		page, err := sessions.ListSessions(cmd.Context(), workspace.SessionListFilter{
			UserID: userID, Page: 0, PageSize: 100,
		})
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tACTIVE\tVERSION\tLAST SAVED")
		for _, s := range page.Sessions {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\t%s\n", s.ID, s.Name, s.Status, s.IsActive, s.Version, s.LastSavedAt)
		}
		return tw.Flush()
	},
}

func init() {
	sessionsListCmd.Flags().String("user-id", "", "user to list sessions for")
}

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Inspect session checkpoints",
}

var checkpointsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show checkpoint statistics for a session",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session-id")
		if sessionID == "" {
			return fmt.Errorf("--session-id is required")
		}

		store, err := connectStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		ser := serializer.New(serializer.DefaultConfig(), crypto.NewDefault())
		checkpoints := checkpointstore.New(store, store, ser, 50)

		stats, err := checkpoints.GetCheckpointStatistics(cmd.Context(), sessionID)
		if err != nil {
			return err
		}

		fmt.Printf("Count:             %d\n", stats.Count)
		fmt.Printf("Total size:        %d bytes\n", stats.TotalSize)
		fmt.Printf("Average size:      %.1f bytes\n", stats.AverageSize)
		fmt.Printf("Compression ratio: %.3f\n", stats.CompressionRatio)
		for priority, count := range stats.CountByPriority {
			fmt.Printf("  priority=%s: %d\n", priority, count)
		}
		return nil
	},
}

func init() {
	checkpointsStatsCmd.Flags().String("session-id", "", "session to report statistics for")
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage user encryption keys",
}

var keysRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate a user's encryption key",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user-id")
		keyID, _ := cmd.Flags().GetString("key-id")
		currentPassword, _ := cmd.Flags().GetString("current-password")
		newPassword, _ := cmd.Flags().GetString("new-password")
		force, _ := cmd.Flags().GetBool("force")
		if userID == "" || keyID == "" || newPassword == "" {
			return fmt.Errorf("--user-id, --key-id, and --new-password are required")
		}

		store, err := connectStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		keys := keymanager.New(store, crypto.NewDefault(), keymanager.DefaultConfig())

		result, err := keys.RotateUserKey(cmd.Context(), keymanager.RotateUserKeyRequest{
			UserID:          userID,
			KeyID:           keyID,
			CurrentPassword: currentPassword,
			NewPassword:     newPassword,
			ForceRotation:   force,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Rotated to key %s (old key deactivated: %t, migration required: %t)\n",
			result.NewKey.KeyID, result.OldKeyDeactivated, result.MigrationRequired)
		return nil
	},
}

func init() {
	keysRotateCmd.Flags().String("user-id", "", "key owner")
	keysRotateCmd.Flags().String("key-id", "", "key to rotate")
	keysRotateCmd.Flags().String("current-password", "", "current password")
	keysRotateCmd.Flags().String("new-password", "", "new password")
	keysRotateCmd.Flags().Bool("force", false, "rotate even if the key is not yet due for rotation")
}

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Run retention and key-rotation maintenance",
}

var retentionRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single retention and key-rotation pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		store, err := connectStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		keys := keymanager.New(store, crypto.NewDefault(), keymanager.DefaultConfig())

		log, err := logging.NewZapLogger()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		cfg := scheduler.DefaultConfig()
		cfg.DryRun = dryRun
		engine := scheduler.NewEngine(store, keys, cfg, metrics.NewRetentionSchedulerMetrics(), log.Sugar())

		result, err := engine.Run(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Sessions expired:   %d\n", result.SessionsExpired)
		fmt.Printf("Checkpoints pruned: %d\n", result.CheckpointsPruned)
		fmt.Printf("Keys rotated:       %d\n", result.KeysRotated)
		fmt.Printf("Space freed:        %d bytes\n", result.SpaceFreedBytes)
		if len(result.Errors) > 0 {
			fmt.Printf("Errors:             %d\n", len(result.Errors))
			for _, e := range result.Errors {
				fmt.Println("  -", e)
			}
		}
		return nil
	},
}
