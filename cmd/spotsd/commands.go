package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/pablormago/SpotsAndroid-public-sub002/internal/spots"
	"github.com/spf13/cobra"
)

const (
	defaultPruneAge   = 30 * 24 * time.Hour
	defaultPruneLimit = 500
)

func newBackfillCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Run one backfill pass over unresolved spot fields",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			result, err := app.coordinator.RunPass(cmd.Context())
			for _, field := range spots.Fields() {
				fieldResult, ok := result[field]
				if !ok {
					continue
				}
				fmt.Printf("%-14s selected=%d %s %s skipped=%d\n",
					field,
					fieldResult.Selected,
					color.GreenString("resolved=%d", fieldResult.Resolved),
					failureColor(fieldResult.Failed).Sprintf("failed=%d", fieldResult.Failed),
					fieldResult.Skipped)
			}
			return err
		},
	}
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replicate remote spot changes into the local cache once",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			result, err := app.replicator.SyncOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("%s upserted=%d tombstoned=%d skipped=%d pages=%d\n",
				color.GreenString("sync complete"),
				result.Upserted, result.Tombstoned, result.Skipped, result.Pages)
			return nil
		},
	}
}

func newPruneCommand() *cobra.Command {
	var (
		olderThan time.Duration
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete local tombstones whose remote document is gone",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			cutoff := time.Now().Add(-olderThan).UnixMilli()
			removed, err := app.replicator.PruneConfirmedGone(cmd.Context(), cutoff, limit)
			if err != nil {
				return err
			}
			fmt.Printf("%s %d tombstones\n", color.YellowString("pruned"), removed)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", defaultPruneAge, "Only prune tombstones deleted at least this long ago")
	cmd.Flags().IntVar(&limit, "limit", defaultPruneLimit, "Maximum tombstones inspected")
	return cmd
}

func newTokenCommand() *cobra.Command {
	var (
		userID      string
		displayName string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			issuer, err := app.tokenIssuer()
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueToken(userID, displayName)
			if err != nil {
				return err
			}
			fmt.Println(token)
			fmt.Println(color.New(color.Faint).Sprintf("expires %s", expiresAt.Format(time.RFC3339)))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id placed in the token subject")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name carried in the token")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func failureColor(failed int) *color.Color {
	if failed > 0 {
		return color.New(color.FgRed)
	}
	return color.New(color.FgGreen)
}
