package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/siacasa/widget-sync/internal/backend"
	"github.com/siacasa/widget-sync/internal/session"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionShowCmd, sessionResetCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage the stored chat identity",
}

var sessionShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the stored session and ticket",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, closeStore, err := identityStore(cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		id, err := session.Ensure(context.Background(), store)
		if err != nil {
			return err
		}
		ticket := id.TicketID
		if ticket == "" {
			ticket = "-"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "session: %s\nticket:  %s\nstore:   %s (%s)\n", id.SessionID, ticket, cfg.Store, cfg.Profile)
		return nil
	},
}

var sessionResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Start a new conversation with a fresh session id",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, closeStore, err := identityStore(cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		ctx := context.Background()
		old, err := session.Ensure(ctx, store)
		if err != nil {
			return err
		}
		id, err := session.Rotate(ctx, store)
		if err != nil {
			return err
		}

		if err := backend.New(cfg.Backend()).ResetConversation(ctx, old.SessionID); err != nil {
			slog.Warn("backend reset failed", "session_id", old.SessionID, "error", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "session reset: %s -> %s\n", old.SessionID, id.SessionID)
		return nil
	},
}
