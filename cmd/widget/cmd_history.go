package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/siacasa/widget-sync/internal/archive"
	"github.com/siacasa/widget-sync/internal/session"
)

var (
	historyLimit   int
	historySession string
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "number of entries to show")
	historyCmd.Flags().StringVar(&historySession, "session", "", "session id (default: the stored session)")
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the archived transcript of a session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.PostgresDSN == "" {
			return fmt.Errorf("history needs WIDGET_POSTGRES_DSN")
		}

		ctx := context.Background()
		sessionID := historySession
		if sessionID == "" {
			store, closeStore, err := identityStore(cfg)
			if err != nil {
				return err
			}
			id, err := store.Load(ctx)
			closeStore()
			if err != nil {
				if errors.Is(err, session.ErrNotFound) {
					fmt.Fprintln(cmd.OutOrStdout(), "No stored session.")
					return nil
				}
				return err
			}
			sessionID = id.SessionID
		}

		arch, err := archive.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer arch.Close()

		records, err := arch.Recent(ctx, sessionID, historyLimit)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No messages found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tCHANNEL\tFROM\tMESSAGE")
		for _, r := range records {
			when := r.CreatedAt
			if !r.Message.Timestamp.IsZero() {
				when = r.Message.Time()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				when.Local().Format("2006-01-02 15:04:05"),
				r.Channel,
				r.Message.DisplayName(),
				r.Message.Content,
			)
		}
		return w.Flush()
	},
}
