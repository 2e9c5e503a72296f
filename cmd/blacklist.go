package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/screener-cli/internal/store"
)

var blacklistCmd = &cobra.Command{
	Use:   "blacklist",
	Short: "Manage assets excluded from every run",
}

// openMigratedStore opens the store and applies the schema.
func openMigratedStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("migrate"); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := migrateStore(ctx, st, migrateRetryConfig()); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// -- blacklist add --

var blacklistAddCmd = &cobra.Command{
	Use:   "add <symbol>...",
	Short: "Exclude assets by unified id, native symbol or base asset",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openMigratedStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		reason, _ := cmd.Flags().GetString("reason")
		now := time.Now().UTC()
		for _, sym := range args {
			entry := store.BlacklistEntry{Symbol: store.NormalizeSymbol(sym), Reason: reason, AddedAt: now}
			if err := st.AddBlacklist(ctx, entry); err != nil {
				return eris.Wrapf(err, "blacklist add %s", sym)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", entry.Symbol)
		}
		return nil
	},
}

// -- blacklist remove --

var blacklistRemoveCmd = &cobra.Command{
	Use:   "remove <symbol>",
	Short: "Allow a blacklisted asset again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openMigratedStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sym := store.NormalizeSymbol(args[0])
		if err := st.RemoveBlacklist(ctx, sym); err != nil {
			return eris.Wrapf(err, "blacklist remove %s", sym)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", sym)
		return nil
	},
}

// -- blacklist list --

var blacklistListCmd = &cobra.Command{
	Use:   "list",
	Short: "List blacklisted assets",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := openMigratedStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entries, err := st.ListBlacklist(ctx)
		if err != nil {
			return eris.Wrap(err, "blacklist list")
		}
		if len(entries) == 0 && len(cfg.Screener.Blacklist) == 0 {
			fmt.Fprintln(os.Stderr, "Blacklist is empty.")
			return nil
		}
		formatBlacklist(cmd.OutOrStdout(), entries, cfg.Screener.Blacklist)
		return nil
	},
}

func init() {
	blacklistAddCmd.Flags().String("reason", "", "why the asset is excluded")

	blacklistCmd.AddCommand(blacklistAddCmd)
	blacklistCmd.AddCommand(blacklistRemoveCmd)
	blacklistCmd.AddCommand(blacklistListCmd)
	rootCmd.AddCommand(blacklistCmd)
}

// formatBlacklist writes stored entries followed by the configured ones.
func formatBlacklist(out io.Writer, entries []store.BlacklistEntry, configured []string) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SYMBOL\tSOURCE\tADDED\tREASON")
	_, _ = fmt.Fprintln(w, "------\t------\t-----\t------")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\tstore\t%s\t%s\n", e.Symbol, e.AddedAt.Format("2006-01-02 15:04"), e.Reason)
	}
	for _, sym := range configured {
		_, _ = fmt.Fprintf(w, "%s\tconfig\t-\t\n", strings.ToUpper(sym))
	}
	_ = w.Flush()
}
