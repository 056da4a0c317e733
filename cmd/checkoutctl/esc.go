package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"checkoutcore/internal/checkout/esc"
)

type escStoreConfig struct {
	Redis esc.RedisConfig
	ESC   esc.Config
}

func escCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "esc",
		Short: "Inspect the cached security codes of a payer",
	}
	cmd.PersistentFlags().String("payer", "", "Payer id whose cache is used")
	_ = cmd.MarkPersistentFlagRequired("payer")

	list := &cobra.Command{
		Use:   "list",
		Short: "List the card ids with a cached code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withESC(cmd, func(ctx context.Context, m *esc.Manager) error {
				return listCards(ctx, m, cmd.OutOrStdout())
			})
		},
	}

	lookup := &cobra.Command{
		Use:   "lookup [card-id]",
		Short: "Report whether a card has a cached code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reveal, _ := cmd.Flags().GetBool("reveal")
			return withESC(cmd, func(ctx context.Context, m *esc.Manager) error {
				return lookupCard(ctx, m, args[0], reveal, cmd.OutOrStdout())
			})
		},
	}
	lookup.Flags().Bool("reveal", false, "Print the code itself")

	del := &cobra.Command{
		Use:   "delete [card-id]",
		Short: "Drop the cached code of a card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withESC(cmd, func(ctx context.Context, m *esc.Manager) error {
				if err := m.Delete(ctx, esc.CardID(args[0])); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}

	purge := &cobra.Command{
		Use:   "purge",
		Short: "Drop every cached code of the payer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withESC(cmd, func(ctx context.Context, m *esc.Manager) error {
				n, err := purgeCards(ctx, m)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d card(s)\n", n)
				return nil
			})
		},
	}

	cmd.AddCommand(list, lookup, del, purge)
	return cmd
}

// withESC opens the Redis store, scopes it to --payer and runs fn
func withESC(cmd *cobra.Command, fn func(context.Context, *esc.Manager) error) error {
	var cfg escStoreConfig
	if err := loadConfig(&cfg); err != nil {
		return err
	}
	if !cfg.ESC.Enabled {
		return errors.New("ESC_ENABLED is false")
	}
	payer, _ := cmd.Flags().GetString("payer")

	sealer, err := esc.NewSealer([]byte(cfg.Redis.Secret))
	if err != nil {
		return fmt.Errorf("ESC_SECRET: %w", err)
	}
	ctx := cmd.Context()
	client, err := esc.DialRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer client.Close()

	return fn(ctx, payerManager(esc.NewRedisStore(client, cfg.Redis.Namespace, sealer), payer, cfg.ESC, cmdLogger(cmd)))
}

// payerManager scopes store the way checkout sessions do
func payerManager(store esc.Store, payer string, cfg esc.Config, logger *slog.Logger) *esc.Manager {
	return esc.NewManager(esc.Scoped(store, payer), cfg, logger)
}

func listCards(ctx context.Context, m *esc.Manager, w io.Writer) error {
	ids, err := m.SavedCardIDs(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Fprintln(w, "no cached codes")
		return nil
	}
	slices.Sort(ids)
	for _, id := range ids {
		fmt.Fprintln(w, id)
	}
	return nil
}

func lookupCard(ctx context.Context, m *esc.Manager, cardID string, reveal bool, w io.Writer) error {
	code, ok := m.Lookup(ctx, esc.CardID(cardID))
	switch {
	case !ok:
		fmt.Fprintf(w, "%s: not cached\n", cardID)
	case reveal:
		fmt.Fprintf(w, "%s: %s\n", cardID, code)
	default:
		fmt.Fprintf(w, "%s: cached\n", cardID)
	}
	return nil
}

func purgeCards(ctx context.Context, m *esc.Manager) (int, error) {
	ids, err := m.SavedCardIDs(ctx)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := m.Delete(ctx, esc.CardID(id)); err != nil {
			return 0, fmt.Errorf("deleting %s: %w", id, err)
		}
	}
	return len(ids), nil
}
