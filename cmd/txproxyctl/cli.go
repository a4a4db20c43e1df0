package main

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/txproxy/txproxy/internal/config"
	"github.com/txproxy/txproxy/internal/storage"
)

// CLI is the administrative inspector for a deployed engine (§10): it reads
// and administers persisted state through the storage.Adapter contract
// directly and never opens a Transaction(...) block itself.
type CLI struct {
	cfg    *config.Config
	logger *slog.Logger
}

// NewCLI creates a new CLI.
func NewCLI(cfg *config.Config, logger *slog.Logger) *CLI {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLI{cfg: cfg, logger: logger}
}

// GetRootCommand returns the root CLI command.
func (cli *CLI) GetRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "txproxyctl",
		Short: "Administrative inspector for a deployed transaction engine",
		Long: "Inspects and administers persisted transaction state (savepoints, log entries) " +
			"through the storage adapter. Never opens a transactional block of its own.",
	}

	rootCmd.AddCommand(
		cli.listCommand(),
		cli.dumpCommand(),
		cli.resetCommand(),
		cli.healthCommand(),
	)

	return rootCmd
}

// Execute runs the CLI.
func (cli *CLI) Execute() error {
	return cli.GetRootCommand().Execute()
}

func (cli *CLI) withAdapter(ctx context.Context, fn func(storage.Adapter) error) error {
	adapter, err := storage.NewAdapter(ctx, cli.cfg, cli.logger)
	if err != nil {
		return fmt.Errorf("connect to storage: %w", err)
	}
	defer adapter.Close()

	return fn(adapter)
}

func (cli *CLI) listCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List transaction identifiers with at least one persisted section",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			return cli.withAdapter(ctx, func(adapter storage.Adapter) error {
				ids, err := adapter.TransactionIdentifiers(ctx)
				if err != nil {
					return fmt.Errorf("list transaction identifiers: %w", err)
				}

				sort.Strings(ids)
				for _, id := range ids {
					fmt.Println(id)
				}
				return nil
			})
		},
	}

	return cmd
}

func (cli *CLI) dumpCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump <transaction-id>",
		Short: "Dump every persisted savepoint and log entry for a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			txID := args[0]

			return cli.withAdapter(ctx, func(adapter storage.Adapter) error {
				sections, err := adapter.Savepoints(ctx, txID)
				if err != nil {
					return fmt.Errorf("list savepoints: %w", err)
				}
				if len(sections) == 0 {
					fmt.Printf("no persisted sections for transaction %q\n", txID)
					return nil
				}

				for _, s := range sections {
					fmt.Printf("savepoint %s (version %d)\n", s.Savepoint, s.SavepointVersion)

					entries, err := adapter.LogEntries(ctx, txID, s.Savepoint)
					if err != nil {
						return fmt.Errorf("list log entries for %s: %w", s.Savepoint, err)
					}

					for _, e := range entries {
						fmt.Printf("  [%d] %-22s object=%-24s attr=%-24s persisted(obj=%v tx=%v)\n",
							e.Index, e.Kind, e.ObjectKey, e.AttributeKey, e.ObjectPersisted, e.TransactionPersisted)
					}
				}
				return nil
			})
		},
	}

	return cmd
}

func (cli *CLI) resetCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset <transaction-id>",
		Short: "Force reset_transaction, discarding all persisted data for a transaction",
		Long: "Administratively discards every persisted savepoint and log entry for a " +
			"transaction, as if it had just committed. Intended for clearing " +
			"a stuck transaction; it does not run any commit-time integrity checks.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			txID := args[0]

			if !yes {
				fmt.Printf("this discards all persisted state for transaction %q. Continue? (yes/no): ", txID)
				var response string
				fmt.Scanln(&response)
				if strings.ToLower(response) != "yes" {
					fmt.Println("aborted")
					return nil
				}
			}

			ctx := context.Background()

			return cli.withAdapter(ctx, func(adapter storage.Adapter) error {
				if err := adapter.WithTransactionLock(ctx, txID, true, func(ctx context.Context) error {
					return adapter.ResetTransaction(ctx, txID)
				}); err != nil {
					return fmt.Errorf("reset transaction %q: %w", txID, err)
				}

				fmt.Printf("transaction %q reset\n", txID)
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")

	return cmd
}

func (cli *CLI) healthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that the configured storage adapter is reachable and its lock providers respond",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			return cli.withAdapter(ctx, func(adapter storage.Adapter) error {
				if _, err := adapter.TransactionIdentifiers(ctx); err != nil {
					return fmt.Errorf("persistence store unreachable: %w", err)
				}
				fmt.Println("persistence store: ok")

				probeKey := "txproxyctl/health-check"
				if err := adapter.WithGlobalLock(ctx, false, func(ctx context.Context) error { return nil }); err != nil {
					return fmt.Errorf("global lock provider unresponsive: %w", err)
				}
				fmt.Println("global lock: ok")

				if err := adapter.WithObjectLock(ctx, probeKey, false, func(ctx context.Context) error { return nil }); err != nil {
					return fmt.Errorf("object lock provider unresponsive: %w", err)
				}
				fmt.Println("object lock: ok")

				fmt.Printf("profile: %s\n", cli.cfg.GetProfileName())
				return nil
			})
		},
	}

	return cmd
}
