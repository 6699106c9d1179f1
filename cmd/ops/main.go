package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"duka-service/internal/app"
	"duka-service/internal/config"
	"duka-service/internal/domain/payment"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "duka-ops",
	Short: "Operator commands for the Duka subscription service",
	Long:  `Run maintenance tasks against the same storage the API server uses`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
	},
	SilenceUsage: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.AddCommand(sweepCmd, migrateCmd, unmatchedCmd, replayCmd, tokenCmd)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withContainer builds the service graph, runs fn and tears it down. Background
// workers are not started.
func withContainer(cmd *cobra.Command, fn func(ctx context.Context, c *app.Container) error) error {
	cfg := config.Load()
	logger := app.NewLogger(cfg)

	c, err := app.NewContainer(cmd.Context(), cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return err
	}
	defer c.Close()
	return fn(cmd.Context(), c)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one reminder sweep now",
	Long:  `Classify every live subscription and send the reminders that are due. Safe to run while the server is up: the sweep lock and reminder log prevent duplicates.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContainer(cmd, func(ctx context.Context, c *app.Container) error {
			report, err := c.Sweeper.Sweep(ctx)
			if err != nil {
				return err
			}
			return printJSON(report)
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Long:  `Open storage with auto-migration enabled. SQLite initialises its schema on open.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		cfg.AutoMigrate = true
		logger := app.NewLogger(cfg)
		defer logger.Sync()

		c, err := app.NewContainer(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		c.Close()
		logger.Info("migrations applied", zap.String("driver", cfg.DBDriver))
		return nil
	},
}

var (
	unmatchedPage     int
	unmatchedPageSize int
)

var unmatchedCmd = &cobra.Command{
	Use:   "unmatched",
	Short: "List payments that could not be attributed",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContainer(cmd, func(ctx context.Context, c *app.Container) error {
			list, err := c.Unmatched.List(ctx, payment.UnmatchedFilters{
				Page:     unmatchedPage,
				PageSize: unmatchedPageSize,
			})
			if err != nil {
				return err
			}
			return printJSON(list)
		})
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Apply pending payment events left behind by a crash",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContainer(cmd, func(ctx context.Context, c *app.Container) error {
			report, err := c.Dispatcher.ReplayNow(ctx)
			if report != nil {
				if perr := printJSON(report); perr != nil {
					return perr
				}
			}
			if err != nil {
				return err
			}
			if report.Failed > 0 {
				return fmt.Errorf("%d of %d pending events failed to apply", report.Failed, report.Found)
			}
			return nil
		})
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue access tokens",
}

var tokenStoreCmd = &cobra.Command{
	Use:   "store <store_id>",
	Short: "Issue a token scoped to one store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContainer(cmd, func(ctx context.Context, c *app.Container) error {
			if c.JWT == nil {
				return fmt.Errorf("JWT_PRIVATE_KEY_PATH is not configured")
			}
			if _, err := c.Entitlements.GetStore(ctx, args[0]); err != nil {
				return err
			}
			token, jti, err := c.JWT.Generator.GenerateStoreToken(args[0])
			if err != nil {
				return err
			}
			return printJSON(map[string]string{"token": token, "jti": jti, "store_id": args[0]})
		})
	},
}

var tokenAdminCmd = &cobra.Command{
	Use:   "admin <subject>",
	Short: "Issue an operator token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContainer(cmd, func(ctx context.Context, c *app.Container) error {
			if c.JWT == nil {
				return fmt.Errorf("JWT_PRIVATE_KEY_PATH is not configured")
			}
			token, jti, err := c.JWT.Generator.GenerateAdminToken(args[0])
			if err != nil {
				return err
			}
			return printJSON(map[string]string{"token": token, "jti": jti, "subject": args[0]})
		})
	},
}

func init() {
	unmatchedCmd.Flags().IntVar(&unmatchedPage, "page", 1, "page number")
	unmatchedCmd.Flags().IntVar(&unmatchedPageSize, "page-size", 50, "rows per page (max 200)")
	tokenCmd.AddCommand(tokenStoreCmd, tokenAdminCmd)
}
