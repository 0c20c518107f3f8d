package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/books_ledger/models"
	"bitbucket.org/mmdatafocus/books_ledger/utils"
	"bitbucket.org/mmdatafocus/books_ledger/workflow"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// openFunc returns an engine and a release func. migrate asks for schema
// migration before the engine is built.
type openFunc func(ctx context.Context, migrate bool) (*workflow.Engine, func(), error)

type app struct {
	open openFunc

	institutionId string
	output        string
}

// newRootCommand creates the ledgerctl command tree.
func newRootCommand(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ledgerctl",
		Short: "Operate on the books ledger database",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&a.institutionId, "institution", "i", "", "institution id")
	rootCmd.PersistentFlags().StringVarP(&a.output, "output", "o", "json", "output format: json or yaml")

	rootCmd.AddCommand(
		a.newMigrateCommand(),
		a.newVerifyCommand(),
		a.newTrialBalanceCommand(),
		a.newValuationCommand(),
		a.newVarianceCommand(),
	)
	return rootCmd
}

func (a *app) newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the ledger tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, release, err := a.open(cmd.Context(), true)
			if err != nil {
				return err
			}
			release()
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func (a *app) newVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Recompute balances and stock from stored rows and report mismatches",
		Long: "verify checks that the trial balance and every journal entry balance, that no batch\n" +
			"is negative or over-drawn, and that batch quantities agree with the stock movements.\n" +
			"It exits non-zero when any mismatch is found.",
		Args: cobra.NoArgs,
		RunE: a.withEngine(func(cmd *cobra.Command, e *workflow.Engine) error {
			issues, err := e.RunReconciliationChecks(cmd.Context(), a.institutionId)
			if err != nil {
				return err
			}
			if err := a.print(cmd.OutOrStdout(), map[string]any{
				"institution_id": a.institutionId,
				"ok":             len(issues) == 0,
				"issues":         issues,
			}); err != nil {
				return err
			}
			if len(issues) > 0 {
				return fmt.Errorf("%d reconciliation issue(s) found", len(issues))
			}
			return nil
		}),
	}
}

func (a *app) newTrialBalanceCommand() *cobra.Command {
	var asOf string
	cmd := &cobra.Command{
		Use:   "trial-balance",
		Short: "Print per-account debit and credit totals",
		Args:  cobra.NoArgs,
		RunE: a.withEngine(func(cmd *cobra.Command, e *workflow.Engine) error {
			var at *time.Time
			if strings.TrimSpace(asOf) != "" {
				d, err := utils.ParseDay(asOf)
				if err != nil {
					return fmt.Errorf("invalid --as-of: %w", err)
				}
				at = &d
			}
			tb, err := e.TrialBalance(cmd.Context(), a.institutionId, at)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), map[string]any{
				"trial_balance": tb,
				"balanced":      tb.IsBalanced(),
			})
		}),
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "include entries up to this day (YYYY-MM-DD)")
	return cmd
}

func (a *app) newValuationCommand() *cobra.Command {
	var method string
	cmd := &cobra.Command{
		Use:   "valuation",
		Short: "Value on-hand stock per product",
		Args:  cobra.NoArgs,
		RunE: a.withEngine(func(cmd *cobra.Command, e *workflow.Engine) error {
			vals, err := e.ValueInventory(cmd.Context(), a.institutionId, models.CostingMethod(strings.ToUpper(method)))
			if err != nil {
				return err
			}
			total := decimal.Zero
			for _, v := range vals {
				total = total.Add(v.TotalValue)
			}
			return a.print(cmd.OutOrStdout(), map[string]any{
				"products":    vals,
				"total_value": total,
			})
		}),
	}
	cmd.Flags().StringVar(&method, "method", "", "FIFO, LIFO or WEIGHTED_AVERAGE (default: institution policy)")
	return cmd
}

func (a *app) newVarianceCommand() *cobra.Command {
	var periodId string
	var departmental bool
	cmd := &cobra.Command{
		Use:   "variance",
		Short: "Compare expense account spend against monthly limits for a fiscal period",
		Args:  cobra.NoArgs,
		RunE: a.withEngine(func(cmd *cobra.Command, e *workflow.Engine) error {
			if departmental {
				spend, err := e.ComputeDepartmentalSpend(cmd.Context(), a.institutionId, periodId)
				if err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(), map[string]any{"period_id": periodId, "spend": spend})
			}
			allocations, err := e.ComputeVariance(cmd.Context(), a.institutionId, periodId)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), map[string]any{"period_id": periodId, "allocations": allocations})
		}),
	}
	cmd.Flags().StringVar(&periodId, "period", "", "fiscal period id")
	cmd.Flags().BoolVar(&departmental, "departmental", false, "report expense spend per branch instead")
	_ = cmd.MarkFlagRequired("period")
	return cmd
}

func (a *app) withEngine(run func(cmd *cobra.Command, e *workflow.Engine) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		if strings.TrimSpace(a.institutionId) == "" {
			return fmt.Errorf("--institution is required")
		}
		e, release, err := a.open(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer release()
		return run(cmd, e)
	}
}

func (a *app) print(w io.Writer, v any) error {
	switch strings.ToLower(a.output) {
	case "yaml":
		// decimal.Decimal only marshals to JSON; go through it first.
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := yaml.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format %q", a.output)
	}
}
