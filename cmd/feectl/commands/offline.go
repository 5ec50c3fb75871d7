package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/matt-riley/cartfee/internal/catalog"
	"github.com/matt-riley/cartfee/internal/client"
	"github.com/matt-riley/cartfee/internal/core"
	"github.com/matt-riley/cartfee/internal/logging"
	"github.com/matt-riley/cartfee/internal/repository"
	"github.com/matt-riley/cartfee/internal/ruleset"
	"github.com/matt-riley/cartfee/internal/service"
)

func newCatalogCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List every condition kind and its operators",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := parseFormat(opts.format)
			if err != nil {
				return err
			}
			groups := catalog.List()
			return render(cmd.OutOrStdout(), format, groups, catalogTable(groups))
		},
	}
}

func newValidateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <rules.yaml>",
		Short: "Check a rule set without contacting a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := ruleset.Load(args[0])
			if err != nil {
				return err
			}
			errs := ruleset.Validate(rules)
			for _, e := range errs {
				fmt.Fprintln(cmd.ErrOrStderr(), e)
			}
			if len(errs) > 0 {
				return fmt.Errorf("%d of %d rule(s) invalid", len(errs), len(rules))
			}
			if !opts.quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "%d rule(s) valid\n", len(rules))
			}
			return nil
		},
	}
}

type quoteFlags struct {
	rules        string
	context      string
	label        string
	strict       bool
	ignoreWindow bool
	explain      bool
}

func newQuoteCmd(opts *options) *cobra.Command {
	var qf quoteFlags

	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Quote the fees a rule set adds to a cart",
		Long: `Quote runs the fee engine locally: rules come from a YAML rule set and the
shopper and cart facts from a YAML request context.

Examples:
  feectl quote --rules rules.yaml --context cart.yaml
  feectl quote --rules rules.yaml --context cart.yaml --explain --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := parseFormat(opts.format)
			if err != nil {
				return err
			}
			rules, err := ruleset.Load(qf.rules)
			if err != nil {
				return err
			}
			reqCtx, err := ruleset.LoadContext(qf.context)
			if err != nil {
				return err
			}

			quote, err := quoteOffline(cmd.Context(), rules, reqCtx, core.Applicator{
				Label:             qf.label,
				HonorActiveWindow: !qf.ignoreWindow,
				Strict:            qf.strict,
			})
			if err != nil {
				return err
			}
			if !qf.explain {
				quote.Decisions = nil
			}
			return render(cmd.OutOrStdout(), format, quote, quoteTable(quote, qf.explain))
		},
	}

	cmd.Flags().StringVar(&qf.rules, "rules", "", "YAML rule set")
	cmd.Flags().StringVar(&qf.context, "context", "", "YAML request context")
	cmd.Flags().StringVar(&qf.label, "label", core.DefaultFeeLabel, "Fee line label")
	cmd.Flags().BoolVar(&qf.strict, "strict", false, "Treat unknown condition kinds as disqualifying")
	cmd.Flags().BoolVar(&qf.ignoreWindow, "ignore-window", false, "Apply rules outside their active window")
	cmd.Flags().BoolVar(&qf.explain, "explain", false, "Show the decision for every rule")
	_ = cmd.MarkFlagRequired("rules")
	_ = cmd.MarkFlagRequired("context")
	return cmd
}

// quoteOffline loads rules into a throwaway in-memory service so the quote
// goes through the same validation and calculation path as the server.
func quoteOffline(ctx context.Context, rules []core.FeeRule, reqCtx core.RequestContext, applicator core.Applicator) (client.Quote, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	svc, err := service.New(ctx, repository.NewMemoryRepository(),
		service.WithLogger(logging.Discard()),
		service.WithApplicator(applicator),
	)
	if err != nil {
		return client.Quote{}, err
	}

	var errs []error
	for i, rule := range rules {
		if _, err := svc.CreateFeeRule(ctx, rule); err != nil {
			errs = append(errs, ruleset.RuleError{Index: i, ID: rule.ID, Err: err})
		}
	}
	if len(errs) > 0 {
		return client.Quote{}, errors.Join(errs...)
	}

	quote, err := svc.Calculate(ctx, reqCtx)
	if err != nil {
		return client.Quote{}, err
	}
	return client.Quote{Lines: quote.Lines, Total: quote.Total, Decisions: quote.Decisions}, nil
}
