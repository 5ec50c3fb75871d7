package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/matt-riley/cartfee/internal/client"
	"github.com/matt-riley/cartfee/internal/core"
	"github.com/matt-riley/cartfee/internal/ruleset"
)

func newListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the fee rules stored on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := parseFormat(opts.format)
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			rules, err := c.ListFeeRules(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list fee rules: %w", err)
			}
			if len(rules) == 0 && format == FormatTable {
				fmt.Fprintln(cmd.OutOrStdout(), "No fee rules found")
				return nil
			}
			return render(cmd.OutOrStdout(), format, rules, rulesTable(rules))
		},
	}
}

func newExportCmd(opts *options) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the server's fee rules as a YAML rule set",
		Long: `Export writes every stored fee rule in the rule set format accepted by
import, quote, and validate.

Examples:
  feectl export --output rules.yaml
  feectl export --format json > rules.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			rules, err := c.ListFeeRules(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list fee rules: %w", err)
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create output file: %w", err)
				}
				defer f.Close()
				w = f
			}

			switch opts.format {
			case string(FormatJSON):
				err = printJSON(w, ruleset.File{Rules: rules})
			case string(FormatYAML), string(FormatTable):
				err = ruleset.Encode(w, rules)
			default:
				return fmt.Errorf("unsupported export format: %s", opts.format)
			}
			if err != nil {
				return err
			}

			if output != "" && output != "-" && !opts.quiet {
				fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d fee rule(s) to %s\n", len(rules), output)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default: stdout)")
	return cmd
}

func newImportCmd(opts *options) *cobra.Command {
	var (
		dryRun bool
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "import <rules.yaml>",
		Short: "Create or update server fee rules from a YAML rule set",
		Long: `Import validates the rule set, then creates each rule. A rule whose id
already exists on the server is updated in place.

Examples:
  feectl import rules.yaml
  feectl import rules.yaml --dry-run
  feectl import rules.yaml --force`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := ruleset.Load(args[0])
			if err != nil {
				return err
			}
			if len(rules) == 0 {
				return fmt.Errorf("no rules found in %s", args[0])
			}
			if errs := ruleset.Validate(rules); len(errs) > 0 {
				for _, e := range errs {
					fmt.Fprintln(cmd.ErrOrStderr(), e)
				}
				return fmt.Errorf("%d of %d rule(s) invalid", len(errs), len(rules))
			}

			out := cmd.OutOrStdout()
			if dryRun {
				fmt.Fprintln(out, "Dry run mode - the following rules would be imported:")
				for _, r := range rules {
					fmt.Fprintf(out, "  - %s (%s %s, %d condition(s))\n", displayID(r), r.FeeType, r.Amount, len(r.Conditions))
				}
				return nil
			}

			c, err := opts.client()
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}

			var created, updated, failed int
			for _, r := range rules {
				wasUpdate, err := upsert(cmd, c, r)
				switch {
				case err != nil:
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "Failed to import rule %s: %v\n", displayID(r), err)
					if !force {
						return fmt.Errorf("import failed, use --force to continue on errors")
					}
				case wasUpdate:
					updated++
				default:
					created++
				}
			}

			if !opts.quiet {
				fmt.Fprintf(out, "Import complete: %d created, %d updated, %d failed\n", created, updated, failed)
			}
			if failed > 0 {
				return fmt.Errorf("import completed with errors")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate without importing")
	cmd.Flags().BoolVar(&force, "force", false, "Continue on errors")
	return cmd
}

func upsert(cmd *cobra.Command, c *client.Client, rule core.FeeRule) (bool, error) {
	if rule.ID != "" {
		_, err := c.GetFeeRule(cmd.Context(), rule.ID)
		if err == nil {
			_, err = c.UpdateFeeRule(cmd.Context(), rule)
			return true, err
		}
		if !client.IsNotFound(err) {
			return false, err
		}
	}
	_, err := c.CreateFeeRule(cmd.Context(), rule)
	return false, err
}

func displayID(r core.FeeRule) string {
	switch {
	case r.ID != "":
		return r.ID
	case r.Title != "":
		return fmt.Sprintf("%q", r.Title)
	default:
		return "(new)"
	}
}
