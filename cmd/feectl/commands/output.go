package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/matt-riley/cartfee/internal/catalog"
	"github.com/matt-riley/cartfee/internal/client"
	"github.com/matt-riley/cartfee/internal/core"
)

// OutputFormat specifies the output format for CLI commands.
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatYAML  OutputFormat = "yaml"
)

func parseFormat(raw string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(raw)); f {
	case FormatTable, FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported format: %s", raw)
	}
}

func printJSON(w io.Writer, data any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func printYAML(w io.Writer, data any) error {
	encoder := yaml.NewEncoder(w)
	defer encoder.Close()
	encoder.SetIndent(2)
	return encoder.Encode(data)
}

func render(w io.Writer, format OutputFormat, data any, table func(io.Writer) error) error {
	switch format {
	case FormatJSON:
		return printJSON(w, data)
	case FormatYAML:
		return printYAML(w, data)
	default:
		return table(w)
	}
}

func catalogTable(groups []catalog.Group) func(io.Writer) error {
	return func(w io.Writer) error {
		table := tablewriter.NewWriter(w)
		table.Header("Group", "Kind", "Name", "Widget", "Operators")
		for _, g := range groups {
			for _, k := range g.Kinds {
				ops := make([]string, 0, len(k.Operators))
				for _, op := range k.Operators {
					ops = append(ops, string(op.ID))
				}
				if err := table.Append(g.Name, string(k.ID), k.DisplayName, string(k.Widget), strings.Join(ops, ", ")); err != nil {
					return err
				}
			}
		}
		return table.Render()
	}
}

func rulesTable(rules []core.FeeRule) func(io.Writer) error {
	return func(w io.Writer) error {
		table := tablewriter.NewWriter(w)
		table.Header("ID", "Title", "Type", "Amount", "Taxable", "Match", "Conditions")
		for _, r := range rules {
			title := r.Title
			if len(title) > 40 {
				title = title[:37] + "..."
			}
			if err := table.Append(
				r.ID,
				title,
				string(r.FeeType),
				r.Amount.String(),
				strconv.FormatBool(r.Taxable),
				string(r.MatchType),
				strconv.Itoa(len(r.Conditions)),
			); err != nil {
				return err
			}
		}
		return table.Render()
	}
}

func quoteTable(quote client.Quote, explain bool) func(io.Writer) error {
	return func(w io.Writer) error {
		lines := tablewriter.NewWriter(w)
		lines.Header("Label", "Amount", "Taxable")
		for _, l := range quote.Lines {
			if err := lines.Append(l.Label, l.Amount.StringFixed(2), strconv.FormatBool(l.Taxable)); err != nil {
				return err
			}
		}
		if err := lines.Append("Total", quote.Total.StringFixed(2), ""); err != nil {
			return err
		}
		if err := lines.Render(); err != nil {
			return err
		}
		if !explain {
			return nil
		}

		decisions := tablewriter.NewWriter(w)
		decisions.Header("Rule", "Applied", "Reason", "Amount", "Matched")
		for _, d := range quote.Decisions {
			reason := string(d.Reason)
			if d.Applied {
				reason = "matched"
			}
			matched := fmt.Sprintf("%d/%d", d.Match.TrueCount(), d.Match.AllConditionsCount)
			if err := decisions.Append(d.RuleID, strconv.FormatBool(d.Applied), reason, d.Amount.StringFixed(2), matched); err != nil {
				return err
			}
		}
		return decisions.Render()
	}
}
