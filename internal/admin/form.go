package admin

import (
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/matt-riley/cartfee/internal/catalog"
	"github.com/matt-riley/cartfee/internal/core"
	"github.com/matt-riley/cartfee/internal/service"
)

const dateLayout = "2006-01-02"

// Dates typed by hand arrive as dd/mm/yyyy.
var dateLayouts = []string{dateLayout, "02/01/2006", "02-01-2006"}

var conditionField = regexp.MustCompile(`^fee_condition\[(name|condition|value)\]\[(\d*)\](\[\])?$`)

// feeForm is the raw settings half of a submitted fee form, kept so a
// rejected submission can be re-rendered as typed.
type feeForm struct {
	Title     string
	Type      string
	Amount    string
	Taxable   bool
	StartDate string
	EndDate   string
	MatchType string
}

// settingsForm fills the settings half of the form from a stored rule.
func settingsForm(s service.Settings, matchType string) feeForm {
	form := feeForm{
		Type:      string(s.FeeType),
		Amount:    s.Amount.String(),
		Taxable:   s.Taxable,
		MatchType: matchType,
	}
	if w := s.ActiveWindow; w != nil {
		if !w.Start.IsZero() {
			form.StartDate = w.Start.Format(dateLayout)
		}
		if !w.End.IsZero() {
			form.EndDate = w.End.Format(dateLayout)
		}
	}
	return form
}

type conditionRow struct {
	name      string
	condition string
	values    []string
}

func readFeeForm(values url.Values) feeForm {
	return feeForm{
		Title:     strings.TrimSpace(values.Get("post_title")),
		Type:      strings.TrimSpace(values.Get("fee_settings[type]")),
		Amount:    strings.TrimSpace(values.Get("fee_settings[amount]")),
		Taxable:   truthy(values.Get("fee_settings[taxable]")),
		StartDate: strings.TrimSpace(values.Get("fee_settings[start_date]")),
		EndDate:   strings.TrimSpace(values.Get("fee_settings[end_date]")),
		MatchType: strings.TrimSpace(values.Get("fee_condition_type")),
	}
}

// DecodeFeeForm turns a submitted fee form into a rule. Condition rows are
// ordered by their index and rows without a condition name are dropped.
// Kind, operator, and value checks are left to the service.
func DecodeFeeForm(values url.Values) (core.FeeRule, error) {
	form := readFeeForm(values)

	rule := core.FeeRule{
		Title:     form.Title,
		FeeType:   core.FeeType(form.Type),
		Taxable:   form.Taxable,
		MatchType: core.MatchType(form.MatchType),
	}
	if rule.FeeType == "" {
		rule.FeeType = core.FeeTypeFixed
	}

	amount, err := decimal.NewFromString(form.Amount)
	if err != nil {
		return core.FeeRule{}, fmt.Errorf("%w: amount %q is not a number", service.ErrInvalidSettings, form.Amount)
	}
	rule.Amount = amount

	start, err := parseDate(form.StartDate)
	if err != nil {
		return core.FeeRule{}, fmt.Errorf("%w: start date: %w", service.ErrInvalidSettings, err)
	}
	end, err := parseDate(form.EndDate)
	if err != nil {
		return core.FeeRule{}, fmt.Errorf("%w: end date: %w", service.ErrInvalidSettings, err)
	}
	if !start.IsZero() || !end.IsZero() {
		rule.ActiveWindow = &core.ActiveWindow{Start: start, End: end}
	}

	for _, row := range conditionRows(values) {
		if row.name == "" {
			continue
		}
		rule.Conditions = append(rule.Conditions, core.Condition{
			Kind:     catalog.KindID(row.name),
			Operator: catalog.NormalizeOperator(row.condition),
			Values:   row.values,
		})
	}
	return rule, nil
}

// conditionRows groups fee_condition[field][i] inputs by i. Inputs posted
// without an index ("fee_condition[name][]") take their position among the
// other unindexed values of that field.
func conditionRows(values url.Values) []conditionRow {
	rows := make(map[int]*conditionRow)
	row := func(i int) *conditionRow {
		r, ok := rows[i]
		if !ok {
			r = &conditionRow{}
			rows[i] = r
		}
		return r
	}

	for key, vals := range values {
		m := conditionField.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		field, index := m[1], m[2]

		if index == "" {
			for i, v := range vals {
				assign(row(i), field, []string{v})
			}
			continue
		}
		i, err := strconv.Atoi(index)
		if err != nil {
			continue
		}
		assign(row(i), field, vals)
	}

	keys := make([]int, 0, len(rows))
	for i := range rows {
		keys = append(keys, i)
	}
	slices.Sort(keys)

	out := make([]conditionRow, 0, len(keys))
	for _, i := range keys {
		out = append(out, *rows[i])
	}
	return out
}

func assign(r *conditionRow, field string, vals []string) {
	switch field {
	case "name":
		r.name = strings.TrimSpace(first(vals))
	case "condition":
		r.condition = strings.TrimSpace(first(vals))
	case "value":
		for _, v := range vals {
			if v = strings.TrimSpace(v); v != "" {
				r.values = append(r.values, v)
			}
		}
	}
}

func first(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

func parseDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is not a date", raw)
}

func truthy(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "yes", "on", "1", "true":
		return true
	default:
		return false
	}
}
