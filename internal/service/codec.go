package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matt-riley/cartfee/internal/catalog"
	"github.com/matt-riley/cartfee/internal/core"
	"github.com/matt-riley/cartfee/internal/repository"
	"github.com/shopspring/decimal"
)

// Settings is the fee settings meta of one rule.
type Settings struct {
	FeeType      core.FeeType       `json:"fee_type"`
	Amount       decimal.Decimal    `json:"amount"`
	Taxable      bool               `json:"taxable"`
	ActiveWindow *core.ActiveWindow `json:"active_window,omitempty"`
}

// NormalizeRule trims values, drops empty ones, and canonicalises operator
// spellings. It does not validate.
func NormalizeRule(rule core.FeeRule) core.FeeRule {
	rule.ID = strings.TrimSpace(rule.ID)
	rule.Title = strings.TrimSpace(rule.Title)
	rule.FeeType = core.FeeType(strings.ToLower(strings.TrimSpace(string(rule.FeeType))))
	rule.MatchType = core.MatchType(strings.ToLower(strings.TrimSpace(string(rule.MatchType))))

	conditions := make([]core.Condition, 0, len(rule.Conditions))
	for _, c := range rule.Conditions {
		values := make([]string, 0, len(c.Values))
		for _, v := range c.Values {
			if v = strings.TrimSpace(v); v != "" {
				values = append(values, v)
			}
		}
		conditions = append(conditions, core.Condition{
			Kind:     catalog.KindID(strings.TrimSpace(string(c.Kind))),
			Operator: catalog.NormalizeOperator(string(c.Operator)),
			Values:   values,
		})
	}
	rule.Conditions = conditions
	return rule
}

// ValidateRule checks a rule before it is stored. Errors wrap
// ErrInvalidSettings or ErrMalformedRule, and unknown kinds additionally wrap
// catalog.ErrUnknownConditionKind.
func ValidateRule(rule core.FeeRule) error {
	if err := validateSettings(rule); err != nil {
		return err
	}

	if len(rule.Conditions) > 0 && rule.MatchType != core.MatchAny && rule.MatchType != core.MatchAll {
		return fmt.Errorf("%w: match type %q must be %q or %q", ErrMalformedRule, rule.MatchType, core.MatchAny, core.MatchAll)
	}

	seen := make(map[catalog.KindID]int, len(rule.Conditions))
	for i, c := range rule.Conditions {
		kind, err := catalog.Describe(c.Kind)
		if err != nil {
			return fmt.Errorf("%w: condition %d: %w", ErrMalformedRule, i, err)
		}
		if first, dup := seen[c.Kind]; dup {
			return fmt.Errorf("%w: condition %d repeats %q from condition %d", ErrMalformedRule, i, c.Kind, first)
		}
		seen[c.Kind] = i

		if !kind.Supports(c.Operator) {
			return fmt.Errorf("%w: condition %d: operator %q not supported by %q (want one of %v)", ErrMalformedRule, i, c.Operator, c.Kind, kind.OperatorIDs())
		}
		if len(c.Values) == 0 {
			return fmt.Errorf("%w: condition %d: %q needs a value", ErrMalformedRule, i, c.Kind)
		}
		if !kind.MultiValue() && len(c.Values) > 1 {
			return fmt.Errorf("%w: condition %d: %q takes a single value", ErrMalformedRule, i, c.Kind)
		}
		if kind.Numeric() {
			if _, err := decimal.NewFromString(c.Values[0]); err != nil {
				return fmt.Errorf("%w: condition %d: %q value %q is not a number", ErrMalformedRule, i, c.Kind, c.Values[0])
			}
		}
	}

	return nil
}

func validateSettings(rule core.FeeRule) error {
	switch rule.FeeType {
	case core.FeeTypeFixed, core.FeeTypePercentage:
	default:
		return fmt.Errorf("%w: fee type %q must be %q or %q", ErrInvalidSettings, rule.FeeType, core.FeeTypeFixed, core.FeeTypePercentage)
	}

	if w := rule.ActiveWindow; w != nil && !w.Start.IsZero() && !w.End.IsZero() && w.End.Before(w.Start) {
		return fmt.Errorf("%w: active window ends before it starts", ErrInvalidSettings)
	}

	return nil
}

// EncodeRule converts a rule into its stored record.
func EncodeRule(rule core.FeeRule) (repository.FeeRecord, error) {
	record := repository.FeeRecord{ID: rule.ID, Title: rule.Title}

	settings := repository.SettingsMeta{
		Type:    string(rule.FeeType),
		Amount:  rule.Amount,
		Taxable: repository.YesNo(rule.Taxable),
	}
	if w := rule.ActiveWindow; w != nil {
		settings.StartDate = toEpoch(w.Start)
		settings.EndDate = toEpoch(w.End)
	}

	conditions := make([]repository.ConditionMeta, 0, len(rule.Conditions))
	for _, c := range rule.Conditions {
		conditions = append(conditions, repository.ConditionMeta{
			Name:      string(c.Kind),
			Condition: string(c.Operator),
			Value:     repository.MetaValue(c.Values),
		})
	}

	if err := errors.Join(
		record.SetMeta(repository.MetaSettings, settings),
		record.SetMeta(repository.MetaConditionType, string(rule.MatchType)),
		record.SetMeta(repository.MetaConditions, conditions),
	); err != nil {
		return repository.FeeRecord{}, err
	}
	return record, nil
}

// DecodeRecord converts a stored record into a rule. Condition kinds are not
// checked against the catalog here so that evaluation decides what an
// unknown kind means.
func DecodeRecord(record repository.FeeRecord) (core.FeeRule, error) {
	rule := core.FeeRule{ID: record.ID, Title: record.Title}

	var settings repository.SettingsMeta
	found, err := record.DecodeMeta(repository.MetaSettings, &settings)
	if err != nil {
		return core.FeeRule{}, fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	if !found {
		return core.FeeRule{}, fmt.Errorf("%w: %s missing", ErrInvalidSettings, repository.MetaSettings)
	}
	applySettings(&rule, settingsFromMeta(settings))

	var matchType string
	if _, err := record.DecodeMeta(repository.MetaConditionType, &matchType); err != nil {
		return core.FeeRule{}, fmt.Errorf("%w: %w", ErrMalformedRule, err)
	}
	rule.MatchType = core.MatchType(matchType)

	var conditions []repository.ConditionMeta
	if _, err := record.DecodeMeta(repository.MetaConditions, &conditions); err != nil {
		return core.FeeRule{}, fmt.Errorf("%w: %w", ErrMalformedRule, err)
	}
	rule.Conditions = conditionsFromMeta(conditions)

	return rule, nil
}

func settingsFromMeta(meta repository.SettingsMeta) Settings {
	settings := Settings{
		FeeType: core.FeeType(meta.Type),
		Amount:  meta.Amount,
		Taxable: bool(meta.Taxable),
	}
	if meta.StartDate != 0 || meta.EndDate != 0 {
		settings.ActiveWindow = &core.ActiveWindow{
			Start: fromEpoch(meta.StartDate),
			End:   fromEpoch(meta.EndDate),
		}
	}
	return settings
}

func applySettings(rule *core.FeeRule, settings Settings) {
	rule.FeeType = settings.FeeType
	rule.Amount = settings.Amount
	rule.Taxable = settings.Taxable
	rule.ActiveWindow = settings.ActiveWindow
}

func conditionsFromMeta(rows []repository.ConditionMeta) []core.Condition {
	conditions := make([]core.Condition, 0, len(rows))
	for _, row := range rows {
		conditions = append(conditions, core.Condition{
			Kind:     catalog.KindID(row.Name),
			Operator: catalog.NormalizeOperator(row.Condition),
			Values:   []string(row.Value),
		})
	}
	return conditions
}

func toEpoch(t time.Time) repository.Epoch {
	if t.IsZero() {
		return 0
	}
	return repository.Epoch(t.Unix())
}

func fromEpoch(e repository.Epoch) time.Time {
	if e == 0 {
		return time.Time{}
	}
	return time.Unix(int64(e), 0).UTC()
}
