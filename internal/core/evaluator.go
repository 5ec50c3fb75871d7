package core

import (
	"fmt"
	"slices"
	"strings"

	"github.com/matt-riley/cartfee/internal/catalog"
	"github.com/shopspring/decimal"
)

// Evaluate computes the per-kind verdicts for rule against ctx. Conditions
// with a kind the catalog does not know are skipped and leave no entry.
func Evaluate(rule FeeRule, ctx RequestContext) MatchResult {
	result, _ := evaluate(rule, ctx, false)
	return result
}

// EvaluateStrict is Evaluate, but fails with catalog.ErrUnknownConditionKind
// on the first condition whose kind is not in the catalog.
func EvaluateStrict(rule FeeRule, ctx RequestContext) (MatchResult, error) {
	return evaluate(rule, ctx, true)
}

// Applicable applies the rule's match type to an evaluation result. A rule
// without conditions never applies.
func Applicable(rule FeeRule, result MatchResult) bool {
	if len(rule.Conditions) == 0 {
		return false
	}

	switch rule.MatchType {
	case MatchAny:
		for _, matched := range result.PerCondition {
			if matched {
				return true
			}
		}
		return false
	case MatchAll:
		// Counted per kind: a rule repeating a kind can never satisfy this.
		return result.TrueCount() == len(rule.Conditions)
	default:
		return false
	}
}

func evaluate(rule FeeRule, ctx RequestContext, strict bool) (MatchResult, error) {
	result := MatchResult{
		PerCondition:       make(map[catalog.KindID]bool, len(rule.Conditions)),
		AllConditionsCount: len(rule.Conditions),
	}

	for _, condition := range rule.Conditions {
		matched, known := evaluateCondition(condition, ctx)
		if !known {
			if strict {
				return MatchResult{}, fmt.Errorf("%w: %q", catalog.ErrUnknownConditionKind, condition.Kind)
			}
			continue
		}
		result.PerCondition[condition.Kind] = result.PerCondition[condition.Kind] || matched
	}

	return result, nil
}

func evaluateCondition(condition Condition, ctx RequestContext) (matched bool, known bool) {
	operator := catalog.NormalizeOperator(string(condition.Operator))

	switch condition.Kind {
	case catalog.BillingCountryState:
		return matchCountryState(ctx.BillingCountryState, operator, condition.Values), true
	case catalog.ShippingCountryState:
		return matchCountryState(ctx.ShippingCountryState, operator, condition.Values), true
	case catalog.BillingPostCode:
		return matchPostCode(ctx.BillingPostCode, operator, condition.Values), true
	case catalog.ShippingPostCode:
		return matchPostCode(ctx.ShippingPostCode, operator, condition.Values), true
	case catalog.PaymentGateway:
		return matchGateway(ctx.PaymentGateway, operator, condition.Values), true
	case catalog.UserRole:
		return matchRoles(ctx.UserRoles, operator, condition.Values), true
	case catalog.Quantity:
		return matchQuantity(ctx.CartLineQuantities, operator, condition.Values), true
	case catalog.CartSubtotal:
		return matchSubtotal(ctx.CartSubtotal, operator, condition.Values), true
	default:
		return false, false
	}
}

func matchCountryState(value string, operator catalog.OperatorID, values []string) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return false
	}

	switch operator {
	case catalog.Contain:
		return countryStateIn(value, values)
	case catalog.NotContain:
		return !countryStateIn(value, values)
	default:
		return false
	}
}

// countryStateIn matches "CC:STATE" exactly, and also matches a bare "CC"
// entry covering every state of that country.
func countryStateIn(value string, values []string) bool {
	country, _, _ := strings.Cut(value, ":")
	for _, candidate := range values {
		candidate = strings.TrimSpace(candidate)
		if candidate == value || candidate == country {
			return true
		}
	}
	return false
}

func matchPostCode(value string, operator catalog.OperatorID, values []string) bool {
	value = strings.TrimSpace(value)
	if value == "" || len(values) == 0 {
		return false
	}

	want := strings.TrimSpace(values[0])
	switch operator {
	case catalog.Equal:
		return value == want
	case catalog.NotEqual:
		return value != want
	default:
		return false
	}
}

func matchGateway(value string, operator catalog.OperatorID, values []string) bool {
	if value == "" {
		return false
	}

	switch operator {
	case catalog.Equal:
		return slices.Contains(values, value)
	case catalog.NotEqual:
		return !slices.Contains(values, value)
	default:
		return false
	}
}

func matchRoles(roles []string, operator catalog.OperatorID, values []string) bool {
	intersects := false
	for _, role := range roles {
		if slices.Contains(values, role) {
			intersects = true
			break
		}
	}

	switch operator {
	case catalog.Equal:
		return intersects
	case catalog.NotEqual:
		return !intersects
	default:
		return false
	}
}

func matchQuantity(quantities []int, operator catalog.OperatorID, values []string) bool {
	threshold, ok := firstNumber(values)
	if !ok {
		return false
	}

	for _, quantity := range quantities {
		if compareNumbers(decimal.NewFromInt(int64(quantity)), threshold, operator) {
			return true
		}
	}
	return false
}

func matchSubtotal(subtotal decimal.Decimal, operator catalog.OperatorID, values []string) bool {
	threshold, ok := firstNumber(values)
	if !ok {
		return false
	}
	return compareNumbers(subtotal, threshold, operator)
}

func firstNumber(values []string) (decimal.Decimal, bool) {
	if len(values) == 0 {
		return decimal.Decimal{}, false
	}
	n, err := decimal.NewFromString(strings.TrimSpace(values[0]))
	if err != nil {
		return decimal.Decimal{}, false
	}
	return n, true
}

func compareNumbers(left, right decimal.Decimal, operator catalog.OperatorID) bool {
	cmp := left.Cmp(right)
	switch operator {
	case catalog.Equal:
		return cmp == 0
	case catalog.NotEqual:
		return cmp != 0
	case catalog.GreaterThan:
		return cmp > 0
	case catalog.LessThan:
		return cmp < 0
	case catalog.GreaterThanEqual:
		return cmp >= 0
	case catalog.LessThanEqual:
		return cmp <= 0
	default:
		return false
	}
}
