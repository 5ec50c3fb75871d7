package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultFeeLabel is the line item label used when an Applicator has none.
const DefaultFeeLabel = "Conditional fee:"

// CartSink receives the fee lines an Applicator decides to add.
type CartSink interface {
	AddFee(label string, amount decimal.Decimal, taxable bool)
}

type SkipReason string

const (
	SkipNone         SkipReason = ""
	SkipInactive     SkipReason = "inactive"
	SkipNoConditions SkipReason = "no_conditions"
	SkipNotMatched   SkipReason = "not_matched"
	SkipUnknownKind  SkipReason = "unknown_condition_kind"
)

// Decision records what the Applicator did with one rule.
type Decision struct {
	RuleID  string          `json:"rule_id"`
	Applied bool            `json:"applied"`
	Amount  decimal.Decimal `json:"amount"`
	Taxable bool            `json:"taxable"`
	Reason  SkipReason      `json:"reason,omitempty"`
	Match   MatchResult     `json:"match"`
}

// Applicator evaluates fee rules against a request context and adds a line
// to the cart for every rule that applies.
type Applicator struct {
	// Label is the text of every added fee line. Empty means DefaultFeeLabel.
	Label string
	// HonorActiveWindow skips rules whose active window excludes Now.
	HonorActiveWindow bool
	// Strict makes an unknown condition kind disqualify the whole rule
	// instead of being ignored.
	Strict bool
	// Now defaults to time.Now.
	Now func() time.Time
}

// ApplyAll runs every rule in order. newContext is called once per rule so a
// rule always sees the cart as it is when that rule is evaluated. Two
// applicable rules with the same label both add a line.
func (a Applicator) ApplyAll(rules []FeeRule, newContext func() RequestContext, cart CartSink) []Decision {
	decisions := make([]Decision, 0, len(rules))
	for _, rule := range rules {
		decisions = append(decisions, a.Apply(rule, newContext(), cart))
	}
	return decisions
}

// Apply evaluates a single rule and adds its fee when it applies.
func (a Applicator) Apply(rule FeeRule, ctx RequestContext, cart CartSink) Decision {
	decision := Decision{RuleID: rule.ID, Amount: decimal.Zero}

	if a.HonorActiveWindow && rule.ActiveWindow != nil && !rule.ActiveWindow.Contains(a.now()) {
		decision.Reason = SkipInactive
		return decision
	}
	if len(rule.Conditions) == 0 {
		decision.Reason = SkipNoConditions
		return decision
	}

	var result MatchResult
	if a.Strict {
		strictResult, err := EvaluateStrict(rule, ctx)
		if err != nil {
			decision.Reason = SkipUnknownKind
			return decision
		}
		result = strictResult
	} else {
		result = Evaluate(rule, ctx)
	}
	decision.Match = result

	if !Applicable(rule, result) {
		decision.Reason = SkipNotMatched
		return decision
	}

	amount := FeeAmount(rule, ctx)
	cart.AddFee(a.label(), amount, rule.Taxable)
	decision.Applied = true
	decision.Amount = amount
	decision.Taxable = rule.Taxable
	return decision
}

var hundred = decimal.NewFromInt(100)

// FeeAmount is the fee a rule charges for ctx: the amount itself for fixed
// fees, or amount percent of subtotal plus shipping for percentage fees.
func FeeAmount(rule FeeRule, ctx RequestContext) decimal.Decimal {
	if rule.FeeType == FeeTypePercentage {
		base := ctx.CartSubtotal.Add(ctx.CartShippingTotal)
		return rule.Amount.Mul(base).Div(hundred)
	}
	return rule.Amount
}

func (a Applicator) label() string {
	if a.Label == "" {
		return DefaultFeeLabel
	}
	return a.Label
}

func (a Applicator) now() time.Time {
	if a.Now == nil {
		return time.Now()
	}
	return a.Now()
}
