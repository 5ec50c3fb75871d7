package core

import (
	"testing"
	"time"

	"github.com/matt-riley/cartfee/internal/catalog"
	"github.com/shopspring/decimal"
)

func TestApplyAllPercentageScenario(t *testing.T) {
	ctx := RequestContext{
		BillingCountryState: "US",
		CartSubtotal:        decimal.NewFromInt(100),
		CartShippingTotal:   decimal.NewFromInt(10),
	}
	var cart Cart

	decisions := Applicator{}.ApplyAll([]FeeRule{usBillingPercentRule()}, func() RequestContext { return ctx }, &cart)

	if len(decisions) != 1 || !decisions[0].Applied {
		t.Fatalf("decisions = %+v, want one applied", decisions)
	}
	if len(cart.Lines) != 1 {
		t.Fatalf("len(cart.Lines) = %d, want 1", len(cart.Lines))
	}
	line := cart.Lines[0]
	if !line.Amount.Equal(decimal.NewFromInt(11)) {
		t.Fatalf("fee amount = %s, want 11", line.Amount)
	}
	if line.Label != DefaultFeeLabel {
		t.Fatalf("label = %q, want %q", line.Label, DefaultFeeLabel)
	}
}

func TestApplyAllCountryMismatchAddsNothing(t *testing.T) {
	ctx := RequestContext{
		BillingCountryState: "CA",
		CartSubtotal:        decimal.NewFromInt(100),
		CartShippingTotal:   decimal.NewFromInt(10),
	}
	var cart Cart

	decisions := Applicator{}.ApplyAll([]FeeRule{usBillingPercentRule()}, func() RequestContext { return ctx }, &cart)

	if len(cart.Lines) != 0 {
		t.Fatalf("cart.Lines = %+v, want none", cart.Lines)
	}
	if decisions[0].Applied || decisions[0].Reason != SkipNotMatched {
		t.Fatalf("decision = %+v, want skipped not_matched", decisions[0])
	}
}

func TestFeeAmount(t *testing.T) {
	fixed := FeeRule{FeeType: FeeTypeFixed, Amount: decimal.RequireFromString("4.99")}
	for _, subtotal := range []int64{0, 10, 1000} {
		ctx := RequestContext{CartSubtotal: decimal.NewFromInt(subtotal), CartShippingTotal: decimal.NewFromInt(5)}
		if got := FeeAmount(fixed, ctx); !got.Equal(fixed.Amount) {
			t.Fatalf("fixed FeeAmount(subtotal=%d) = %s, want %s", subtotal, got, fixed.Amount)
		}
	}

	percent := FeeRule{FeeType: FeeTypePercentage, Amount: decimal.RequireFromString("2.5")}
	ctx := RequestContext{CartSubtotal: decimal.RequireFromString("80"), CartShippingTotal: decimal.RequireFromString("20")}
	if got := FeeAmount(percent, ctx); !got.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("percentage FeeAmount() = %s, want 2.5", got)
	}
}

func TestApplyAllDoesNotDeduplicate(t *testing.T) {
	rule := FeeRule{
		FeeType:    FeeTypeFixed,
		Amount:     decimal.NewFromInt(2),
		Taxable:    true,
		MatchType:  MatchAny,
		Conditions: []Condition{cond(catalog.PaymentGateway, catalog.Equal, "cod")},
	}
	second := rule
	second.ID = "rule-2"
	var cart Cart

	Applicator{Label: "Handling"}.ApplyAll([]FeeRule{rule, second}, func() RequestContext {
		return RequestContext{PaymentGateway: "cod"}
	}, &cart)

	if len(cart.Lines) != 2 {
		t.Fatalf("len(cart.Lines) = %d, want 2", len(cart.Lines))
	}
	for _, line := range cart.Lines {
		if line.Label != "Handling" || !line.Taxable {
			t.Fatalf("line = %+v, want taxable Handling line", line)
		}
	}
	if !cart.Total().Equal(decimal.NewFromInt(4)) {
		t.Fatalf("cart.Total() = %s, want 4", cart.Total())
	}
}

func TestApplyAllBuildsContextPerRule(t *testing.T) {
	calls := 0
	rules := []FeeRule{usBillingPercentRule(), usBillingPercentRule(), usBillingPercentRule()}
	Applicator{}.ApplyAll(rules, func() RequestContext {
		calls++
		return RequestContext{}
	}, &Cart{})

	if calls != len(rules) {
		t.Fatalf("newContext called %d times, want %d", calls, len(rules))
	}
}

func TestApplyActiveWindow(t *testing.T) {
	now := time.Date(2026, 3, 15, 18, 0, 0, 0, time.UTC)
	rule := usBillingPercentRule()
	ctx := RequestContext{BillingCountryState: "US", CartSubtotal: decimal.NewFromInt(10)}

	tests := []struct {
		name   string
		window *ActiveWindow
		honor  bool
		want   bool
	}{
		{"no window", nil, true, true},
		{"inside window", &ActiveWindow{Start: day(2026, 3, 1), End: day(2026, 3, 31)}, true, true},
		{"end day is inclusive", &ActiveWindow{End: day(2026, 3, 15)}, true, true},
		{"ended yesterday", &ActiveWindow{End: day(2026, 3, 14)}, true, false},
		{"starts tomorrow", &ActiveWindow{Start: day(2026, 3, 16)}, true, false},
		{"outside window but not honoured", &ActiveWindow{End: day(2026, 3, 14)}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := rule
			r.ActiveWindow = tt.window
			applicator := Applicator{HonorActiveWindow: tt.honor, Now: func() time.Time { return now }}

			decision := applicator.Apply(r, ctx, &Cart{})
			if decision.Applied != tt.want {
				t.Fatalf("Applied = %t, want %t (reason %q)", decision.Applied, tt.want, decision.Reason)
			}
			if !tt.want && decision.Reason != SkipInactive {
				t.Fatalf("Reason = %q, want %q", decision.Reason, SkipInactive)
			}
		})
	}
}

func TestApplyStrictRejectsUnknownKind(t *testing.T) {
	rule := FeeRule{
		FeeType:   FeeTypeFixed,
		Amount:    decimal.NewFromInt(1),
		MatchType: MatchAny,
		Conditions: []Condition{
			cond("shoe_size", catalog.Equal, "42"),
			cond(catalog.PaymentGateway, catalog.Equal, "cod"),
		},
	}
	ctx := RequestContext{PaymentGateway: "cod"}

	if d := (Applicator{}).Apply(rule, ctx, &Cart{}); !d.Applied {
		t.Fatalf("tolerant Apply() = %+v, want applied", d)
	}
	if d := (Applicator{Strict: true}).Apply(rule, ctx, &Cart{}); d.Applied || d.Reason != SkipUnknownKind {
		t.Fatalf("strict Apply() = %+v, want skipped %q", d, SkipUnknownKind)
	}
}

func TestApplyNoConditions(t *testing.T) {
	rule := FeeRule{FeeType: FeeTypeFixed, Amount: decimal.NewFromInt(5), MatchType: MatchAny}
	var cart Cart
	d := Applicator{}.Apply(rule, RequestContext{}, &cart)
	if d.Applied || d.Reason != SkipNoConditions || len(cart.Lines) != 0 {
		t.Fatalf("Apply() = %+v lines=%d, want skipped %q", d, len(cart.Lines), SkipNoConditions)
	}
}

func day(year int, month time.Month, d int) time.Time {
	return time.Date(year, month, d, 0, 0, 0, 0, time.UTC)
}
