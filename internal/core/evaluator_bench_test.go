package core

import (
	"fmt"
	"testing"

	"github.com/matt-riley/cartfee/internal/catalog"
	"github.com/shopspring/decimal"
)

func BenchmarkEvaluate_SingleCondition(b *testing.B) {
	rule := usBillingPercentRule()
	ctx := RequestContext{BillingCountryState: "US"}

	b.ResetTimer()
	for b.Loop() {
		Applicable(rule, Evaluate(rule, ctx))
	}
}

func BenchmarkEvaluate_EveryKind(b *testing.B) {
	rule := FeeRule{
		MatchType: MatchAll,
		Conditions: []Condition{
			cond(catalog.BillingCountryState, catalog.Contain, "US", "CA", "GB"),
			cond(catalog.ShippingCountryState, catalog.Contain, "US"),
			cond(catalog.BillingPostCode, catalog.NotEqual, "00000"),
			cond(catalog.ShippingPostCode, catalog.Equal, "90210"),
			cond(catalog.UserRole, catalog.Equal, "customer"),
			cond(catalog.PaymentGateway, catalog.Equal, "stripe"),
			cond(catalog.Quantity, catalog.GreaterThan, "2"),
			cond(catalog.CartSubtotal, catalog.GreaterThanEqual, "50"),
		},
	}
	ctx := RequestContext{
		BillingCountryState:  "US:CA",
		ShippingCountryState: "US:CA",
		BillingPostCode:      "90210",
		ShippingPostCode:     "90210",
		UserRoles:            []string{"customer"},
		PaymentGateway:       "stripe",
		CartLineQuantities:   []int{1, 3},
		CartSubtotal:         decimal.NewFromInt(75),
	}

	b.ResetTimer()
	for b.Loop() {
		Applicable(rule, Evaluate(rule, ctx))
	}
}

func BenchmarkApplyAll(b *testing.B) {
	for _, n := range []int{10, 100, 1000} {
		b.Run(fmt.Sprintf("rules=%d", n), func(b *testing.B) {
			rules := make([]FeeRule, n)
			for i := range rules {
				rules[i] = usBillingPercentRule()
				rules[i].ID = fmt.Sprintf("rule-%d", i)
			}
			ctx := RequestContext{
				BillingCountryState: "US",
				CartSubtotal:        decimal.NewFromInt(100),
				CartShippingTotal:   decimal.NewFromInt(10),
			}
			newContext := func() RequestContext { return ctx }
			applicator := Applicator{}

			b.ResetTimer()
			for b.Loop() {
				applicator.ApplyAll(rules, newContext, &Cart{})
			}
		})
	}
}
