package core

import (
	"time"

	"github.com/matt-riley/cartfee/internal/catalog"
	"github.com/shopspring/decimal"
)

type FeeType string

const (
	FeeTypeFixed      FeeType = "fixed"
	FeeTypePercentage FeeType = "percentage"
)

type MatchType string

const (
	MatchAny MatchType = "match_any"
	MatchAll MatchType = "match_all"
)

// Condition is one test inside a fee rule. Values holds a single element for
// text kinds and one element per selected option for multi-select kinds.
type Condition struct {
	Kind     catalog.KindID     `json:"kind" yaml:"kind"`
	Operator catalog.OperatorID `json:"operator" yaml:"operator"`
	Values   []string           `json:"values" yaml:"values"`
}

// ActiveWindow bounds the calendar days a rule may apply on. Either side may
// be zero for an open bound; End is inclusive of the whole day.
type ActiveWindow struct {
	Start time.Time `json:"start,omitzero" yaml:"start,omitempty"`
	End   time.Time `json:"end,omitzero" yaml:"end,omitempty"`
}

// Contains reports whether now falls inside the window.
func (w ActiveWindow) Contains(now time.Time) bool {
	if !w.Start.IsZero() && now.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && !now.Before(w.End.AddDate(0, 0, 1)) {
		return false
	}
	return true
}

type FeeRule struct {
	ID           string          `json:"id" yaml:"id"`
	Title        string          `json:"title,omitempty" yaml:"title,omitempty"`
	FeeType      FeeType         `json:"fee_type" yaml:"fee_type"`
	Amount       decimal.Decimal `json:"amount" yaml:"amount"`
	Taxable      bool            `json:"taxable" yaml:"taxable"`
	ActiveWindow *ActiveWindow   `json:"active_window,omitempty" yaml:"active_window,omitempty"`
	MatchType    MatchType       `json:"match_type" yaml:"match_type"`
	Conditions   []Condition     `json:"conditions" yaml:"conditions"`
}

// RequestContext is the snapshot of shopper and cart facts one calculation
// is evaluated against. Country/state values are "CC" or "CC:STATE".
type RequestContext struct {
	ShippingCountryState string          `json:"shipping_country_state,omitempty" yaml:"shipping_country_state,omitempty"`
	BillingCountryState  string          `json:"billing_country_state,omitempty" yaml:"billing_country_state,omitempty"`
	ShippingPostCode     string          `json:"shipping_post_code,omitempty" yaml:"shipping_post_code,omitempty"`
	BillingPostCode      string          `json:"billing_post_code,omitempty" yaml:"billing_post_code,omitempty"`
	PaymentGateway       string          `json:"chosen_payment_gateway,omitempty" yaml:"chosen_payment_gateway,omitempty"`
	UserRoles            []string        `json:"user_roles,omitempty" yaml:"user_roles,omitempty"`
	CartLineQuantities   []int           `json:"cart_line_quantities,omitempty" yaml:"cart_line_quantities,omitempty"`
	CartSubtotal         decimal.Decimal `json:"cart_subtotal" yaml:"cart_subtotal"`
	CartShippingTotal    decimal.Decimal `json:"cart_shipping_total" yaml:"cart_shipping_total"`
}

type MatchResult struct {
	PerCondition       map[catalog.KindID]bool `json:"per_condition"`
	AllConditionsCount int                     `json:"all_conditions_count"`
}

// TrueCount returns the number of kinds that matched.
func (r MatchResult) TrueCount() int {
	n := 0
	for _, matched := range r.PerCondition {
		if matched {
			n++
		}
	}
	return n
}
