// Package catalog describes every condition kind a fee rule can reference:
// its group, display name, value widget, and the operators it accepts.
//
// The catalog is static data built once at package init. Both the authoring
// surface (to render pickers) and the evaluator (to reject unknown kinds)
// read from it.
package catalog

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownConditionKind is returned when a kind id has no catalog entry.
var ErrUnknownConditionKind = errors.New("unknown condition kind")

// ErrUnknownOperator is returned when an operator id is not recognised.
var ErrUnknownOperator = errors.New("unknown operator")

// KindID identifies a condition kind.
type KindID string

const (
	BillingPostCode      KindID = "billing_post_code"
	BillingCountryState  KindID = "billing_country_state"
	ShippingPostCode     KindID = "shipping_post_code"
	ShippingCountryState KindID = "shipping_country_state"
	UserRole             KindID = "user_role"
	CartSubtotal         KindID = "cart_subtotal"
	Quantity             KindID = "quantity"
	PaymentGateway       KindID = "payment_gateway"
)

// OperatorID identifies a comparison operator.
type OperatorID string

const (
	Equal            OperatorID = "equal"
	NotEqual         OperatorID = "not_equal"
	Contain          OperatorID = "contain"
	NotContain       OperatorID = "not_contain"
	GreaterThan      OperatorID = "greater_than"
	LessThan         OperatorID = "less_than"
	GreaterThanEqual OperatorID = "greater_than_equal"
	LessThanEqual    OperatorID = "less_than_equal"
)

// Widget is the input control used to author a condition's values.
type Widget string

const (
	WidgetText                    Widget = "text"
	WidgetMultiSelectCountryState Widget = "multi_select_country_state"
	WidgetMultiSelectRole         Widget = "multi_select_role"
	WidgetMultiSelectGateway      Widget = "multi_select_gateway"
)

// Operator pairs an operator id with its display label.
type Operator struct {
	ID    OperatorID `json:"id" yaml:"id"`
	Label string     `json:"label" yaml:"label"`
}

// Kind is the static descriptor of one condition kind.
type Kind struct {
	ID          KindID     `json:"id" yaml:"id"`
	Group       string     `json:"group" yaml:"group"`
	DisplayName string     `json:"display_name" yaml:"display_name"`
	Widget      Widget     `json:"value_widget" yaml:"value_widget"`
	Operators   []Operator `json:"operators" yaml:"operators"`
}

// Group is a named set of kinds, in display order.
type Group struct {
	Name  string `json:"name" yaml:"name"`
	Kinds []Kind `json:"kinds" yaml:"kinds"`
}

// Numeric reports whether the kind compares numbers.
func (k Kind) Numeric() bool {
	return k.ID == CartSubtotal || k.ID == Quantity
}

// MultiValue reports whether the kind's widget submits a list of values.
func (k Kind) MultiValue() bool {
	return k.Widget != WidgetText
}

// Supports reports whether op is one of the kind's operators.
func (k Kind) Supports(op OperatorID) bool {
	for _, o := range k.Operators {
		if o.ID == op {
			return true
		}
	}
	return false
}

// OperatorIDs returns the kind's operators in display order.
func (k Kind) OperatorIDs() []OperatorID {
	ids := make([]OperatorID, 0, len(k.Operators))
	for _, o := range k.Operators {
		ids = append(ids, o.ID)
	}
	return ids
}

const (
	GroupBilling  = "billing specific"
	GroupShipping = "shipping specific"
	GroupUser     = "user specific"
	GroupCart     = "cart specific"
	GroupPayment  = "payment specific"
)

var (
	equality = []Operator{
		{ID: Equal, Label: "Equal"},
		{ID: NotEqual, Label: "Not Equal"},
	}
	membership = []Operator{
		{ID: Contain, Label: "from"},
		{ID: NotContain, Label: "not from"},
	}
	comparison = []Operator{
		{ID: Equal, Label: "Equal"},
		{ID: NotEqual, Label: "Not Equal"},
		{ID: GreaterThan, Label: "Greater Than"},
		{ID: LessThan, Label: "Less than"},
		{ID: GreaterThanEqual, Label: "Greater Than or Equal to"},
		{ID: LessThanEqual, Label: "Less than or equal to"},
	}
)

var groups = []Group{
	{Name: GroupBilling, Kinds: []Kind{
		{ID: BillingPostCode, Group: GroupBilling, DisplayName: "Post Code", Widget: WidgetText, Operators: equality},
		{ID: BillingCountryState, Group: GroupBilling, DisplayName: "Country/State", Widget: WidgetMultiSelectCountryState, Operators: membership},
	}},
	{Name: GroupShipping, Kinds: []Kind{
		{ID: ShippingPostCode, Group: GroupShipping, DisplayName: "Post Code", Widget: WidgetText, Operators: equality},
		{ID: ShippingCountryState, Group: GroupShipping, DisplayName: "Country/State", Widget: WidgetMultiSelectCountryState, Operators: membership},
	}},
	{Name: GroupUser, Kinds: []Kind{
		{ID: UserRole, Group: GroupUser, DisplayName: "User Role", Widget: WidgetMultiSelectRole, Operators: equality},
	}},
	{Name: GroupCart, Kinds: []Kind{
		{ID: CartSubtotal, Group: GroupCart, DisplayName: "Cart Subtotal", Widget: WidgetText, Operators: comparison},
		{ID: Quantity, Group: GroupCart, DisplayName: "Cart Quantity", Widget: WidgetText, Operators: comparison},
	}},
	{Name: GroupPayment, Kinds: []Kind{
		{ID: PaymentGateway, Group: GroupPayment, DisplayName: "Payment Gateway", Widget: WidgetMultiSelectGateway, Operators: equality},
	}},
}

var byID = indexKinds(groups)

func indexKinds(gs []Group) map[KindID]Kind {
	index := make(map[KindID]Kind)
	for _, g := range gs {
		for _, k := range g.Kinds {
			index[k.ID] = k
		}
	}
	return index
}

// Describe returns the descriptor for id.
func Describe(id KindID) (Kind, error) {
	k, ok := byID[id]
	if !ok {
		return Kind{}, fmt.Errorf("%w: %q", ErrUnknownConditionKind, id)
	}
	return cloneKind(k), nil
}

// DescribeInSection returns the descriptor for id only if it belongs to the
// named group. An empty section searches every group.
func DescribeInSection(id KindID, section string) (Kind, error) {
	k, err := Describe(id)
	if err != nil {
		return Kind{}, err
	}
	if section != "" && k.Group != section {
		return Kind{}, fmt.Errorf("%w: %q not in section %q", ErrUnknownConditionKind, id, section)
	}
	return k, nil
}

// List returns every group with its kinds, in display order.
func List() []Group {
	out := make([]Group, 0, len(groups))
	for _, g := range groups {
		kinds := make([]Kind, 0, len(g.Kinds))
		for _, k := range g.Kinds {
			kinds = append(kinds, cloneKind(k))
		}
		out = append(out, Group{Name: g.Name, Kinds: kinds})
	}
	return out
}

// Kinds returns every kind in display order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(byID))
	for _, g := range groups {
		for _, k := range g.Kinds {
			out = append(out, cloneKind(k))
		}
	}
	return out
}

// SupportedOperators returns the ordered operator ids legal for id.
func SupportedOperators(id KindID) ([]OperatorID, error) {
	k, err := Describe(id)
	if err != nil {
		return nil, err
	}
	return k.OperatorIDs(), nil
}

// ParseKind validates a raw kind id.
func ParseKind(raw string) (KindID, error) {
	id := KindID(strings.TrimSpace(raw))
	if _, ok := byID[id]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownConditionKind, raw)
	}
	return id, nil
}

// ParseOperator validates a raw operator id. The hyphenated spellings stored
// by older records ("not-equal", "greater-than-equal") are accepted.
func ParseOperator(raw string) (OperatorID, error) {
	switch NormalizeOperator(raw) {
	case Equal, NotEqual, Contain, NotContain, GreaterThan, LessThan, GreaterThanEqual, LessThanEqual:
		return NormalizeOperator(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOperator, raw)
	}
}

// NormalizeOperator maps alternate spellings onto canonical operator ids.
// Unrecognised input is returned lower-cased with hyphens replaced.
func NormalizeOperator(raw string) OperatorID {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "==", "eq":
		return Equal
	case "!=", "neq":
		return NotEqual
	case ">", "gt":
		return GreaterThan
	case "<", "lt":
		return LessThan
	case ">=", "gte":
		return GreaterThanEqual
	case "<=", "lte":
		return LessThanEqual
	}
	return OperatorID(strings.ReplaceAll(s, "-", "_"))
}

func cloneKind(k Kind) Kind {
	k.Operators = append([]Operator(nil), k.Operators...)
	return k
}

// Supports reports whether op is legal for the kind id. Unknown kinds support
// nothing.
func Supports(id KindID, op OperatorID) bool {
	k, ok := byID[id]
	return ok && k.Supports(op)
}
