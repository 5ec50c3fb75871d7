package catalog

import (
	"errors"
	"reflect"
	"testing"
)

func TestDescribe(t *testing.T) {
	kind, err := Describe(BillingCountryState)
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if kind.Group != GroupBilling {
		t.Fatalf("Group = %q, want %q", kind.Group, GroupBilling)
	}
	if kind.Widget != WidgetMultiSelectCountryState {
		t.Fatalf("Widget = %q, want %q", kind.Widget, WidgetMultiSelectCountryState)
	}
	if !kind.MultiValue() {
		t.Fatal("MultiValue() = false, want true")
	}
}

func TestDescribeUnknownKind(t *testing.T) {
	_, err := Describe("shoe_size")
	if !errors.Is(err, ErrUnknownConditionKind) {
		t.Fatalf("Describe(unknown) error = %v, want %v", err, ErrUnknownConditionKind)
	}
}

func TestDescribeInSection(t *testing.T) {
	if _, err := DescribeInSection(UserRole, GroupUser); err != nil {
		t.Fatalf("DescribeInSection(user_role, user specific) error = %v", err)
	}
	if _, err := DescribeInSection(UserRole, GroupCart); !errors.Is(err, ErrUnknownConditionKind) {
		t.Fatalf("DescribeInSection(user_role, cart specific) error = %v, want %v", err, ErrUnknownConditionKind)
	}
	if _, err := DescribeInSection(UserRole, ""); err != nil {
		t.Fatalf("DescribeInSection(user_role, \"\") error = %v", err)
	}
}

func TestSupportedOperators(t *testing.T) {
	tests := []struct {
		kind KindID
		want []OperatorID
	}{
		{BillingPostCode, []OperatorID{Equal, NotEqual}},
		{ShippingCountryState, []OperatorID{Contain, NotContain}},
		{PaymentGateway, []OperatorID{Equal, NotEqual}},
		{UserRole, []OperatorID{Equal, NotEqual}},
		{Quantity, []OperatorID{Equal, NotEqual, GreaterThan, LessThan, GreaterThanEqual, LessThanEqual}},
		{CartSubtotal, []OperatorID{Equal, NotEqual, GreaterThan, LessThan, GreaterThanEqual, LessThanEqual}},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			got, err := SupportedOperators(tt.kind)
			if err != nil {
				t.Fatalf("SupportedOperators() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("SupportedOperators() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestListIsGroupedAndComplete(t *testing.T) {
	gs := List()
	wantGroups := []string{GroupBilling, GroupShipping, GroupUser, GroupCart, GroupPayment}
	if len(gs) != len(wantGroups) {
		t.Fatalf("len(List()) = %d, want %d", len(gs), len(wantGroups))
	}

	seen := make(map[KindID]bool)
	for i, g := range gs {
		if g.Name != wantGroups[i] {
			t.Fatalf("List()[%d].Name = %q, want %q", i, g.Name, wantGroups[i])
		}
		for _, k := range g.Kinds {
			if k.Group != g.Name {
				t.Fatalf("kind %q has group %q inside %q", k.ID, k.Group, g.Name)
			}
			seen[k.ID] = true
		}
	}
	if len(seen) != 8 {
		t.Fatalf("catalog has %d kinds, want 8", len(seen))
	}
}

func TestListReturnsCopies(t *testing.T) {
	gs := List()
	gs[0].Kinds[0].Operators[0].Label = "mutated"

	kind, err := Describe(gs[0].Kinds[0].ID)
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if kind.Operators[0].Label == "mutated" {
		t.Fatal("mutating List() output changed the catalog")
	}
}

func TestParseOperator(t *testing.T) {
	tests := []struct {
		in   string
		want OperatorID
	}{
		{"equal", Equal},
		{"not-equal", NotEqual},
		{"not_contain", NotContain},
		{"greater-than-equal", GreaterThanEqual},
		{"LESS-THAN", LessThan},
		{">=", GreaterThanEqual},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseOperator(tt.in)
			if err != nil {
				t.Fatalf("ParseOperator(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Fatalf("ParseOperator(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}

	if _, err := ParseOperator("between"); !errors.Is(err, ErrUnknownOperator) {
		t.Fatalf("ParseOperator(between) error = %v, want %v", err, ErrUnknownOperator)
	}
}

func TestParseKind(t *testing.T) {
	if got, err := ParseKind(" quantity "); err != nil || got != Quantity {
		t.Fatalf("ParseKind(quantity) = %q, %v", got, err)
	}
	if _, err := ParseKind("weight"); !errors.Is(err, ErrUnknownConditionKind) {
		t.Fatalf("ParseKind(weight) error = %v, want %v", err, ErrUnknownConditionKind)
	}
}
