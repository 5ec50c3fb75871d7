package repository

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/shopspring/decimal"
)

func TestMetaValueMarshal(t *testing.T) {
	tests := []struct {
		in   MetaValue
		want string
	}{
		{nil, `""`},
		{MetaValue{"US"}, `"US"`},
		{MetaValue{"US", "CA:ON"}, `["US","CA:ON"]`},
	}
	for _, tt := range tests {
		got, err := json.Marshal(tt.in)
		if err != nil {
			t.Fatalf("Marshal(%q) error = %v", tt.in, err)
		}
		if string(got) != tt.want {
			t.Fatalf("Marshal(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestMetaValueUnmarshal(t *testing.T) {
	tests := []struct {
		in   string
		want MetaValue
	}{
		{`"90210"`, MetaValue{"90210"}},
		{`5`, MetaValue{"5"}},
		{`["stripe","cod"]`, MetaValue{"stripe", "cod"}},
		{`[1, "2"]`, MetaValue{"1", "2"}},
		{`""`, nil},
		{`null`, nil},
	}
	for _, tt := range tests {
		var got MetaValue
		if err := json.Unmarshal([]byte(tt.in), &got); err != nil {
			t.Fatalf("Unmarshal(%s) error = %v", tt.in, err)
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("Unmarshal(%s) = %#v, want %#v", tt.in, got, tt.want)
		}
	}

	var bad MetaValue
	if err := json.Unmarshal([]byte(`{"a":1}`), &bad); err == nil {
		t.Fatal("Unmarshal(object) error = nil, want error")
	}
}

func TestSettingsMetaStoredShape(t *testing.T) {
	in := SettingsMeta{
		Type:      "percentage",
		Amount:    decimal.RequireFromString("2.5"),
		Taxable:   true,
		StartDate: 1767225600,
	}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if generic["taxable"] != "yes" {
		t.Fatalf("taxable = %v, want yes", generic["taxable"])
	}
	if generic["end_date"] != "" {
		t.Fatalf("end_date = %v, want empty string", generic["end_date"])
	}
	if generic["start_date"] != float64(1767225600) {
		t.Fatalf("start_date = %v, want 1767225600", generic["start_date"])
	}

	var out SettingsMeta
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if out.Type != in.Type || !out.Amount.Equal(in.Amount) || out.Taxable != in.Taxable || out.StartDate != in.StartDate || out.EndDate != 0 {
		t.Fatalf("round trip = %+v, want %+v", out, in)
	}
}

func TestSettingsMetaLenientInput(t *testing.T) {
	var out SettingsMeta
	raw := `{"type":"fixed","amount":"10","taxable":"no","start_date":"1767225600","end_date":null}`
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if out.StartDate != 1767225600 || out.EndDate != 0 || bool(out.Taxable) {
		t.Fatalf("Unmarshal() = %+v", out)
	}

	if err := json.Unmarshal([]byte(`{"taxable":"maybe"}`), &out); err == nil {
		t.Fatal("Unmarshal(taxable maybe) error = nil, want error")
	}
	if err := json.Unmarshal([]byte(`{"start_date":"tomorrow"}`), &out); err == nil {
		t.Fatal("Unmarshal(start_date tomorrow) error = nil, want error")
	}
}

func TestFeeRecordMetaHelpers(t *testing.T) {
	var record FeeRecord
	if err := record.SetMeta(MetaConditionType, "match_all"); err != nil {
		t.Fatalf("SetMeta() error = %v", err)
	}

	var matchType string
	found, err := record.DecodeMeta(MetaConditionType, &matchType)
	if err != nil || !found || matchType != "match_all" {
		t.Fatalf("DecodeMeta() = %t, %v, %q", found, err, matchType)
	}

	found, err = record.DecodeMeta(MetaConditions, &[]ConditionMeta{})
	if err != nil || found {
		t.Fatalf("DecodeMeta(missing) = %t, %v, want false, nil", found, err)
	}
}
