package repository

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Meta keys stored against every fee record.
const (
	MetaSettings      = "_fee_settings"
	MetaConditionType = "_fee_condition_type"
	MetaConditions    = "_fee_conditions"
)

// SettingsMeta is the stored shape of a fee's settings.
type SettingsMeta struct {
	Type      string          `json:"type"`
	Amount    decimal.Decimal `json:"amount"`
	Taxable   YesNo           `json:"taxable"`
	StartDate Epoch           `json:"start_date"`
	EndDate   Epoch           `json:"end_date"`
}

// ConditionMeta is one stored condition row.
type ConditionMeta struct {
	Name      string    `json:"name"`
	Condition string    `json:"condition"`
	Value     MetaValue `json:"value"`
}

// MetaValue is stored as a bare string when it holds a single value and as a
// list otherwise.
type MetaValue []string

func (v MetaValue) MarshalJSON() ([]byte, error) {
	switch len(v) {
	case 0:
		return []byte(`""`), nil
	case 1:
		return json.Marshal(v[0])
	default:
		return json.Marshal([]string(v))
	}
}

func (v *MetaValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = nil
		return nil
	}

	switch data[0] {
	case '[':
		var list []json.RawMessage
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		out := make(MetaValue, 0, len(list))
		for _, item := range list {
			s, err := scalarString(item)
			if err != nil {
				return err
			}
			out = append(out, s)
		}
		*v = out
		return nil
	default:
		s, err := scalarString(data)
		if err != nil {
			return err
		}
		if s == "" {
			*v = nil
			return nil
		}
		*v = MetaValue{s}
		return nil
	}
}

// scalarString accepts a JSON string or number.
func scalarString(data json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return "", fmt.Errorf("meta value %s is neither a string nor a number", data)
	}
	return n.String(), nil
}

// YesNo is a boolean stored as "yes" or "no".
type YesNo bool

func (b YesNo) MarshalJSON() ([]byte, error) {
	if b {
		return []byte(`"yes"`), nil
	}
	return []byte(`"no"`), nil
}

func (b *YesNo) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch value := raw.(type) {
	case bool:
		*b = YesNo(value)
	case string:
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "yes", "true", "1", "on":
			*b = true
		case "no", "false", "0", "off", "":
			*b = false
		default:
			return fmt.Errorf("invalid yes/no value %q", value)
		}
	case nil:
		*b = false
	default:
		return fmt.Errorf("invalid yes/no value %v", raw)
	}
	return nil
}

// Epoch is a Unix timestamp in seconds. Zero is stored as an empty string.
type Epoch int64

func (e Epoch) MarshalJSON() ([]byte, error) {
	if e == 0 {
		return []byte(`""`), nil
	}
	return []byte(strconv.FormatInt(int64(e), 10)), nil
}

func (e *Epoch) UnmarshalJSON(data []byte) error {
	s, err := scalarString(data)
	if err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*e = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid epoch %q: %w", s, err)
	}
	*e = Epoch(n)
	return nil
}

// DecodeMeta unmarshals the meta value stored under key into dst. A missing
// key leaves dst untouched and reports false.
func (r FeeRecord) DecodeMeta(key string, dst any) (bool, error) {
	raw, ok := r.Meta[key]
	if !ok || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetMeta marshals value and stores it under key.
func (r *FeeRecord) SetMeta(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if r.Meta == nil {
		r.Meta = make(map[string]json.RawMessage)
	}
	r.Meta[key] = raw
	return nil
}
