package admin

import (
	"bytes"
	"fmt"
	"html/template"
	"slices"

	"github.com/matt-riley/cartfee/internal/catalog"
)

// Widgets renders the operator dropdown and value input for a condition row.
// Row inputs are named fee_condition[...][key] so a submitted form keeps its
// rows in position order.
type Widgets struct {
	Roles     []Choice
	Gateways  []Choice
	Countries []string
}

func DefaultWidgets() Widgets {
	return Widgets{Roles: DefaultRoles, Gateways: DefaultGateways, Countries: DefaultCountries}
}

type operatorOption struct {
	ID       catalog.OperatorID
	Label    string
	Selected bool
}

type selectOption struct {
	Value    string
	Label    string
	Selected bool
}

type dropdownData struct {
	Key       string
	Operators []operatorOption
}

type textInputData struct {
	Key   string
	Type  string
	Value string
}

type multiSelectData struct {
	Key         string
	Attribute   string
	Placeholder string
	Options     []selectOption
}

// ConditionDropdown renders the kind's operators with selected pre-chosen.
func (w Widgets) ConditionDropdown(kind catalog.Kind, key string, selected catalog.OperatorID) (template.HTML, error) {
	data := dropdownData{Key: key}
	for _, op := range kind.Operators {
		data.Operators = append(data.Operators, operatorOption{ID: op.ID, Label: op.Label, Selected: op.ID == selected})
	}
	return execute("condition_dropdown", data)
}

// ValueWidget renders the kind's value input pre-filled with values. It
// returns an empty fragment for a widget it has no template for.
func (w Widgets) ValueWidget(kind catalog.Kind, key string, values []string) (template.HTML, error) {
	switch kind.Widget {
	case catalog.WidgetText:
		data := textInputData{Key: key, Type: "text"}
		if kind.Numeric() {
			data.Type = "number"
		}
		if len(values) > 0 {
			data.Value = values[0]
		}
		return execute("value_text", data)
	case catalog.WidgetMultiSelectCountryState:
		return execute("value_multi_select", multiSelectData{
			Key:         key,
			Attribute:   "country-state",
			Placeholder: "Select country and state",
			Options:     selected(countryStateChoices(w.Countries), values),
		})
	case catalog.WidgetMultiSelectGateway:
		return execute("value_multi_select", multiSelectData{
			Key:         key,
			Attribute:   "payment_gateway",
			Placeholder: "Select payment gateway",
			Options:     selected(w.Gateways, values),
		})
	case catalog.WidgetMultiSelectRole:
		return execute("value_multi_select", multiSelectData{
			Key:         key,
			Attribute:   "user_role",
			Placeholder: "Select user role",
			Options:     selected(w.Roles, values),
		})
	default:
		return "", nil
	}
}

func selected(choices []Choice, values []string) []selectOption {
	out := make([]selectOption, 0, len(choices))
	for _, c := range choices {
		out = append(out, selectOption{Value: c.Value, Label: c.Label, Selected: slices.Contains(values, c.Value)})
	}
	return out
}

func execute(name string, data any) (template.HTML, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return template.HTML(buf.String()), nil
}
