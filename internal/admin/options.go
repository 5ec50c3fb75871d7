package admin

import (
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Choice is one selectable value in a multi-select widget.
type Choice struct {
	Value string
	Label string
}

// DefaultRoles mirrors the roles a stock shop install ships with.
var DefaultRoles = []Choice{
	{Value: "administrator", Label: "Administrator"},
	{Value: "editor", Label: "Editor"},
	{Value: "author", Label: "Author"},
	{Value: "contributor", Label: "Contributor"},
	{Value: "subscriber", Label: "Subscriber"},
	{Value: "customer", Label: "Customer"},
	{Value: "shop_manager", Label: "Shop manager"},
}

// DefaultGateways lists the payment gateways offered when none are configured.
var DefaultGateways = []Choice{
	{Value: "bacs", Label: "Direct bank transfer"},
	{Value: "cheque", Label: "Check payments"},
	{Value: "cod", Label: "Cash on delivery"},
	{Value: "paypal", Label: "PayPal"},
	{Value: "stripe", Label: "Credit card (Stripe)"},
}

// DefaultCountries are the ISO 3166-1 codes offered by the country/state
// picker. Display names come from CLDR.
var DefaultCountries = []string{
	"AR", "AT", "AU", "BE", "BR", "CA", "CH", "CL", "CN", "CO", "CZ", "DE", "DK",
	"ES", "FI", "FR", "GB", "GR", "HK", "IE", "IL", "IN", "IT", "JP", "KR", "MX",
	"MY", "NL", "NO", "NZ", "PH", "PL", "PT", "SE", "SG", "TH", "TR", "US", "ZA",
}

var states = map[string][]Choice{
	"AU": {
		{"ACT", "Australian Capital Territory"}, {"NSW", "New South Wales"},
		{"NT", "Northern Territory"}, {"QLD", "Queensland"}, {"SA", "South Australia"},
		{"TAS", "Tasmania"}, {"VIC", "Victoria"}, {"WA", "Western Australia"},
	},
	"CA": {
		{"AB", "Alberta"}, {"BC", "British Columbia"}, {"MB", "Manitoba"},
		{"NB", "New Brunswick"}, {"NL", "Newfoundland and Labrador"},
		{"NT", "Northwest Territories"}, {"NS", "Nova Scotia"}, {"NU", "Nunavut"},
		{"ON", "Ontario"}, {"PE", "Prince Edward Island"}, {"QC", "Quebec"},
		{"SK", "Saskatchewan"}, {"YT", "Yukon Territory"},
	},
	"US": {
		{"AL", "Alabama"}, {"AK", "Alaska"}, {"AZ", "Arizona"}, {"AR", "Arkansas"},
		{"CA", "California"}, {"CO", "Colorado"}, {"CT", "Connecticut"},
		{"DE", "Delaware"}, {"DC", "District Of Columbia"}, {"FL", "Florida"},
		{"GA", "Georgia"}, {"HI", "Hawaii"}, {"ID", "Idaho"}, {"IL", "Illinois"},
		{"IN", "Indiana"}, {"IA", "Iowa"}, {"KS", "Kansas"}, {"KY", "Kentucky"},
		{"LA", "Louisiana"}, {"ME", "Maine"}, {"MD", "Maryland"},
		{"MA", "Massachusetts"}, {"MI", "Michigan"}, {"MN", "Minnesota"},
		{"MS", "Mississippi"}, {"MO", "Missouri"}, {"MT", "Montana"},
		{"NE", "Nebraska"}, {"NV", "Nevada"}, {"NH", "New Hampshire"},
		{"NJ", "New Jersey"}, {"NM", "New Mexico"}, {"NY", "New York"},
		{"NC", "North Carolina"}, {"ND", "North Dakota"}, {"OH", "Ohio"},
		{"OK", "Oklahoma"}, {"OR", "Oregon"}, {"PA", "Pennsylvania"},
		{"RI", "Rhode Island"}, {"SC", "South Carolina"}, {"SD", "South Dakota"},
		{"TN", "Tennessee"}, {"TX", "Texas"}, {"UT", "Utah"}, {"VT", "Vermont"},
		{"VA", "Virginia"}, {"WA", "Washington"}, {"WV", "West Virginia"},
		{"WI", "Wisconsin"}, {"WY", "Wyoming"},
	},
}

var regionNames = display.English.Regions()

// CountryName returns the English display name for an ISO region code, or
// the code itself when CLDR has no entry.
func CountryName(code string) string {
	region, err := language.ParseRegion(code)
	if err != nil {
		return code
	}
	if name := regionNames.Name(region); name != "" {
		return name
	}
	return code
}

// countryStateChoices lists each country followed by its states as
// "CC:STATE" values.
func countryStateChoices(countries []string) []Choice {
	out := make([]Choice, 0, len(countries))
	for _, code := range countries {
		country := CountryName(code)
		out = append(out, Choice{Value: code, Label: country})
		for _, st := range states[code] {
			out = append(out, Choice{
				Value: code + ":" + st.Value,
				Label: "\u00a0\u00a0\u00a0\u00a0 " + st.Label + " - " + country,
			})
		}
	}
	return out
}
