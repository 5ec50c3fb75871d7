package core

import "github.com/shopspring/decimal"

type FeeLine struct {
	Label   string          `json:"label"`
	Amount  decimal.Decimal `json:"amount"`
	Taxable bool            `json:"taxable"`
}

// Cart is an in-memory CartSink that keeps lines in the order they were
// added. It is owned by a single calculation and not safe for concurrent use.
type Cart struct {
	Lines []FeeLine
}

func (c *Cart) AddFee(label string, amount decimal.Decimal, taxable bool) {
	c.Lines = append(c.Lines, FeeLine{Label: label, Amount: amount, Taxable: taxable})
}

func (c *Cart) Total() decimal.Decimal {
	total := decimal.Zero
	for _, line := range c.Lines {
		total = total.Add(line.Amount)
	}
	return total
}
