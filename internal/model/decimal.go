package model

import "github.com/shopspring/decimal"

// DecimalRow is an order book level as exchanges and strategy code carry it,
// in arbitrary precision.
type DecimalRow struct {
	Price    decimal.Decimal `json:"price"`
	Amount   decimal.Decimal `json:"amount"`
	UpdateID int64           `json:"update_id"`
}

// Float converts the row once to float64. Precision beyond float64 is dropped
// on purpose: the intensity model is approximate.
func (r DecimalRow) Float() OrderBookRow {
	price, _ := r.Price.Float64()
	amount, _ := r.Amount.Float64()
	return OrderBookRow{Price: price, Amount: amount, UpdateID: r.UpdateID}
}

// RowsFromDecimal converts a whole book side.
func RowsFromDecimal(rows []DecimalRow) []OrderBookRow {
	out := make([]OrderBookRow, len(rows))
	for i, r := range rows {
		out[i] = r.Float()
	}
	return out
}
