package domain

import "github.com/shopspring/decimal"

// Book is a catalog entry. StockQuantity is the item's available stock level.
type Book struct {
	ID            int64           `json:"id"`
	Title         string          `json:"title"`
	Genre         string          `json:"genre"`
	Price         decimal.Decimal `json:"price"`
	StockQuantity int             `json:"stock_quantity"`
}

// Currency rates are the number of PHP one unit is worth.
type Currency struct {
	ID                int64           `json:"id"`
	Code              string          `json:"code"`
	ExchangeRateToPHP decimal.Decimal `json:"exchange_rate_to_php"`
}

// Convert expresses amount, given in c, in currency to, rounded to cents.
func (c Currency) Convert(amount decimal.Decimal, to Currency) decimal.Decimal {
	if c.Code == to.Code {
		return amount
	}
	return amount.Mul(c.ExchangeRateToPHP).Div(to.ExchangeRateToPHP).Round(2)
}
