package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money amounts are rounded to the currency's minor unit immediately after
// every multiplication and summation so floating error never compounds.
const moneyPlaces = 2

func RoundMoney(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(moneyPlaces)
}

// BuildLines prices request items from authoritative product rows. The
// caller holds whatever lock makes the product quantities stable; BuildLines
// itself only checks availability and computes per-line amounts.
func BuildLines(products map[string]Product, items []SaleItemRequest) ([]SaleLine, error) {
	lines := make([]SaleLine, 0, len(items))
	for _, item := range items {
		product, ok := products[item.ProductID]
		if !ok {
			return nil, fmt.Errorf("product %s unavailable", item.ProductID)
		}
		qty := decimal.NewFromInt(int64(item.Quantity))
		subtotal := RoundMoney(product.Price.Mul(qty))
		profit := RoundMoney(product.Price.Sub(product.Cost).Mul(qty))
		lines = append(lines, SaleLine{
			ProductID: product.ID,
			Name:      product.Name,
			Quantity:  item.Quantity,
			Price:     product.Price,
			Cost:      product.Cost,
			Subtotal:  subtotal,
			Profit:    profit,
		})
	}
	return lines, nil
}

type Totals struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal
	Profit   decimal.Decimal
}

// ComputeTotals folds priced lines into sale totals. The tax rate is a
// fraction (0.15 = 15%) and is clamped to zero when negative.
func ComputeTotals(lines []SaleLine, taxRate decimal.Decimal) Totals {
	subtotal := decimal.Zero
	profit := decimal.Zero
	for _, line := range lines {
		subtotal = RoundMoney(subtotal.Add(line.Subtotal))
		profit = RoundMoney(profit.Add(line.Profit))
	}
	if taxRate.IsNegative() {
		taxRate = decimal.Zero
	}
	tax := RoundMoney(subtotal.Mul(taxRate))
	return Totals{
		Subtotal: subtotal,
		Tax:      tax,
		Total:    RoundMoney(subtotal.Add(tax)),
		Profit:   profit,
	}
}
