package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func testProducts() map[string]Product {
	return map[string]Product{
		"p1": {ID: "p1", Name: "One", Price: decimal.RequireFromString("1.10"), Cost: decimal.RequireFromString("0.85")},
		"p2": {ID: "p2", Name: "Two", Price: decimal.RequireFromString("0.33"), Cost: decimal.RequireFromString("0.20")},
	}
}

func TestBuildLinesRoundsPerLine(t *testing.T) {
	lines, err := BuildLines(testProducts(), []SaleItemRequest{
		{ProductID: "p2", Quantity: 3},
	})
	if err != nil {
		t.Fatalf("build lines: %v", err)
	}
	if !lines[0].Subtotal.Equal(decimal.RequireFromString("0.99")) {
		t.Fatalf("subtotal = %s, want 0.99", lines[0].Subtotal)
	}
	if !lines[0].Profit.Equal(decimal.RequireFromString("0.39")) {
		t.Fatalf("profit = %s, want 0.39", lines[0].Profit)
	}
}

func TestBuildLinesUnknownProduct(t *testing.T) {
	_, err := BuildLines(testProducts(), []SaleItemRequest{{ProductID: "ghost", Quantity: 1}})
	if err == nil {
		t.Fatalf("expected error for unknown product")
	}
}

func TestComputeTotalsConservation(t *testing.T) {
	lines, err := BuildLines(testProducts(), []SaleItemRequest{
		{ProductID: "p1", Quantity: 2},
		{ProductID: "p2", Quantity: 7},
	})
	if err != nil {
		t.Fatalf("build lines: %v", err)
	}

	totals := ComputeTotals(lines, decimal.RequireFromString("0.145"))
	if !totals.Total.Equal(totals.Subtotal.Add(totals.Tax)) {
		t.Fatalf("total %s != subtotal %s + tax %s", totals.Total, totals.Subtotal, totals.Tax)
	}

	wantProfit := decimal.Zero
	for _, line := range lines {
		wantProfit = RoundMoney(wantProfit.Add(line.Profit))
	}
	if !totals.Profit.Equal(wantProfit) {
		t.Fatalf("profit = %s, want %s", totals.Profit, wantProfit)
	}
}

func TestComputeTotalsClampsNegativeTaxRate(t *testing.T) {
	lines, _ := BuildLines(testProducts(), []SaleItemRequest{{ProductID: "p1", Quantity: 1}})
	totals := ComputeTotals(lines, decimal.RequireFromString("-0.5"))
	if !totals.Tax.IsZero() {
		t.Fatalf("negative tax rate produced tax %s", totals.Tax)
	}
	if !totals.Total.Equal(totals.Subtotal) {
		t.Fatalf("total %s != subtotal %s with zero tax", totals.Total, totals.Subtotal)
	}
}

func TestNormalizeCurrency(t *testing.T) {
	cases := map[string]string{
		"usd":  "USD",
		" zar": "ZAR",
		"ZWL":  "ZWL",
		"GBP":  BaseCurrency,
		"":     BaseCurrency,
	}
	for input, want := range cases {
		if got := NormalizeCurrency(input); got != want {
			t.Fatalf("NormalizeCurrency(%q) = %s, want %s", input, got, want)
		}
	}
}

func TestNormalizePaymentMethod(t *testing.T) {
	cases := map[string]string{
		"cash":     "cash",
		"MOBILE":   "ecocash",
		"swipe":    "card",
		"visa":     "card",
		"zipit":    "transfer",
		"cheque":   DefaultPaymentMethod,
		"":         DefaultPaymentMethod,
		"ecocash":  "ecocash",
		"transfer": "transfer",
	}
	for input, want := range cases {
		if got := NormalizePaymentMethod(input); got != want {
			t.Fatalf("NormalizePaymentMethod(%q) = %s, want %s", input, got, want)
		}
	}
}
