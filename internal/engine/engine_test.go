package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tillpoint/internal/domain"
	"tillpoint/internal/store"
	"tillpoint/internal/store/memory"
)

func newTestEngine(t *testing.T) (*Engine, store.Repository) {
	t.Helper()
	repo := memory.NewSeeded()
	return New(repo, nil), repo
}

func mustCreateProduct(t *testing.T, repo store.Repository, id string, price string, cost string, qty int) {
	t.Helper()
	_, err := repo.CreateProduct(context.Background(), domain.Product{
		ID:       id,
		Name:     "Test Product " + id,
		Price:    decimal.RequireFromString(price),
		Cost:     decimal.RequireFromString(cost),
		Quantity: qty,
	})
	if err != nil {
		t.Fatalf("create product %s: %v", id, err)
	}
}

func TestSettleComputesTotals(t *testing.T) {
	eng, repo := newTestEngine(t)
	mustCreateProduct(t, repo, "prod-totals", "2.50", "1.75", 50)

	result, err := eng.Settle(context.Background(), domain.SaleRequest{
		Items:         []domain.SaleItemRequest{{ProductID: "prod-totals", Quantity: 3}},
		PaymentMethod: "cash",
		Currency:      "USD",
		TaxRate:       decimal.RequireFromString("0.15"),
	})
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}

	sale := result.Sale
	wantSubtotal := decimal.RequireFromString("7.50")
	wantTax := decimal.RequireFromString("1.13")
	wantProfit := decimal.RequireFromString("2.25")

	if !sale.Subtotal.Equal(wantSubtotal) {
		t.Fatalf("subtotal = %s, want %s", sale.Subtotal, wantSubtotal)
	}
	if !sale.Tax.Equal(wantTax) {
		t.Fatalf("tax = %s, want %s", sale.Tax, wantTax)
	}
	if !sale.Total.Equal(sale.Subtotal.Add(sale.Tax)) {
		t.Fatalf("total %s != subtotal %s + tax %s", sale.Total, sale.Subtotal, sale.Tax)
	}
	if !sale.Profit.Equal(wantProfit) {
		t.Fatalf("profit = %s, want %s", sale.Profit, wantProfit)
	}
}

func TestSettleIdempotentReplay(t *testing.T) {
	eng, repo := newTestEngine(t)
	mustCreateProduct(t, repo, "prod-replay", "4.00", "3.00", 10)

	req := domain.SaleRequest{
		Items:         []domain.SaleItemRequest{{ProductID: "prod-replay", Quantity: 2}},
		PaymentMethod: "cash",
		Currency:      "USD",
		ClientRef:     "ref-abc",
	}

	first, err := eng.Settle(context.Background(), req)
	if err != nil {
		t.Fatalf("first settle failed: %v", err)
	}
	if first.AlreadySettled {
		t.Fatalf("first settle flagged as replay")
	}

	second, err := eng.Settle(context.Background(), req)
	if err != nil {
		t.Fatalf("second settle failed: %v", err)
	}
	if !second.AlreadySettled {
		t.Fatalf("second settle not flagged as replay")
	}
	if second.Sale.ID != first.Sale.ID {
		t.Fatalf("replay returned different sale: %s vs %s", second.Sale.ID, first.Sale.ID)
	}
	if !second.Sale.Total.Equal(first.Sale.Total) {
		t.Fatalf("replay changed total: %s vs %s", second.Sale.Total, first.Sale.Total)
	}

	product, err := repo.GetProduct(context.Background(), "prod-replay")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Quantity != 8 {
		t.Fatalf("stock decremented more than once: quantity = %d, want 8", product.Quantity)
	}
}

func TestSettleInsufficientStock(t *testing.T) {
	eng, repo := newTestEngine(t)
	mustCreateProduct(t, repo, "prod-scarce", "1.00", "0.50", 5)

	_, err := eng.Settle(context.Background(), domain.SaleRequest{
		Items:         []domain.SaleItemRequest{{ProductID: "prod-scarce", Quantity: 6}},
		PaymentMethod: "cash",
		Currency:      "USD",
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	product, err := repo.GetProduct(context.Background(), "prod-scarce")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Quantity != 5 {
		t.Fatalf("failed settle mutated stock: quantity = %d, want 5", product.Quantity)
	}
}

func TestSettleRollsBackMultiLineOnInsufficientStock(t *testing.T) {
	eng, repo := newTestEngine(t)
	mustCreateProduct(t, repo, "prod-ok", "1.00", "0.50", 10)
	mustCreateProduct(t, repo, "prod-short", "1.00", "0.50", 1)

	_, err := eng.Settle(context.Background(), domain.SaleRequest{
		Items: []domain.SaleItemRequest{
			{ProductID: "prod-ok", Quantity: 2},
			{ProductID: "prod-short", Quantity: 3},
		},
		PaymentMethod: "cash",
		Currency:      "USD",
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	ok, _ := repo.GetProduct(context.Background(), "prod-ok")
	if ok.Quantity != 10 {
		t.Fatalf("earlier line was committed despite rollback: quantity = %d, want 10", ok.Quantity)
	}
}

func TestSettleNormalizesCurrencyAndPayment(t *testing.T) {
	eng, repo := newTestEngine(t)
	mustCreateProduct(t, repo, "prod-norm", "1.00", "0.50", 10)

	result, err := eng.Settle(context.Background(), domain.SaleRequest{
		Items:         []domain.SaleItemRequest{{ProductID: "prod-norm", Quantity: 1}},
		PaymentMethod: "mobile",
		Currency:      "gbp",
	})
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if result.Sale.PaymentMethod != "ecocash" {
		t.Fatalf("payment method = %s, want ecocash", result.Sale.PaymentMethod)
	}
	if result.Sale.Currency != domain.BaseCurrency {
		t.Fatalf("currency = %s, want %s", result.Sale.Currency, domain.BaseCurrency)
	}
}

func TestSettleRejectsInvalidItems(t *testing.T) {
	eng, _ := newTestEngine(t)

	cases := []struct {
		name  string
		items []domain.SaleItemRequest
	}{
		{"no items", nil},
		{"zero quantity", []domain.SaleItemRequest{{ProductID: "prod-bread-01", Quantity: 0}}},
		{"negative quantity", []domain.SaleItemRequest{{ProductID: "prod-bread-01", Quantity: -2}}},
		{"missing product id", []domain.SaleItemRequest{{ProductID: "", Quantity: 1}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := eng.Settle(context.Background(), domain.SaleRequest{Items: tc.items})
			if !errors.Is(err, store.ErrInvalidSale) {
				t.Fatalf("expected ErrInvalidSale, got %v", err)
			}
		})
	}
}

func TestSettleRejectsTaxRateAboveOne(t *testing.T) {
	eng, repo := newTestEngine(t)
	mustCreateProduct(t, repo, "prod-taxed", "1.00", "0.50", 10)

	_, err := eng.Settle(context.Background(), domain.SaleRequest{
		Items:   []domain.SaleItemRequest{{ProductID: "prod-taxed", Quantity: 1}},
		TaxRate: decimal.RequireFromString("15"),
	})
	if !errors.Is(err, store.ErrInvalidSale) {
		t.Fatalf("expected ErrInvalidSale for percent-style tax rate, got %v", err)
	}
}

func TestSettleMergesDuplicateLines(t *testing.T) {
	eng, repo := newTestEngine(t)
	mustCreateProduct(t, repo, "prod-dup", "1.00", "0.50", 10)

	result, err := eng.Settle(context.Background(), domain.SaleRequest{
		Items: []domain.SaleItemRequest{
			{ProductID: "prod-dup", Quantity: 2},
			{ProductID: "prod-dup", Quantity: 3},
		},
		PaymentMethod: "cash",
		Currency:      "USD",
	})
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if len(result.Sale.Lines) != 1 {
		t.Fatalf("expected 1 merged line, got %d", len(result.Sale.Lines))
	}
	if result.Sale.Lines[0].Quantity != 5 {
		t.Fatalf("merged quantity = %d, want 5", result.Sale.Lines[0].Quantity)
	}
}

func TestConcurrentSettleNeverOversells(t *testing.T) {
	eng, repo := newTestEngine(t)
	const stock = 7
	mustCreateProduct(t, repo, "prod-race", "1.00", "0.50", stock)

	const workers = 20
	var wg sync.WaitGroup
	committed := make(chan int, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			result, err := eng.Settle(context.Background(), domain.SaleRequest{
				Items:         []domain.SaleItemRequest{{ProductID: "prod-race", Quantity: 1}},
				PaymentMethod: "cash",
				Currency:      "USD",
				ClientRef:     fmt.Sprintf("race-%d", n),
			})
			if err != nil {
				if !errors.Is(err, store.ErrInsufficientStock) {
					t.Errorf("unexpected settle error: %v", err)
				}
				return
			}
			committed <- result.Sale.Lines[0].Quantity
		}(i)
	}
	wg.Wait()
	close(committed)

	sold := 0
	for qty := range committed {
		sold += qty
	}
	if sold > stock {
		t.Fatalf("oversold: committed %d units with stock %d", sold, stock)
	}

	product, err := repo.GetProduct(context.Background(), "prod-race")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Quantity != stock-sold {
		t.Fatalf("remaining stock = %d, want %d", product.Quantity, stock-sold)
	}
	if product.Quantity < 0 {
		t.Fatalf("stock went negative: %d", product.Quantity)
	}
}

func TestSalesSummaryBuckets(t *testing.T) {
	eng, repo := newTestEngine(t)
	mustCreateProduct(t, repo, "prod-sum", "2.00", "1.00", 50)

	settle := func(currency string, payment string) {
		t.Helper()
		_, err := eng.Settle(context.Background(), domain.SaleRequest{
			Items:         []domain.SaleItemRequest{{ProductID: "prod-sum", Quantity: 1}},
			PaymentMethod: payment,
			Currency:      currency,
		})
		if err != nil {
			t.Fatalf("settle failed: %v", err)
		}
	}

	settle("USD", "cash")
	settle("USD", "card")
	settle("ZAR", "cash")

	summary, err := eng.SalesSummary(context.Background(), time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if summary.Sales != 3 {
		t.Fatalf("sales count = %d, want 3", summary.Sales)
	}

	wantGross := decimal.RequireFromString("6.00")
	if !summary.GrossTotal.Equal(wantGross) {
		t.Fatalf("gross total = %s, want %s", summary.GrossTotal, wantGross)
	}

	currencies := bucketKeys(summary.ByCurrency)
	if len(currencies) != 2 || currencies[0] != "USD" || currencies[1] != "ZAR" {
		t.Fatalf("unexpected currency buckets: %v", currencies)
	}
	payments := bucketKeys(summary.ByPayment)
	if len(payments) != 2 || payments[0] != "card" || payments[1] != "cash" {
		t.Fatalf("unexpected payment buckets: %v", payments)
	}
}

func bucketKeys(buckets []domain.SummaryBucket) []string {
	keys := make([]string, 0, len(buckets))
	for _, b := range buckets {
		keys = append(keys, b.Key)
	}
	return keys
}
