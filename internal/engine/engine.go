// Package engine is the sale transaction engine: it validates and
// normalizes settlement requests, enforces idempotent replay by client
// reference, and delegates the atomic stock-and-ledger commit to the store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tillpoint/internal/domain"
	"tillpoint/internal/store"
	"tillpoint/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Engine struct {
	repo   store.Repository
	logger *zap.Logger
}

func New(repo store.Repository, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{repo: repo, logger: logger}
}

// Settle commits a sale exactly once per client reference. A request whose
// reference already settled returns the original sale with AlreadySettled
// set; stock and the ledger are untouched on replay.
func (e *Engine) Settle(ctx context.Context, req domain.SaleRequest) (domain.SettleResult, error) {
	items, err := normalizeItems(req.Items)
	if err != nil {
		return domain.SettleResult{}, err
	}

	req.Currency = domain.NormalizeCurrency(req.Currency)
	req.PaymentMethod = domain.NormalizePaymentMethod(req.PaymentMethod)
	req.ClientRef = strings.TrimSpace(req.ClientRef)
	if req.TaxRate.IsNegative() {
		req.TaxRate = decimal.Zero
	}
	// The rate is a fraction of the subtotal; anything above 1 is almost
	// certainly a percent sent by mistake, so refuse it instead of guessing.
	if req.TaxRate.GreaterThan(decimal.NewFromInt(1)) {
		return domain.SettleResult{}, fmt.Errorf("%w: tax rate %s exceeds 1", store.ErrInvalidSale, req.TaxRate.String())
	}

	if req.ClientRef != "" {
		existing, err := e.repo.FindSaleByClientRef(ctx, req.ClientRef)
		if err == nil {
			e.logger.Info("sale replayed",
				zap.String("client_ref", req.ClientRef),
				zap.String("sale_id", existing.ID))
			return domain.SettleResult{Sale: *existing, AlreadySettled: true}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return domain.SettleResult{}, err
		}
	}

	lines := make([]domain.SaleLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, domain.SaleLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	sale := domain.Sale{
		ID:            xid.New("sale"),
		ClientRef:     req.ClientRef,
		CashierID:     strings.TrimSpace(req.CashierID),
		Lines:         lines,
		TaxRate:       req.TaxRate,
		Currency:      req.Currency,
		PaymentMethod: req.PaymentMethod,
		CreatedAt:     time.Now().UTC(),
	}

	saved, err := e.repo.CreateSale(ctx, sale)
	if err != nil {
		return domain.SettleResult{}, err
	}

	// A concurrent settle of the same reference may have won inside the
	// store; the returned sale keeps its original ID in that case.
	replayed := saved.ID != sale.ID
	if replayed {
		e.logger.Info("sale replayed",
			zap.String("client_ref", req.ClientRef),
			zap.String("sale_id", saved.ID))
	} else {
		e.logger.Info("sale settled",
			zap.String("sale_id", saved.ID),
			zap.String("client_ref", saved.ClientRef),
			zap.String("currency", saved.Currency),
			zap.String("payment_method", saved.PaymentMethod),
			zap.String("total", saved.Total.StringFixed(2)))
	}

	return domain.SettleResult{Sale: *saved, AlreadySettled: replayed}, nil
}

func (e *Engine) LookupByClientRef(ctx context.Context, ref string) (*domain.Sale, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, store.ErrInvalidSale
	}
	return e.repo.FindSaleByClientRef(ctx, ref)
}

func (e *Engine) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, store.ErrInvalidSale
	}
	return e.repo.FindSaleByID(ctx, id)
}

func (e *Engine) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return e.repo.ListProducts(ctx)
}

func (e *Engine) CreateProduct(ctx context.Context, product domain.Product) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	product.Name = strings.TrimSpace(product.Name)
	product.Barcode = strings.TrimSpace(product.Barcode)
	if product.Name == "" || !product.Price.IsPositive() || product.Quantity < 0 {
		return domain.Product{}, store.ErrInvalidSale
	}
	if product.Cost.IsNegative() {
		return domain.Product{}, store.ErrInvalidSale
	}

	created, err := e.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}
	e.logger.Info("product created",
		zap.String("product_id", created.ID),
		zap.String("name", created.Name),
		zap.String("actor", actor.Username))
	return *created, nil
}

func (e *Engine) AdjustStock(ctx context.Context, productID string, delta int) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return fmt.Errorf("admin role required")
	}
	productID = strings.TrimSpace(productID)
	if productID == "" || delta == 0 {
		return store.ErrInvalidSale
	}
	if err := e.repo.AdjustStock(ctx, productID, delta); err != nil {
		return err
	}
	e.logger.Info("stock adjusted",
		zap.String("product_id", productID),
		zap.Int("delta", delta),
		zap.String("actor", actor.Username))
	return nil
}

func (e *Engine) Rates(ctx context.Context) (*domain.ExchangeRateSnapshot, error) {
	return e.repo.GetExchangeRates(ctx)
}

func (e *Engine) UpsertRate(ctx context.Context, code string, rate decimal.Decimal) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return fmt.Errorf("admin role required")
	}
	if err := e.repo.UpsertExchangeRate(ctx, code, rate); err != nil {
		return err
	}
	e.logger.Info("exchange rate updated",
		zap.String("code", strings.ToUpper(strings.TrimSpace(code))),
		zap.String("rate", rate.String()),
		zap.String("actor", actor.Username))
	return nil
}

func (e *Engine) ListSales(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.Sale, error) {
	from, to = normalizeWindow(from, to)
	return e.repo.ListSales(ctx, from, to, limit)
}

func (e *Engine) SalesSummary(ctx context.Context, from time.Time, to time.Time) (domain.SalesSummary, error) {
	from, to = normalizeWindow(from, to)
	return e.repo.GetSalesSummary(ctx, from, to)
}

// normalizeWindow defaults to the current UTC day when bounds are absent.
func normalizeWindow(from time.Time, to time.Time) (time.Time, time.Time) {
	now := time.Now().UTC()
	if from.IsZero() {
		from = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
	if to.IsZero() || !to.After(from) {
		to = from.Add(24 * time.Hour)
	}
	return from.UTC(), to.UTC()
}

// normalizeItems trims identifiers, rejects non-positive quantities and
// merges duplicate product lines into one.
func normalizeItems(items []domain.SaleItemRequest) ([]domain.SaleItemRequest, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no items", store.ErrInvalidSale)
	}

	merged := make([]domain.SaleItemRequest, 0, len(items))
	index := make(map[string]int, len(items))
	for _, item := range items {
		item.ProductID = strings.TrimSpace(item.ProductID)
		if item.ProductID == "" {
			return nil, fmt.Errorf("%w: item missing product id", store.ErrInvalidSale)
		}
		if item.Quantity < 1 {
			return nil, fmt.Errorf("%w: product %s quantity %d", store.ErrInvalidSale, item.ProductID, item.Quantity)
		}
		if at, ok := index[item.ProductID]; ok {
			merged[at].Quantity += item.Quantity
			continue
		}
		index[item.ProductID] = len(merged)
		merged = append(merged, item)
	}
	return merged, nil
}
