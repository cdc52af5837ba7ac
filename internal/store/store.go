package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"tillpoint/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidSale       = errors.New("invalid sale")
	ErrInsufficientStock = errors.New("insufficient stock")
)

// Repository is the authoritative storage behind the sale transaction
// engine. CreateSale is the single atomic unit of work: it locks the
// products a sale touches, verifies and decrements stock, recomputes
// amounts from authoritative prices, and persists the sale, its lines and
// its ledger entry together, or none of it.
type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	AdjustStock(ctx context.Context, productID string, delta int) error

	FindSaleByClientRef(ctx context.Context, ref string) (*domain.Sale, error)
	FindSaleByID(ctx context.Context, id string) (*domain.Sale, error)
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	ListSales(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.Sale, error)
	GetSalesSummary(ctx context.Context, from time.Time, to time.Time) (domain.SalesSummary, error)

	GetExchangeRates(ctx context.Context) (*domain.ExchangeRateSnapshot, error)
	UpsertExchangeRate(ctx context.Context, code string, rate decimal.Decimal) error

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
