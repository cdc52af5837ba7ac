package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"tillpoint/internal/domain"
	"tillpoint/internal/store"
	"tillpoint/internal/xid"
)

// Store is a mutex-guarded in-memory Repository. The single mutex gives
// CreateSale the same all-or-nothing, serialized-per-call semantics the
// postgres store gets from serializable transactions.
type Store struct {
	mu          sync.RWMutex
	products    map[string]domain.Product
	salesByID   map[string]*domain.Sale
	salesByRef  map[string]*domain.Sale
	ledger      []domain.LedgerEntry
	rates       map[string]decimal.Decimal
	ratesAt     time.Time
	usersByName map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD; if
// unset, hardcoded dev defaults are used with a warning. These accounts are
// never used in production (the server uses PostgreSQL when DATABASE_URL is
// set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	products := []domain.Product{
		{ID: "prod-bread-01", Name: "Bread Loaf 700g", Barcode: "6001001000017", Price: dec("1.10"), Cost: dec("0.85"), Quantity: 120, Active: true},
		{ID: "prod-sugar-01", Name: "White Sugar 2kg", Barcode: "6001001000024", Price: dec("2.75"), Cost: dec("2.20"), Quantity: 120, Active: true},
		{ID: "prod-mealie-01", Name: "Mealie Meal 10kg", Barcode: "6001001000031", Price: dec("6.50"), Cost: dec("5.40"), Quantity: 120, Active: true},
		{ID: "prod-oil-01", Name: "Cooking Oil 2L", Barcode: "6001001000048", Price: dec("4.20"), Cost: dec("3.45"), Quantity: 120, Active: true},
		{ID: "prod-rice-01", Name: "Long Grain Rice 2kg", Barcode: "6001001000055", Price: dec("3.10"), Cost: dec("2.50"), Quantity: 120, Active: true},
		{ID: "prod-soap-01", Name: "Laundry Soap Bar", Barcode: "6001001000062", Price: dec("0.95"), Cost: dec("0.60"), Quantity: 120, Active: true},
		{ID: "prod-milk-01", Name: "UHT Milk 1L", Barcode: "6001001000079", Price: dec("1.45"), Cost: dec("1.10"), Quantity: 120, Active: true},
		{ID: "prod-salt-01", Name: "Iodized Salt 1kg", Barcode: "6001001000086", Price: dec("0.70"), Cost: dec("0.45"), Quantity: 120, Active: true},
		{ID: "prod-tea-01", Name: "Tanganda Tea 100s", Barcode: "6001001000093", Price: dec("2.30"), Cost: dec("1.75"), Quantity: 120, Active: true},
		{ID: "prod-candle-01", Name: "Household Candles 6pk", Barcode: "6001001000109", Price: dec("1.25"), Cost: dec("0.80"), Quantity: 120, Active: true},
	}

	productMap := make(map[string]domain.Product, len(products))
	for _, p := range products {
		productMap[p.ID] = p
	}

	return &Store{
		products:   productMap,
		salesByID:  make(map[string]*domain.Sale),
		salesByRef: make(map[string]*domain.Sale),
		ledger:     make([]domain.LedgerEntry, 0, 128),
		rates: map[string]decimal.Decimal{
			"USD": decimal.NewFromInt(1),
			"ZWL": dec("13.85"),
			"ZAR": dec("18.20"),
		},
		ratesAt:     time.Now().UTC(),
		usersByName: seedUsers(),
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		products = append(products, p)
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		return cmpString(a.Name, b.Name)
	})

	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok && p.Active {
			result[id] = p
		}
	}
	return result, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if product.Name == "" || !product.Price.IsPositive() || product.Quantity < 0 {
		return nil, store.ErrInvalidSale
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrInvalidSale
	}

	product.Active = true
	s.products[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) AdjustStock(_ context.Context, productID string, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, exists := s.products[productID]
	if !exists {
		return store.ErrNotFound
	}
	next := product.Quantity + delta
	if next < 0 {
		return fmt.Errorf("%w: product %s has %d, adjustment %d", store.ErrInsufficientStock, productID, product.Quantity, delta)
	}
	product.Quantity = next
	s.products[productID] = product
	return nil
}

func (s *Store) FindSaleByClientRef(_ context.Context, ref string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByRef[ref]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) FindSaleByID(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

// CreateSale is the atomic unit of work. Under the store mutex it verifies
// every line against current stock, recomputes amounts from authoritative
// product rows, decrements quantities and records the sale, its lines and
// its ledger entry. Any failure leaves the store untouched.
func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(sale.Lines) == 0 {
		return nil, store.ErrInvalidSale
	}

	if sale.ClientRef != "" {
		if existing, ok := s.salesByRef[sale.ClientRef]; ok {
			return cloneSale(existing), nil
		}
	}

	items := make([]domain.SaleItemRequest, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		if line.Quantity < 1 {
			return nil, store.ErrInvalidSale
		}
		product, exists := s.products[line.ProductID]
		if !exists || !product.Active {
			return nil, fmt.Errorf("%w: product %s unavailable", store.ErrInvalidSale, line.ProductID)
		}
		if product.Quantity < line.Quantity {
			return nil, fmt.Errorf("%w: product %s has %d, requested %d",
				store.ErrInsufficientStock, line.ProductID, product.Quantity, line.Quantity)
		}
		items = append(items, domain.SaleItemRequest{ProductID: line.ProductID, Quantity: line.Quantity})
	}

	lines, err := domain.BuildLines(s.products, items)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidSale, err)
	}
	totals := domain.ComputeTotals(lines, sale.TaxRate)

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	sale.Lines = lines
	sale.Subtotal = totals.Subtotal
	sale.Tax = totals.Tax
	sale.Total = totals.Total
	sale.Profit = totals.Profit

	for _, line := range lines {
		product := s.products[line.ProductID]
		product.Quantity -= line.Quantity
		s.products[line.ProductID] = product
	}

	saved := cloneSale(&sale)
	s.salesByID[sale.ID] = saved
	if sale.ClientRef != "" {
		s.salesByRef[sale.ClientRef] = saved
	}
	s.ledger = append(s.ledger, domain.LedgerEntry{
		SaleID:        sale.ID,
		Currency:      sale.Currency,
		PaymentMethod: sale.PaymentMethod,
		Subtotal:      sale.Subtotal,
		Tax:           sale.Tax,
		Total:         sale.Total,
		Profit:        sale.Profit,
		CreatedAt:     sale.CreatedAt,
	})

	return cloneSale(saved), nil
}

func (s *Store) ListSales(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0, 64)
	for _, sale := range s.salesByID {
		if sale.CreatedAt.Before(from) || !sale.CreatedAt.Before(to) {
			continue
		}
		result = append(result, *cloneSale(sale))
	}

	slices.SortFunc(result, func(a, b domain.Sale) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.ID, b.ID)
		}
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) GetSalesSummary(_ context.Context, from time.Time, to time.Time) (domain.SalesSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := domain.SalesSummary{
		From:        from,
		To:          to,
		GrossTotal:  decimal.Zero,
		TotalProfit: decimal.Zero,
		ByCurrency:  make([]domain.SummaryBucket, 0, 4),
		ByPayment:   make([]domain.SummaryBucket, 0, 4),
	}
	byCurrency := map[string]*domain.SummaryBucket{}
	byPayment := map[string]*domain.SummaryBucket{}

	for _, entry := range s.ledger {
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}

		summary.Sales++
		summary.GrossTotal = summary.GrossTotal.Add(entry.Total)
		summary.TotalProfit = summary.TotalProfit.Add(entry.Profit)

		currency := byCurrency[entry.Currency]
		if currency == nil {
			currency = &domain.SummaryBucket{Key: entry.Currency, Total: decimal.Zero, Tax: decimal.Zero}
			byCurrency[entry.Currency] = currency
		}
		currency.Sales++
		currency.Total = currency.Total.Add(entry.Total)
		currency.Tax = currency.Tax.Add(entry.Tax)

		payment := byPayment[entry.PaymentMethod]
		if payment == nil {
			payment = &domain.SummaryBucket{Key: entry.PaymentMethod, Total: decimal.Zero, Tax: decimal.Zero}
			byPayment[entry.PaymentMethod] = payment
		}
		payment.Sales++
		payment.Total = payment.Total.Add(entry.Total)
		payment.Tax = payment.Tax.Add(entry.Tax)
	}

	for _, bucket := range byCurrency {
		summary.ByCurrency = append(summary.ByCurrency, *bucket)
	}
	for _, bucket := range byPayment {
		summary.ByPayment = append(summary.ByPayment, *bucket)
	}

	slices.SortFunc(summary.ByCurrency, func(a, b domain.SummaryBucket) int {
		return cmpString(a.Key, b.Key)
	})
	slices.SortFunc(summary.ByPayment, func(a, b domain.SummaryBucket) int {
		return cmpString(a.Key, b.Key)
	})

	return summary, nil
}

func (s *Store) GetExchangeRates(_ context.Context) (*domain.ExchangeRateSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rates := make(map[string]decimal.Decimal, len(s.rates))
	for code, rate := range s.rates {
		rates[code] = rate
	}
	return &domain.ExchangeRateSnapshot{
		Base:      domain.BaseCurrency,
		Rates:     rates,
		UpdatedAt: s.ratesAt,
	}, nil
}

func (s *Store) UpsertExchangeRate(_ context.Context, code string, rate decimal.Decimal) error {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" || !rate.IsPositive() {
		return store.ErrInvalidSale
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.rates[code] = rate
	s.ratesAt = time.Now().UTC()
	return nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidSale
	}
	if _, exists := s.usersByName[username]; exists {
		return store.ErrInvalidSale
	}
	user.Username = username
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByName[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByName))
	for _, user := range s.usersByName {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidSale
	}
	user, exists := s.usersByName[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByName[username] = user
	return nil
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	dup := *src
	lines := make([]domain.SaleLine, len(src.Lines))
	copy(lines, src.Lines)
	dup.Lines = lines
	return &dup
}
