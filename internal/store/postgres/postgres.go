package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"tillpoint/internal/domain"
	"tillpoint/internal/store"
	"tillpoint/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(barcode,''), COALESCE(alt_code,''), price, cost, quantity, active
		FROM products
		WHERE active = true
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Barcode, &p.AltCode, &p.Price, &p.Cost, &p.Quantity, &p.Active); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(barcode,''), COALESCE(alt_code,''), price, cost, quantity, active
		FROM products
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Barcode, &p.AltCode, &p.Price, &p.Cost, &p.Quantity, &p.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(barcode,''), COALESCE(alt_code,''), price, cost, quantity, active
		FROM products
		WHERE active = true AND id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Barcode, &p.AltCode, &p.Price, &p.Cost, &p.Quantity, &p.Active); err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || !product.Price.IsPositive() || product.Quantity < 0 {
		return nil, store.ErrInvalidSale
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}

	product.Active = true
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, barcode, alt_code, price, cost, quantity, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now(),now())
	`, product.ID, product.Name, nullIfEmpty(product.Barcode), nullIfEmpty(product.AltCode),
		product.Price, product.Cost, product.Quantity, product.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidSale
		}
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) AdjustStock(ctx context.Context, productID string, delta int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET quantity = quantity + $2, updated_at = now()
		WHERE id = $1 AND quantity + $2 >= 0
	`, productID, delta)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, lookupErr := s.GetProduct(ctx, productID); errors.Is(lookupErr, store.ErrNotFound) {
			return store.ErrNotFound
		}
		return fmt.Errorf("%w: product %s, adjustment %d", store.ErrInsufficientStock, productID, delta)
	}
	return nil
}

func (s *Store) FindSaleByClientRef(ctx context.Context, ref string) (*domain.Sale, error) {
	return s.findSale(ctx, "client_ref", ref)
}

func (s *Store) FindSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	return s.findSale(ctx, "id", id)
}

func (s *Store) findSale(ctx context.Context, column string, value string) (*domain.Sale, error) {
	if column != "id" && column != "client_ref" {
		return nil, fmt.Errorf("unsupported lookup column")
	}

	var sale domain.Sale
	var clientRef sql.NullString
	var cashierID sql.NullString

	query := fmt.Sprintf(`
		SELECT id, client_ref, cashier_id, subtotal, tax_rate, tax, total, profit,
			currency, payment_method, created_at
		FROM sales
		WHERE %s = $1
	`, column)

	err := s.db.QueryRowContext(ctx, query, value).Scan(
		&sale.ID,
		&clientRef,
		&cashierID,
		&sale.Subtotal,
		&sale.TaxRate,
		&sale.Tax,
		&sale.Total,
		&sale.Profit,
		&sale.Currency,
		&sale.PaymentMethod,
		&sale.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if clientRef.Valid {
		sale.ClientRef = clientRef.String
	}
	if cashierID.Valid {
		sale.CashierID = cashierID.String
	}
	sale.CreatedAt = sale.CreatedAt.UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, name, qty, price, cost, subtotal, profit
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY id ASC
	`, sale.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.SaleLine, 0, 8)
	for rows.Next() {
		var line domain.SaleLine
		if err := rows.Scan(&line.ProductID, &line.Name, &line.Quantity, &line.Price, &line.Cost, &line.Subtotal, &line.Profit); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sale.Lines = lines

	return &sale, nil
}

// CreateSale settles a sale in a single serializable transaction: product
// rows are locked, stock is verified and decremented, amounts are recomputed
// from the locked rows, and the sale, its lines and its ledger entry commit
// together. A unique violation on client_ref means a concurrent settle of
// the same reference won; the existing sale is returned instead.
func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Lines) == 0 {
		return nil, store.ErrInvalidSale
	}

	if sale.ClientRef != "" {
		existing, err := s.FindSaleByClientRef(ctx, sale.ClientRef)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	ids := uniqueProductIDs(sale.Lines)
	if len(ids) == 0 {
		return nil, store.ErrInvalidSale
	}

	productRows, err := pgTx.QueryContext(ctx, `
		SELECT id, name, price, cost, quantity
		FROM products
		WHERE active = true AND id = ANY($1)
		FOR UPDATE
	`, ids)
	if err != nil {
		return nil, err
	}
	productMap := make(map[string]domain.Product, len(ids))
	for productRows.Next() {
		var p domain.Product
		if err := productRows.Scan(&p.ID, &p.Name, &p.Price, &p.Cost, &p.Quantity); err != nil {
			_ = productRows.Close()
			return nil, err
		}
		p.Active = true
		productMap[p.ID] = p
	}
	if err := productRows.Err(); err != nil {
		_ = productRows.Close()
		return nil, err
	}
	_ = productRows.Close()

	items := make([]domain.SaleItemRequest, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		if line.Quantity < 1 {
			return nil, store.ErrInvalidSale
		}
		product, exists := productMap[line.ProductID]
		if !exists {
			return nil, fmt.Errorf("%w: product %s unavailable", store.ErrInvalidSale, line.ProductID)
		}
		if product.Quantity < line.Quantity {
			return nil, fmt.Errorf("%w: product %s has %d, requested %d",
				store.ErrInsufficientStock, line.ProductID, product.Quantity, line.Quantity)
		}
		items = append(items, domain.SaleItemRequest{ProductID: line.ProductID, Quantity: line.Quantity})
	}

	lines, err := domain.BuildLines(productMap, items)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidSale, err)
	}
	totals := domain.ComputeTotals(lines, sale.TaxRate)

	for _, line := range lines {
		_, err = pgTx.ExecContext(ctx, `
			UPDATE products
			SET quantity = quantity - $1, updated_at = now()
			WHERE id = $2
		`, line.Quantity, line.ProductID)
		if err != nil {
			return nil, err
		}
	}

	sale.Lines = lines
	sale.Subtotal = totals.Subtotal
	sale.Tax = totals.Tax
	sale.Total = totals.Total
	sale.Profit = totals.Profit
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sales (
			id, client_ref, cashier_id, subtotal, tax_rate, tax, total, profit,
			currency, payment_method, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, sale.ID, nullIfEmpty(sale.ClientRef), nullIfEmpty(sale.CashierID),
		sale.Subtotal, sale.TaxRate, sale.Tax, sale.Total, sale.Profit,
		sale.Currency, sale.PaymentMethod, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) && sale.ClientRef != "" {
			existing, lookupErr := s.FindSaleByClientRef(ctx, sale.ClientRef)
			if lookupErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	for _, line := range sale.Lines {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO sale_items (sale_id, product_id, name, qty, price, cost, subtotal, profit)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, sale.ID, line.ProductID, line.Name, line.Quantity, line.Price, line.Cost, line.Subtotal, line.Profit)
		if err != nil {
			return nil, err
		}
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sale_ledger (sale_id, currency, payment_method, subtotal, tax, total, profit, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, sale.ID, sale.Currency, sale.PaymentMethod, sale.Subtotal, sale.Tax, sale.Total, sale.Profit, sale.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id
		FROM sales
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at ASC, id ASC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sales := make([]domain.Sale, 0, len(ids))
	for _, id := range ids {
		sale, err := s.FindSaleByID(ctx, id)
		if err != nil {
			return nil, err
		}
		sales = append(sales, *sale)
	}
	return sales, nil
}

func (s *Store) GetSalesSummary(ctx context.Context, from time.Time, to time.Time) (domain.SalesSummary, error) {
	summary := domain.SalesSummary{
		From:        from,
		To:          to,
		GrossTotal:  decimal.Zero,
		TotalProfit: decimal.Zero,
		ByCurrency:  make([]domain.SummaryBucket, 0, 4),
		ByPayment:   make([]domain.SummaryBucket, 0, 4),
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)::bigint, COALESCE(SUM(total),0), COALESCE(SUM(profit),0)
		FROM sale_ledger
		WHERE created_at >= $1 AND created_at < $2
	`, from, to).Scan(&summary.Sales, &summary.GrossTotal, &summary.TotalProfit)
	if err != nil {
		return summary, err
	}

	currencyRows, err := s.db.QueryContext(ctx, `
		SELECT currency, COUNT(*)::bigint, COALESCE(SUM(total),0), COALESCE(SUM(tax),0)
		FROM sale_ledger
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY currency
		ORDER BY currency
	`, from, to)
	if err != nil {
		return summary, err
	}
	for currencyRows.Next() {
		var bucket domain.SummaryBucket
		if err := currencyRows.Scan(&bucket.Key, &bucket.Sales, &bucket.Total, &bucket.Tax); err != nil {
			_ = currencyRows.Close()
			return summary, err
		}
		summary.ByCurrency = append(summary.ByCurrency, bucket)
	}
	if err := currencyRows.Err(); err != nil {
		_ = currencyRows.Close()
		return summary, err
	}
	_ = currencyRows.Close()

	paymentRows, err := s.db.QueryContext(ctx, `
		SELECT payment_method, COUNT(*)::bigint, COALESCE(SUM(total),0), COALESCE(SUM(tax),0)
		FROM sale_ledger
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY payment_method
		ORDER BY payment_method
	`, from, to)
	if err != nil {
		return summary, err
	}
	for paymentRows.Next() {
		var bucket domain.SummaryBucket
		if err := paymentRows.Scan(&bucket.Key, &bucket.Sales, &bucket.Total, &bucket.Tax); err != nil {
			_ = paymentRows.Close()
			return summary, err
		}
		summary.ByPayment = append(summary.ByPayment, bucket)
	}
	if err := paymentRows.Err(); err != nil {
		_ = paymentRows.Close()
		return summary, err
	}
	_ = paymentRows.Close()

	return summary, nil
}

func (s *Store) GetExchangeRates(ctx context.Context) (*domain.ExchangeRateSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT code, rate, updated_at
		FROM exchange_rates
		ORDER BY code
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshot := domain.ExchangeRateSnapshot{
		Base:  domain.BaseCurrency,
		Rates: make(map[string]decimal.Decimal, 4),
	}
	for rows.Next() {
		var code string
		var rate decimal.Decimal
		var updatedAt time.Time
		if err := rows.Scan(&code, &rate, &updatedAt); err != nil {
			return nil, err
		}
		snapshot.Rates[code] = rate
		if updatedAt.After(snapshot.UpdatedAt) {
			snapshot.UpdatedAt = updatedAt.UTC()
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &snapshot, nil
}

func (s *Store) UpsertExchangeRate(ctx context.Context, code string, rate decimal.Decimal) error {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" || !rate.IsPositive() {
		return store.ErrInvalidSale
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exchange_rates (code, rate, updated_at)
		VALUES ($1,$2,now())
		ON CONFLICT (code)
		DO UPDATE SET rate = EXCLUDED.rate, updated_at = now()
	`, code, rate)
	return err
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidSale
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidSale
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidSale
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func uniqueProductIDs(lines []domain.SaleLine) []string {
	if len(lines) == 0 {
		return nil
	}

	set := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		if line.ProductID == "" {
			continue
		}
		set[line.ProductID] = struct{}{}
	}

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
