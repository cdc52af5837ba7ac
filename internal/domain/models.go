package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Barcode  string          `json:"barcode,omitempty"`
	AltCode  string          `json:"alt_code,omitempty"`
	Price    decimal.Decimal `json:"price"`
	Cost     decimal.Decimal `json:"cost"`
	Quantity int             `json:"quantity"`
	Active   bool            `json:"active"`
}

type SaleItemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// SaleRequest is the inbound, not-yet-trusted payload. It is validated and
// normalized by the engine before anything is persisted.
type SaleRequest struct {
	Items         []SaleItemRequest `json:"items"`
	PaymentMethod string            `json:"payment_method"`
	Currency      string            `json:"currency"`
	TaxRate       decimal.Decimal   `json:"tax_rate"`
	ClientRef     string            `json:"client_ref,omitempty"`
	CashierID     string            `json:"cashier_id,omitempty"`
}

type SaleLine struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Cost      decimal.Decimal `json:"cost"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	Profit    decimal.Decimal `json:"profit"`
}

// Sale is immutable once committed. All amounts are in the base currency;
// Currency records what the cashier selected for display.
type Sale struct {
	ID            string          `json:"id"`
	ClientRef     string          `json:"client_ref,omitempty"`
	CashierID     string          `json:"cashier_id,omitempty"`
	Lines         []SaleLine      `json:"lines"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	TaxRate       decimal.Decimal `json:"tax_rate"`
	Tax           decimal.Decimal `json:"tax"`
	Total         decimal.Decimal `json:"total"`
	Profit        decimal.Decimal `json:"profit"`
	Currency      string          `json:"currency"`
	PaymentMethod string          `json:"payment_method"`
	CreatedAt     time.Time       `json:"created_at"`
}

// SettleResult wraps a committed Sale with the replay flag. AlreadySettled
// is true when the request's client reference matched an existing Sale and
// no stock or ledger mutation occurred.
type SettleResult struct {
	Sale           Sale `json:"sale"`
	AlreadySettled bool `json:"already_settled"`
}

// LedgerEntry is written in the same unit of work as its Sale and feeds the
// per-currency / per-payment-method reporting sub-ledgers.
type LedgerEntry struct {
	SaleID        string          `json:"sale_id"`
	Currency      string          `json:"currency"`
	PaymentMethod string          `json:"payment_method"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Tax           decimal.Decimal `json:"tax"`
	Total         decimal.Decimal `json:"total"`
	Profit        decimal.Decimal `json:"profit"`
	CreatedAt     time.Time       `json:"created_at"`
}

type SummaryBucket struct {
	Key   string          `json:"key"`
	Sales int64           `json:"sales"`
	Total decimal.Decimal `json:"total"`
	Tax   decimal.Decimal `json:"tax"`
}

type SalesSummary struct {
	From        time.Time       `json:"from"`
	To          time.Time       `json:"to"`
	Sales       int64           `json:"sales"`
	GrossTotal  decimal.Decimal `json:"gross_total"`
	TotalProfit decimal.Decimal `json:"total_profit"`
	ByCurrency  []SummaryBucket `json:"by_currency"`
	ByPayment   []SummaryBucket `json:"by_payment"`
}

type ExchangeRateSnapshot struct {
	Base      string                     `json:"base"`
	Rates     map[string]decimal.Decimal `json:"rates"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// OfflineQueueEntry is client-resident: one queued, not-yet-confirmed sale.
type OfflineQueueEntry struct {
	ClientRef string      `json:"client_ref"`
	Request   SaleRequest `json:"request"`
	QueuedAt  time.Time   `json:"queued_at"`
	LastError string      `json:"last_error,omitempty"`
}

type QueueStatus struct {
	PendingCount int  `json:"pending_count"`
	IsOnline     bool `json:"is_online"`
	IsFlushing   bool `json:"is_flushing"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	BaseCurrency = "USD"

	DefaultPaymentMethod = "cash"
)

// SupportedCurrencies is the closed set a sale may be tagged with.
var SupportedCurrencies = []string{"USD", "ZWL", "ZAR"}

var supportedPaymentMethods = map[string]bool{
	"cash":     true,
	"card":     true,
	"ecocash":  true,
	"transfer": true,
}

var paymentAliases = map[string]string{
	"mobile": "ecocash",
	"swipe":  "card",
	"visa":   "card",
	"zipit":  "transfer",
}

// NormalizeCurrency maps a declared currency code onto the closed supported
// set, falling back to the base currency for anything unrecognized.
func NormalizeCurrency(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	for _, supported := range SupportedCurrencies {
		if code == supported {
			return code
		}
	}
	return BaseCurrency
}

// NormalizePaymentMethod resolves aliases (e.g. "mobile" -> "ecocash") and
// falls back to cash for unrecognized methods rather than failing the sale.
func NormalizePaymentMethod(method string) string {
	method = strings.ToLower(strings.TrimSpace(method))
	if alias, ok := paymentAliases[method]; ok {
		method = alias
	}
	if supportedPaymentMethods[method] {
		return method
	}
	return DefaultPaymentMethod
}
