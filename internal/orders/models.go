package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID         string
	Name       string
	PriceCents int64
	Stock      int
	Sold       int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Order struct {
	ID            string
	ExternalID    string // optional client idempotency key
	UserID        string
	Status        Status // lihat status.go
	PaymentMethod string
	TotalCents    int64
	Items         []OrderItem
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// OrderItem snapshots the product name and unit price at creation time.
type OrderItem struct {
	ID          string
	OrderID     string
	LineNo      int // position in the submitted order
	ProductID   string
	ProductName string
	Qty         int
	PriceCents  int64
}

func (it OrderItem) SubtotalCents() int64 { return it.PriceCents * int64(it.Qty) }

// Money renders integer cents as a two-decimal amount.
func Money(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// CentsFromDecimal converts an amount to cents, rounding half away from zero.
func CentsFromDecimal(d decimal.Decimal) int64 {
	return d.Round(2).Shift(2).IntPart()
}
