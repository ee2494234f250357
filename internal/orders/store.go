package orders

import "context"

// Store is the persistence contract for the order service. Implementations
// live in internal/postgres and internal/sqlite.
//
// Reads return orders with the raw stored status in RawStatus so the
// service can decide whether to normalize; Status is left empty by stores
// when the stored value is not a member of the enumeration.
type Store interface {
	// WithTx runs fn in one transaction; fn returning an error rolls back.
	WithTx(ctx context.Context, fn func(Tx) error) error

	ListProducts(ctx context.Context) ([]Product, error)
	GetProduct(ctx context.Context, id string) (Product, error)
	UpsertProduct(ctx context.Context, p Product) error

	ListOrders(ctx context.Context) ([]StoredOrder, error)
	ListOrdersByUser(ctx context.Context, userID string) ([]StoredOrder, error)
	GetOrder(ctx context.Context, id string) (StoredOrder, error)
	FindOrderByExternalID(ctx context.Context, userID, externalID string) (StoredOrder, error)
	ListItems(ctx context.Context, orderIDs ...string) ([]OrderItem, error)

	// SetStatus writes status and updated_at only. When from is non-empty the
	// write is conditional on the current status; ok is false if nothing matched.
	SetStatus(ctx context.Context, id string, from, to Status) (ok bool, err error)
	// NormalizeStatus rewrites a NULL/empty/unknown status to pending without
	// touching any other column. It reports whether a row changed.
	NormalizeStatus(ctx context.Context, id string) (bool, error)
}

// Tx is the transactional slice of Store used by create and delete.
type Tx interface {
	// LockProducts reads and row-locks the given products. Missing ids are
	// simply absent from the result.
	LockProducts(ctx context.Context, ids []string) (map[string]Product, error)
	InsertOrder(ctx context.Context, o Order) error
	InsertItems(ctx context.Context, items []OrderItem) error
	// DecrementStock subtracts qty only if stock >= qty at write time and
	// bumps the sold counter; ok is false when the guard fails.
	DecrementStock(ctx context.Context, productID string, qty int) (ok bool, err error)
	// DeleteOrder removes the order's items and then the order.
	DeleteOrder(ctx context.Context, id string) (found bool, err error)
}

// StoredOrder is an order as read back from storage, before normalization.
type StoredOrder struct {
	Order
	RawStatus *string
}

// ErrNoRows is returned by stores when a single-row lookup finds nothing.
var ErrNoRows = NotFoundf("not found")
