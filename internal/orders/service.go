package orders

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ItemInput struct {
	ProductID string `json:"productId"`
	Qty       int    `json:"quantity"`
}

type CreateInput struct {
	UserID        string
	ExternalID    string
	PaymentMethod string
	Items         []ItemInput
}

// Actor is the verified caller of an operation.
type Actor struct {
	UserID string
	Admin  bool
}

const DefaultPaymentMethod = "whatsapp"

type Service struct {
	Store     Store
	Publisher Publisher
	Logger    *zap.Logger
	Producer  string // envelope producer name

	DefaultPaymentMethod string
	// NormalizeOnRead rewrites degenerate statuses when orders are read.
	// Migration 1.1.0 makes this a no-op for historical rows.
	NormalizeOnRead bool

	now func() time.Time
}

func NewService(store Store, pub Publisher, logger *zap.Logger) *Service {
	if pub == nil {
		pub = NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		Store:                store,
		Publisher:            pub,
		Logger:               logger,
		Producer:             "order-api",
		DefaultPaymentMethod: DefaultPaymentMethod,
		NormalizeOnRead:      true,
		now:                  time.Now,
	}
}

func (s *Service) clock() time.Time {
	if s.now == nil {
		return time.Now().UTC()
	}
	return s.now().UTC()
}

// Products lists the stock ledger.
func (s *Service) Products(ctx context.Context) ([]Product, error) {
	ps, err := s.Store.ListProducts(ctx)
	if err != nil {
		return nil, Internal("list products", err)
	}
	return ps, nil
}

// Create places an order: every referenced product is locked, checked and
// decremented inside one transaction together with the order and item inserts.
func (s *Service) Create(ctx context.Context, in CreateInput) (Order, bool, error) {
	if in.UserID == "" {
		return Order{}, false, Validationf("missing user")
	}
	if len(in.Items) == 0 {
		return Order{}, false, Validationf("order must contain at least one item")
	}
	for i, it := range in.Items {
		if strings.TrimSpace(it.ProductID) == "" {
			return Order{}, false, Validationf("item %d: missing product id", i)
		}
	}

	if in.ExternalID != "" {
		existing, err := s.Store.FindOrderByExternalID(ctx, in.UserID, in.ExternalID)
		switch {
		case err == nil:
			o, err := s.withItems(ctx, s.normalized(ctx, existing))
			return o, true, err
		case !errors.Is(err, ErrNoRows):
			return Order{}, false, Internal("lookup external id", err)
		}
	}

	payment := strings.TrimSpace(in.PaymentMethod)
	if payment == "" {
		payment = s.DefaultPaymentMethod
	}
	now := s.clock()
	o := Order{
		ID:            uuid.NewString(),
		ExternalID:    in.ExternalID,
		UserID:        in.UserID,
		Status:        StatusInitial,
		PaymentMethod: payment,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := s.Store.WithTx(ctx, func(tx Tx) error {
		products, err := tx.LockProducts(ctx, uniqueProductIDs(in.Items))
		if err != nil {
			return err
		}

		demand := make(map[string]int, len(products))
		items := make([]OrderItem, 0, len(in.Items))
		for i, it := range in.Items {
			p, ok := products[it.ProductID]
			if !ok {
				return &Error{Kind: KindNotFound, Msg: "product not found: " + it.ProductID, ProductID: it.ProductID}
			}
			if it.Qty <= 0 {
				return Validationf("invalid quantity %d for product %s", it.Qty, it.ProductID)
			}
			// compare against what is left before adding, so the sum never overflows
			if it.Qty > p.Stock-demand[p.ID] {
				if it.Qty > p.Stock {
					return InsufficientStock(p.ID, it.Qty, p.Stock)
				}
				return InsufficientStock(p.ID, demand[p.ID]+it.Qty, p.Stock)
			}
			demand[p.ID] += it.Qty
			item := OrderItem{
				ID:          uuid.NewString(),
				OrderID:     o.ID,
				LineNo:      i,
				ProductID:   p.ID,
				ProductName: p.Name,
				Qty:         it.Qty,
				PriceCents:  p.PriceCents,
			}
			o.TotalCents += item.SubtotalCents()
			items = append(items, item)
		}

		if err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}
		if err := tx.InsertItems(ctx, items); err != nil {
			return err
		}
		for _, it := range items {
			ok, err := tx.DecrementStock(ctx, it.ProductID, it.Qty)
			if err != nil {
				return err
			}
			if !ok {
				return InsufficientStock(it.ProductID, demand[it.ProductID], products[it.ProductID].Stock)
			}
		}
		o.Items = items
		return nil
	})
	if err != nil {
		if KindOf(err) == KindInternal {
			s.Logger.Error("create order failed", zap.String("user_id", in.UserID), zap.Error(err))
		}
		return Order{}, false, asDomain("create order", err)
	}

	s.Logger.Info("order created",
		zap.String("order_id", o.ID),
		zap.String("user_id", o.UserID),
		zap.Int64("total_cents", o.TotalCents),
		zap.Int("items", len(o.Items)),
	)
	s.publish(ctx, TopicOrderCreated, EventOrderCreated, o.ID, OrderCreatedPayload{
		OrderID:       o.ID,
		ExternalID:    o.ExternalID,
		UserID:        o.UserID,
		Status:        o.Status,
		PaymentMethod: o.PaymentMethod,
		Items:         toItemPrices(o.Items),
		TotalCents:    o.TotalCents,
	})
	return o, false, nil
}

// UpdateStatus is the administrative transition. The target is validated
// before anything is read or written.
func (s *Service) UpdateStatus(ctx context.Context, actor Actor, orderID, target string) (Order, error) {
	if !actor.Admin {
		return Order{}, Forbiddenf("admin role required")
	}
	to, err := ParseStatus(target)
	if err != nil {
		return Order{}, err
	}
	stored, err := s.getStored(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	from, _ := Normalize(stored.RawStatus)
	if !CanAdminSet(from, to) {
		return Order{}, Forbiddenf("cannot move order from %s to %s", from, to)
	}
	ok, err := s.Store.SetStatus(ctx, orderID, "", to)
	if err != nil {
		return Order{}, Internal("update status", err)
	}
	if !ok {
		return Order{}, NotFoundf("order %s not found", orderID)
	}
	s.Logger.Info("order status updated",
		zap.String("order_id", orderID),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("actor", actor.UserID),
	)
	s.publish(ctx, TopicOrderStatusChanged, EventOrderStatusChanged, orderID, OrderStatusChangedPayload{
		OrderID: orderID, UserID: stored.UserID, From: from, To: to, ActorID: actor.UserID,
	})
	return s.get(ctx, orderID)
}

// RequestTreatment lets an order's owner flag a pending order for manual handling.
func (s *Service) RequestTreatment(ctx context.Context, actor Actor, orderID string) (Order, error) {
	if orderID == "" {
		return Order{}, Validationf("missing order id")
	}
	stored, err := s.getStored(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if stored.UserID != actor.UserID {
		return Order{}, Forbiddenf("order %s does not belong to caller", orderID)
	}
	current, degenerate := Normalize(stored.RawStatus)
	if !CanRequestTreatment(current) {
		return Order{}, Forbiddenf("order %s is %s; treatment can only be requested for pending orders", orderID, current)
	}
	if degenerate {
		// the guarded write matches the stored value, so fix it first
		// regardless of NormalizeOnRead
		if _, err := s.Store.NormalizeStatus(ctx, orderID); err != nil {
			return Order{}, Internal("normalize status", err)
		}
	}
	ok, err := s.Store.SetStatus(ctx, orderID, StatusPending, StatusAwaitingTreatment)
	if err != nil {
		return Order{}, Internal("request treatment", err)
	}
	if !ok {
		// status moved between the read and the guarded write
		return Order{}, Forbiddenf("order %s is no longer pending", orderID)
	}
	s.publish(ctx, TopicOrderStatusChanged, EventOrderStatusChanged, orderID, OrderStatusChangedPayload{
		OrderID: orderID, UserID: stored.UserID, From: StatusPending, To: StatusAwaitingTreatment, ActorID: actor.UserID,
	})
	return s.get(ctx, orderID)
}

// List returns every order (admin only).
func (s *Service) List(ctx context.Context, actor Actor) ([]Order, error) {
	if !actor.Admin {
		return nil, Forbiddenf("admin role required")
	}
	stored, err := s.Store.ListOrders(ctx)
	if err != nil {
		return nil, Internal("list orders", err)
	}
	return s.hydrate(ctx, stored)
}

// ListMine returns the caller's own orders.
func (s *Service) ListMine(ctx context.Context, actor Actor) ([]Order, error) {
	if actor.UserID == "" {
		return nil, Forbiddenf("missing identity")
	}
	stored, err := s.Store.ListOrdersByUser(ctx, actor.UserID)
	if err != nil {
		return nil, Internal("list orders", err)
	}
	return s.hydrate(ctx, stored)
}

// Get returns one order with its items to an admin or to its owner.
func (s *Service) Get(ctx context.Context, actor Actor, orderID string) (Order, error) {
	stored, err := s.getStored(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if !actor.Admin && stored.UserID != actor.UserID {
		return Order{}, Forbiddenf("order %s does not belong to caller", orderID)
	}
	return s.withItems(ctx, s.normalized(ctx, stored))
}

// Delete removes an order and all its items atomically (admin only).
func (s *Service) Delete(ctx context.Context, actor Actor, orderID string) error {
	if !actor.Admin {
		return Forbiddenf("admin role required")
	}
	var found bool
	err := s.Store.WithTx(ctx, func(tx Tx) error {
		var err error
		found, err = tx.DeleteOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return Internal("delete order", err)
	}
	if !found {
		return NotFoundf("order %s not found", orderID)
	}
	s.Logger.Info("order deleted", zap.String("order_id", orderID), zap.String("actor", actor.UserID))
	s.publish(ctx, TopicOrderDeleted, EventOrderDeleted, orderID, OrderDeletedPayload{
		OrderID: orderID, ActorID: actor.UserID,
	})
	return nil
}

func (s *Service) get(ctx context.Context, orderID string) (Order, error) {
	stored, err := s.getStored(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	return s.withItems(ctx, s.normalized(ctx, stored))
}

func (s *Service) getStored(ctx context.Context, orderID string) (StoredOrder, error) {
	if orderID == "" {
		return StoredOrder{}, Validationf("missing order id")
	}
	o, err := s.Store.GetOrder(ctx, orderID)
	if errors.Is(err, ErrNoRows) {
		return StoredOrder{}, NotFoundf("order %s not found", orderID)
	}
	if err != nil {
		return StoredOrder{}, Internal("get order", err)
	}
	return o, nil
}

// normalized coerces a degenerate stored status to pending and, when
// NormalizeOnRead is set, persists the correction. A failed write is logged
// and the coerced value is still returned.
func (s *Service) normalized(ctx context.Context, so StoredOrder) Order {
	st, changed := Normalize(so.RawStatus)
	o := so.Order
	o.Status = st
	if !changed || !s.NormalizeOnRead {
		return o
	}
	if _, err := s.Store.NormalizeStatus(ctx, o.ID); err != nil {
		s.Logger.Warn("normalize order status", zap.String("order_id", o.ID), zap.Error(err))
		return o
	}
	s.Logger.Info("normalized legacy order status", zap.String("order_id", o.ID))
	return o
}

func (s *Service) hydrate(ctx context.Context, stored []StoredOrder) ([]Order, error) {
	out := make([]Order, 0, len(stored))
	ids := make([]string, 0, len(stored))
	for _, so := range stored {
		out = append(out, s.normalized(ctx, so))
		ids = append(ids, so.ID)
	}
	if len(ids) == 0 {
		return out, nil
	}
	items, err := s.Store.ListItems(ctx, ids...)
	if err != nil {
		return nil, Internal("list items", err)
	}
	byOrder := make(map[string][]OrderItem, len(out))
	for _, it := range items {
		byOrder[it.OrderID] = append(byOrder[it.OrderID], it)
	}
	for i := range out {
		out[i].Items = byOrder[out[i].ID]
	}
	return out, nil
}

func (s *Service) withItems(ctx context.Context, o Order) (Order, error) {
	items, err := s.Store.ListItems(ctx, o.ID)
	if err != nil {
		return Order{}, Internal("list items", err)
	}
	o.Items = items
	return o, nil
}

// publish happens after commit; a failure is logged, the operation already succeeded.
func (s *Service) publish(ctx context.Context, topic, eventType, orderID string, payload any) {
	env, err := NewEnvelope(eventType, s.Producer, TraceIDFrom(ctx), orderID, payload)
	if err == nil {
		err = s.Publisher.Publish(ctx, topic, env)
	}
	if err != nil {
		s.Logger.Warn("publish event", zap.String("event_type", eventType), zap.String("order_id", orderID), zap.Error(err))
	}
}

// uniqueProductIDs returns ids sorted so concurrent orders lock rows in the same order.
func uniqueProductIDs(items []ItemInput) []string {
	seen := make(map[string]struct{}, len(items))
	ids := make([]string, 0, len(items))
	for _, it := range items {
		if _, ok := seen[it.ProductID]; ok {
			continue
		}
		seen[it.ProductID] = struct{}{}
		ids = append(ids, it.ProductID)
	}
	sort.Strings(ids)
	return ids
}

func toItemPrices(items []OrderItem) []ItemPrice {
	out := make([]ItemPrice, 0, len(items))
	for _, it := range items {
		out = append(out, ItemPrice{ProductID: it.ProductID, Qty: it.Qty, PriceCents: it.PriceCents})
	}
	return out
}
