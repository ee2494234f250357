package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ariefcatur/go-shop-orders/internal/auth"
	"github.com/ariefcatur/go-shop-orders/internal/orders"
	"github.com/ariefcatur/go-shop-orders/internal/redisx"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// StatusCache is the read-through cache behind GET /orders/{id}/status.
// Put keeps whichever document is newer.
type StatusCache interface {
	Get(ctx context.Context, orderID string) (redisx.StatusDoc, bool)
	Put(ctx context.Context, doc redisx.StatusDoc) (bool, error)
}

type OrdersHandler struct {
	Service *orders.Service
	Auth    *auth.Verifier
	Cache   StatusCache // optional
	Log     *zap.Logger
	Timeout time.Duration
}

// Any userId in the body is ignored; the owner comes from the token.
type CreateOrderReq struct {
	PaymentMethod string             `json:"paymentMethod"`
	Items         []orders.ItemInput `json:"items"`
}

type UpdateStatusReq struct {
	Status string `json:"status"`
}

type TreatmentReq struct {
	OrderID string `json:"orderId"`
}

type OrderItemResp struct {
	ID          string `json:"id"`
	ProductID   string `json:"productId"`
	ProductName string `json:"productName"`
	Quantity    int    `json:"quantity"`
	UnitPrice   string `json:"unitPrice"`
	Subtotal    string `json:"subtotal"`
}

type OrderResp struct {
	ID            string          `json:"id"`
	ExternalID    string          `json:"externalId,omitempty"`
	UserID        string          `json:"userId"`
	Status        orders.Status   `json:"status"`
	PaymentMethod string          `json:"paymentMethod"`
	Total         string          `json:"total"`
	Items         []OrderItemResp `json:"items"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	Idempotent    bool            `json:"idempotent,omitempty"`
}

type ProductResp struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Price string `json:"price"`
	Stock int    `json:"stock"`
	Sold  int    `json:"sold"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Get("/products", h.listProducts)
	r.Route("/orders", func(r chi.Router) {
		r.Use(h.Auth.Authenticate)
		r.Post("/", h.createOrder)
		r.Get("/my-orders", h.myOrders)
		r.Post("/awaiting-treatment", h.requestTreatment)
		r.Get("/{id}/status", h.getStatus)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAdmin)
			r.Get("/", h.listOrders)
			r.Get("/{id}", h.getOrder)
			r.Put("/{id}/status", h.updateStatus)
			r.Delete("/{id}", h.deleteOrder)
		})
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ctx applies the per-request timeout and carries the request id into events.
func (h *OrdersHandler) ctx(r *http.Request) (context.Context, context.CancelFunc) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	return orders.WithTraceID(ctx, middleware.GetReqID(r.Context())), cancel
}

func actorOf(r *http.Request) orders.Actor {
	id, _ := auth.FromContext(r.Context())
	return id.Actor()
}

func (h *OrdersHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.ctx(r)
	defer cancel()

	ps, err := h.Service.Products(ctx)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]ProductResp, 0, len(ps))
	for _, p := range ps {
		out = append(out, ProductResp{
			ID:    p.ID,
			Name:  p.Name,
			Price: orders.Money(p.PriceCents).StringFixed(2),
			Stock: p.Stock,
			Sold:  p.Sold,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, orders.Validationf("invalid json"))
		return
	}

	ctx, cancel := h.ctx(r)
	defer cancel()

	o, existed, err := h.Service.Create(ctx, orders.CreateInput{
		UserID:        actorOf(r).UserID,
		ExternalID:    r.Header.Get("Idempotency-Key"),
		PaymentMethod: req.PaymentMethod,
		Items:         req.Items,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	code := http.StatusCreated
	if existed {
		code = http.StatusOK
	} else {
		h.cacheStatus(ctx, o)
	}
	resp := toOrderResp(o)
	resp.Idempotent = existed
	writeJSON(w, code, resp)
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.ctx(r)
	defer cancel()

	list, err := h.Service.List(ctx, actorOf(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResps(list))
}

func (h *OrdersHandler) myOrders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.ctx(r)
	defer cancel()

	list, err := h.Service.ListMine(ctx, actorOf(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResps(list))
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.ctx(r)
	defer cancel()

	o, err := h.Service.Get(ctx, actorOf(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResp(o))
}

func (h *OrdersHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := h.ctx(r)
	defer cancel()
	actor := actorOf(r)

	// 1) coba cache
	if h.Cache != nil {
		// tombstones fall through so the DB answers 404
		if doc, ok := h.Cache.Get(ctx, orderID); ok && !doc.Deleted && doc.UserID != "" && (actor.Admin || doc.UserID == actor.UserID) {
			writeJSON(w, http.StatusOK, doc)
			return
		}
	}

	// 2) fallback DB
	o, err := h.Service.Get(ctx, actor, orderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.cacheStatus(ctx, o))
}

func (h *OrdersHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, orders.Validationf("invalid json"))
		return
	}
	ctx, cancel := h.ctx(r)
	defer cancel()

	o, err := h.Service.UpdateStatus(ctx, actorOf(r), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.cacheStatus(ctx, o)
	writeJSON(w, http.StatusOK, toOrderResp(o))
}

func (h *OrdersHandler) requestTreatment(w http.ResponseWriter, r *http.Request) {
	var req TreatmentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, orders.Validationf("invalid json"))
		return
	}
	ctx, cancel := h.ctx(r)
	defer cancel()

	o, err := h.Service.RequestTreatment(ctx, actorOf(r), req.OrderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.cacheStatus(ctx, o)
	writeJSON(w, http.StatusOK, toOrderResp(o))
}

func (h *OrdersHandler) deleteOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := h.ctx(r)
	defer cancel()

	if err := h.Service.Delete(ctx, actorOf(r), orderID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.putStatus(ctx, redisx.StatusDoc{OrderID: orderID, Deleted: true, UpdatedAt: time.Now().UTC()})
	writeJSON(w, http.StatusOK, map[string]string{"message": "order deleted"})
}

// cacheStatus writes the status document; cache failures never fail the request.
func (h *OrdersHandler) cacheStatus(ctx context.Context, o orders.Order) redisx.StatusDoc {
	doc := redisx.StatusDoc{OrderID: o.ID, UserID: o.UserID, Status: o.Status.String(), UpdatedAt: o.UpdatedAt}
	h.putStatus(ctx, doc)
	return doc
}

func (h *OrdersHandler) putStatus(ctx context.Context, doc redisx.StatusDoc) {
	if h.Cache == nil {
		return
	}
	if _, err := h.Cache.Put(ctx, doc); err != nil {
		h.Log.Warn("put status cache", zap.String("order_id", doc.OrderID), zap.Error(err))
	}
}

type errorResp struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	ProductID string `json:"productId,omitempty"`
}

func statusCode(k orders.Kind) int {
	switch k {
	case orders.KindNotFound:
		return http.StatusNotFound
	case orders.KindValidation:
		return http.StatusBadRequest
	case orders.KindInsufficientStock:
		return http.StatusConflict
	case orders.KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders domain errors by kind. Internal errors are logged with
// their cause and returned as a generic message.
func (h *OrdersHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := orders.KindOf(err)
	resp := errorResp{Error: err.Error(), Kind: kind.String()}
	var de *orders.Error
	if errors.As(err, &de) {
		resp.ProductID = de.ProductID
	}
	if kind == orders.KindInternal {
		h.Log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		resp.Error = "internal error"
	}
	writeJSON(w, statusCode(kind), resp)
}

func toOrderResp(o orders.Order) OrderResp {
	items := make([]OrderItemResp, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, OrderItemResp{
			ID:          it.ID,
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Quantity:    it.Qty,
			UnitPrice:   orders.Money(it.PriceCents).StringFixed(2),
			Subtotal:    orders.Money(it.SubtotalCents()).StringFixed(2),
		})
	}
	return OrderResp{
		ID:            o.ID,
		ExternalID:    o.ExternalID,
		UserID:        o.UserID,
		Status:        o.Status,
		PaymentMethod: o.PaymentMethod,
		Total:         orders.Money(o.TotalCents).StringFixed(2),
		Items:         items,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
}

func toOrderResps(list []orders.Order) []OrderResp {
	out := make([]OrderResp, 0, len(list))
	for _, o := range list {
		out = append(out, toOrderResp(o))
	}
	return out
}
