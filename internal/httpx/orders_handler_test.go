package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-shop-orders/internal/auth"
	"github.com/ariefcatur/go-shop-orders/internal/orders"
	"github.com/ariefcatur/go-shop-orders/internal/redisx"
	"github.com/ariefcatur/go-shop-orders/internal/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "handler-secret"

type memCache struct {
	mu   sync.Mutex
	docs map[string]redisx.StatusDoc
}

func (c *memCache) Get(_ context.Context, id string) (redisx.StatusDoc, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[id]
	return doc, ok
}

func (c *memCache) Put(_ context.Context, doc redisx.StatusDoc) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.docs[doc.OrderID]; ok && !doc.Supersedes(cur) {
		return false, nil
	}
	c.docs[doc.OrderID] = doc
	return true, nil
}

type fixture struct {
	srv   *httptest.Server
	store *sqlite.Store
	cache *memCache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.UpsertProduct(ctx, orders.Product{ID: "A", Name: "Product A", PriceCents: 1000, Stock: 5}))
	require.NoError(t, store.UpsertProduct(ctx, orders.Product{ID: "B", Name: "Product B", PriceCents: 2000, Stock: 1}))

	cache := &memCache{docs: map[string]redisx.StatusDoc{}}
	h := &OrdersHandler{
		Service: orders.NewService(store, nil, zap.NewNop()),
		Auth:    auth.NewVerifier(testSecret),
		Cache:   cache,
		Log:     zap.NewNop(),
		Timeout: 2 * time.Second,
	}
	r := NewRouter(zap.NewNop())
	h.Register(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: store, cache: cache}
}

func token(t *testing.T, sub, role string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	s, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func (f *fixture) do(t *testing.T, method, path, tok string, body any, hdr ...string) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(b, &v), string(b))
	return v
}

func createBody(items ...orders.ItemInput) CreateOrderReq {
	return CreateOrderReq{Items: items}
}

func TestCreateOrderEndpoint(t *testing.T) {
	f := newFixture(t)
	user := token(t, "user-1", "")

	resp, body := f.do(t, http.MethodPost, "/orders", user,
		createBody(orders.ItemInput{ProductID: "A", Qty: 2}, orders.ItemInput{ProductID: "B", Qty: 1}))
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	o := decode[OrderResp](t, body)
	assert.Equal(t, "40.00", o.Total)
	assert.Equal(t, orders.StatusPending, o.Status)
	assert.Equal(t, "user-1", o.UserID)
	assert.Equal(t, orders.DefaultPaymentMethod, o.PaymentMethod)
	require.Len(t, o.Items, 2)
	assert.Equal(t, "10.00", o.Items[0].UnitPrice)
	assert.Equal(t, "20.00", o.Items[0].Subtotal)

	resp, body = f.do(t, http.MethodGet, "/products", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stock := map[string]int{}
	for _, p := range decode[[]ProductResp](t, body) {
		stock[p.ID] = p.Stock
	}
	assert.Equal(t, map[string]int{"A": 3, "B": 0}, stock)

	_, cached := f.cache.Get(context.Background(), o.ID)
	assert.True(t, cached)
}

func TestCreateOrderErrors(t *testing.T) {
	f := newFixture(t)
	user := token(t, "user-1", "")

	cases := []struct {
		name string
		body any
		code int
		kind string
	}{
		{"insufficient", createBody(orders.ItemInput{ProductID: "B", Qty: 2}), http.StatusConflict, "insufficient_stock"},
		{"unknown product", createBody(orders.ItemInput{ProductID: "Z", Qty: 1}), http.StatusNotFound, "not_found"},
		{"zero qty", createBody(orders.ItemInput{ProductID: "A", Qty: 0}), http.StatusBadRequest, "validation_error"},
		{"empty", createBody(), http.StatusBadRequest, "validation_error"},
		{"bad json", "not an object", http.StatusBadRequest, "validation_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, "/orders", user, tc.body)
			assert.Equal(t, tc.code, resp.StatusCode, string(body))
			assert.Equal(t, tc.kind, decode[errorResp](t, body).Kind)
		})
	}

	resp, body := f.do(t, http.MethodPost, "/orders", user, createBody(orders.ItemInput{ProductID: "B", Qty: 2}))
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "B", decode[errorResp](t, body).ProductID)

	resp, _ = f.do(t, http.MethodPost, "/orders", "", createBody(orders.ItemInput{ProductID: "A", Qty: 1}))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateOrderIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	user := token(t, "user-1", "")
	body := createBody(orders.ItemInput{ProductID: "A", Qty: 1})

	resp, b := f.do(t, http.MethodPost, "/orders", user, body, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(b))
	first := decode[OrderResp](t, b)

	resp, b = f.do(t, http.MethodPost, "/orders", user, body, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(b))
	again := decode[OrderResp](t, b)
	assert.Equal(t, first.ID, again.ID)
	assert.True(t, again.Idempotent)

	p, err := f.store.GetProduct(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, 4, p.Stock)
}

func placeOrder(t *testing.T, f *fixture, tok string) OrderResp {
	t.Helper()
	resp, b := f.do(t, http.MethodPost, "/orders", tok, createBody(orders.ItemInput{ProductID: "A", Qty: 1}))
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(b))
	return decode[OrderResp](t, b)
}

func TestRequestTreatmentEndpoint(t *testing.T) {
	f := newFixture(t)
	owner := token(t, "user-1", "")
	other := token(t, "user-2", "")
	o := placeOrder(t, f, owner)

	resp, _ := f.do(t, http.MethodPost, "/orders/awaiting-treatment", other, TreatmentReq{OrderID: o.ID})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, b := f.do(t, http.MethodPost, "/orders/awaiting-treatment", owner, TreatmentReq{OrderID: o.ID})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(b))
	assert.Equal(t, orders.StatusAwaitingTreatment, decode[OrderResp](t, b).Status)

	resp, _ = f.do(t, http.MethodPost, "/orders/awaiting-treatment", owner, TreatmentReq{OrderID: o.ID})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/orders/awaiting-treatment", owner, TreatmentReq{OrderID: "missing"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminEndpoints(t *testing.T) {
	f := newFixture(t)
	owner := token(t, "user-1", "")
	admin := token(t, "admin-1", auth.RoleAdmin)
	o := placeOrder(t, f, owner)

	resp, _ := f.do(t, http.MethodPut, "/orders/"+o.ID+"/status", owner, UpdateStatusReq{Status: "paid"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, b := f.do(t, http.MethodPut, "/orders/"+o.ID+"/status", admin, UpdateStatusReq{Status: "bogus"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_error", decode[errorResp](t, b).Kind)

	resp, b = f.do(t, http.MethodPut, "/orders/"+o.ID+"/status", admin, UpdateStatusReq{Status: "shipped"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(b))
	assert.Equal(t, orders.StatusShipped, decode[OrderResp](t, b).Status)

	resp, b = f.do(t, http.MethodGet, "/orders/"+o.ID+"/status", owner, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "shipped", decode[map[string]any](t, b)["status"])

	resp, _ = f.do(t, http.MethodGet, "/orders/"+o.ID+"/status", token(t, "user-2", ""), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, b = f.do(t, http.MethodGet, "/orders", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]OrderResp](t, b), 1)

	resp, _ = f.do(t, http.MethodGet, "/orders", owner, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, b = f.do(t, http.MethodGet, "/orders/my-orders", owner, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]OrderResp](t, b), 1)

	resp, _ = f.do(t, http.MethodDelete, "/orders/"+o.ID, owner, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/orders/"+o.ID, admin, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	doc, _ := f.cache.Get(context.Background(), o.ID)
	assert.True(t, doc.Deleted)

	resp, _ = f.do(t, http.MethodGet, "/orders/"+o.ID+"/status", owner, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/orders/"+o.ID, admin, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/orders/"+o.ID, admin, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListNormalizesLegacyRows(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.DB().Exec(`INSERT INTO orders (id, user_id, status, total_cents) VALUES ('legacy', 'user-1', '', 1500)`)
	require.NoError(t, err)

	resp, b := f.do(t, http.MethodGet, "/orders/my-orders", token(t, "user-1", ""), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]OrderResp](t, b)
	require.Len(t, list, 1)
	assert.Equal(t, orders.StatusPending, list[0].Status)
	assert.Equal(t, "15.00", list[0].Total)

	var st string
	require.NoError(t, f.store.DB().QueryRow(`SELECT status FROM orders WHERE id = 'legacy'`).Scan(&st))
	assert.Equal(t, "pending", st)
}
