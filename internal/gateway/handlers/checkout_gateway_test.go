package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"stella-platform/internal/crm"
	"stella-platform/internal/database/models"
	"stella-platform/internal/payments"
	"stella-platform/internal/settlement"
)

type stubGateway struct {
	transfers     []string // destination accounts, in call order
	failCodes     map[string]string
	sessions      map[string]*payments.SessionInfo
	webhookEvent  *payments.WebhookEvent
	webhookErr    error
	checkoutCalls int
}

func (g *stubGateway) CreateCheckoutSession(ctx context.Context, params payments.CheckoutParams) (*payments.CheckoutSession, error) {
	g.checkoutCalls++
	return &payments.CheckoutSession{
		ID:  fmt.Sprintf("cs_%d", params.OrderID),
		URL: fmt.Sprintf("https://pay.example/cs_%d", params.OrderID),
	}, nil
}

func (g *stubGateway) RetrieveSession(ctx context.Context, sessionID string) (*payments.SessionInfo, error) {
	if info, ok := g.sessions[sessionID]; ok {
		return info, nil
	}
	return nil, fmt.Errorf("no such session: %s", sessionID)
}

func (g *stubGateway) CreateTransfer(ctx context.Context, amountMinor int64, currency, destination, transferGroup string) (string, error) {
	if code, ok := g.failCodes[destination]; ok {
		return "", &payments.GatewayError{Code: code, Message: "transfer rejected"}
	}
	g.transfers = append(g.transfers, destination)
	return fmt.Sprintf("tr_%d", len(g.transfers)), nil
}

func (g *stubGateway) VerifyWebhookSignature(payload []byte, signature string) (*payments.WebhookEvent, error) {
	if g.webhookErr != nil {
		return nil, g.webhookErr
	}
	return g.webhookEvent, nil
}

func (g *stubGateway) CreatePromotionCode(ctx context.Context, code string, percentOff float64, maxRedemptions int64) (string, error) {
	return "promo_" + code, nil
}

type noopCRM struct{}

func (noopCRM) FindProfileByEmail(ctx context.Context, email string) (*crm.Profile, error) {
	return nil, nil
}

func (noopCRM) CreateProfile(ctx context.Context, name, email string, attributes map[string]interface{}) (*crm.Profile, error) {
	return &crm.Profile{ID: "prof_1", Email: email}, nil
}

func (noopCRM) AddProfileToList(ctx context.Context, profileID, listID string) error { return nil }

func (noopCRM) PostEvent(ctx context.Context, eventName, profileID string, properties map[string]interface{}) error {
	return nil
}

type handlerEnv struct {
	db      *gorm.DB
	gateway *stubGateway
	engine  *settlement.Engine
	handler *CheckoutHandler
	router  *gin.Engine
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Store{}, &models.Seller{}, &models.Customer{}, &models.Category{},
		&models.Product{}, &models.Order{}, &models.OrderItem{}, &models.Payout{},
	))

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	gateway := &stubGateway{
		failCodes: make(map[string]string),
		sessions:  make(map[string]*payments.SessionInfo),
	}

	engine := settlement.NewEngine(db, redisClient, gateway, noopCRM{}, slog.Default(), settlement.EngineOptions{
		Currency:               "usd",
		DefaultConsignmentRate: "70",
	})

	handler := NewCheckoutHandler(db, gateway, engine, slog.Default(), "usd", "http://localhost:3000")

	router := gin.New()
	router.POST("/api/v1/checkout", handler.CreateCheckout)
	router.POST("/api/v1/checkout/verify", handler.VerifySession)
	router.POST("/api/v1/webhook", handler.Webhook)
	router.POST("/api/v1/pos/checkout", handler.TerminalCheckout)

	return &handlerEnv{db: db, gateway: gateway, engine: engine, handler: handler, router: router}
}

func (env *handlerEnv) seedCatalog(t *testing.T) (*models.Store, *models.Seller, *models.Product) {
	t.Helper()
	store := &models.Store{StoreName: "Archive Vintage", Currency: "usd", ConsignmentRate: "70.00", IsActive: true}
	require.NoError(t, env.db.Create(store).Error)
	seller := &models.Seller{StoreID: store.ID, SellerName: "Alice", StripeAccountID: "acct_alice"}
	require.NoError(t, env.db.Create(seller).Error)
	product := &models.Product{
		StoreID:      store.ID,
		SellerID:     seller.ID,
		ProductName:  "Denim Jacket",
		ProductPrice: "100.00",
		IsOnline:     true,
	}
	require.NoError(t, env.db.Create(product).Error)
	return store, seller, product
}

func (env *handlerEnv) post(t *testing.T, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func (env *handlerEnv) postPut(t *testing.T, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(http.MethodPut, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func TestCreateCheckoutOpensSessionAndRecordsPendingOrder(t *testing.T) {
	env := newHandlerEnv(t)
	store, _, product := env.seedCatalog(t)

	rec := env.post(t, fmt.Sprintf("/api/v1/checkout?store_id=%d", store.ID), gin.H{
		"product_ids": []int64{product.ID},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)

	var order models.Order
	require.NoError(t, env.db.Preload("OrderItems").First(&order).Error)
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Equal(t, "100.00", order.TotalAmount)
	require.NotNil(t, order.SessionID)
	assert.Equal(t, fmt.Sprintf("cs_%d", order.ID), *order.SessionID)
	require.Len(t, order.OrderItems, 1)
	assert.Equal(t, "100.00", order.OrderItems[0].ProductAmount)
	assert.Equal(t, "acct_alice", order.OrderItems[0].SellerStripeAccountID)

	// A pending order must not touch the product or pay anyone.
	var current models.Product
	require.NoError(t, env.db.First(&current, product.ID).Error)
	assert.False(t, current.IsArchived)
	assert.Empty(t, env.gateway.transfers)
}

func TestCreateCheckoutRejectsUnknownProducts(t *testing.T) {
	env := newHandlerEnv(t)
	store, _, product := env.seedCatalog(t)

	rec := env.post(t, fmt.Sprintf("/api/v1/checkout?store_id=%d", store.ID), gin.H{
		"product_ids": []int64{product.ID, 9999},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var count int64
	require.NoError(t, env.db.Model(&models.Order{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	env := newHandlerEnv(t)
	store, _, product := env.seedCatalog(t)
	order := seedPendingOrder(t, env, store, product)

	env.gateway.webhookErr = fmt.Errorf("signature mismatch")

	rec := env.post(t, "/api/v1/webhook", gin.H{"anything": true}, map[string]string{
		"Stripe-Signature": "t=1,v1=bogus",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var current models.Order
	require.NoError(t, env.db.First(&current, order.ID).Error)
	assert.Equal(t, models.OrderStatusPending, current.Status)
	assert.Empty(t, env.gateway.transfers)
}

func TestWebhookSettlesPaidCheckoutSession(t *testing.T) {
	env := newHandlerEnv(t)
	store, _, product := env.seedCatalog(t)
	order := seedPendingOrder(t, env, store, product)

	env.gateway.webhookEvent = &payments.WebhookEvent{
		Type: payments.EventCheckoutCompleted,
		Session: &payments.SessionInfo{
			ID:        "cs_test",
			Paid:      true,
			OrderID:   order.ID,
			PaymentID: "pi_123",
			Email:     "casey@example.com",
		},
	}

	rec := env.post(t, "/api/v1/webhook", gin.H{}, map[string]string{
		"Stripe-Signature": "t=1,v1=valid",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	env.engine.Wait()

	var current models.Order
	require.NoError(t, env.db.First(&current, order.ID).Error)
	assert.Equal(t, models.OrderStatusPaid, current.Status)
	assert.Equal(t, []string{"acct_alice"}, env.gateway.transfers)
}

func TestWebhookIgnoresUnrelatedEvents(t *testing.T) {
	env := newHandlerEnv(t)

	env.gateway.webhookEvent = &payments.WebhookEvent{Type: "invoice.created"}

	rec := env.post(t, "/api/v1/webhook", gin.H{}, map[string]string{
		"Stripe-Signature": "t=1,v1=valid",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, env.gateway.transfers)
}

func TestVerifySessionSettlesAndReturnsProducts(t *testing.T) {
	env := newHandlerEnv(t)
	store, _, product := env.seedCatalog(t)
	order := seedPendingOrder(t, env, store, product)

	env.gateway.sessions["cs_abc"] = &payments.SessionInfo{
		ID:        "cs_abc",
		Paid:      true,
		OrderID:   order.ID,
		PaymentID: "pi_123",
	}

	rec := env.post(t, "/api/v1/checkout/verify?session_id=cs_abc", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env.engine.Wait()

	var resp struct {
		Success    bool    `json:"success"`
		OrderID    int64   `json:"orderId"`
		ProductIDs []int64 `json:"productIds"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, order.ID, resp.OrderID)
	assert.Equal(t, []int64{product.ID}, resp.ProductIDs)
}

func TestVerifySessionRejectsUnpaidSession(t *testing.T) {
	env := newHandlerEnv(t)
	store, _, product := env.seedCatalog(t)
	order := seedPendingOrder(t, env, store, product)

	env.gateway.sessions["cs_abc"] = &payments.SessionInfo{ID: "cs_abc", Paid: false, OrderID: order.ID}

	rec := env.post(t, "/api/v1/checkout/verify?session_id=cs_abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var current models.Order
	require.NoError(t, env.db.First(&current, order.ID).Error)
	assert.Equal(t, models.OrderStatusPending, current.Status)
}

func TestVerifySessionAfterWebhookAlreadySettled(t *testing.T) {
	env := newHandlerEnv(t)
	store, _, product := env.seedCatalog(t)
	order := seedPendingOrder(t, env, store, product)

	_, err := env.engine.SettleOrder(context.Background(), order.ID, settlement.PaymentContext{Source: "webhook"})
	require.NoError(t, err)
	env.engine.Wait()

	env.gateway.sessions["cs_abc"] = &payments.SessionInfo{ID: "cs_abc", Paid: true, OrderID: order.ID}

	rec := env.post(t, "/api/v1/checkout/verify?session_id=cs_abc", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env.engine.Wait()

	// The buyer still gets their receipt, but nothing runs twice.
	var resp struct {
		ProductIDs []int64 `json:"productIds"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []int64{product.ID}, resp.ProductIDs)
	assert.Len(t, env.gateway.transfers, 1)
}

func TestTerminalCheckoutRejectsEmptySelection(t *testing.T) {
	env := newHandlerEnv(t)
	store, _, _ := env.seedCatalog(t)

	rec := env.post(t, fmt.Sprintf("/api/v1/pos/checkout?store_id=%d", store.ID), gin.H{
		"selectedProducts": []gin.H{},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var count int64
	require.NoError(t, env.db.Model(&models.Order{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestTerminalCheckoutSettlesImmediately(t *testing.T) {
	env := newHandlerEnv(t)
	store, _, product := env.seedCatalog(t)

	rec := env.post(t, fmt.Sprintf("/api/v1/pos/checkout?store_id=%d", store.ID), gin.H{
		"selectedProducts": []gin.H{{"id": product.ID}},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env.engine.Wait()

	var resp struct {
		Success    bool    `json:"success"`
		ProductIDs []int64 `json:"productIds"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, []int64{product.ID}, resp.ProductIDs)

	var current models.Product
	require.NoError(t, env.db.First(&current, product.ID).Error)
	assert.True(t, current.IsArchived)
	assert.Equal(t, []string{"acct_alice"}, env.gateway.transfers)
}

func TestTerminalCheckoutSurfacesInsufficientBalance(t *testing.T) {
	env := newHandlerEnv(t)
	store, _, product := env.seedCatalog(t)

	env.gateway.failCodes["acct_alice"] = payments.ErrCodeBalanceInsufficient

	rec := env.post(t, fmt.Sprintf("/api/v1/pos/checkout?store_id=%d", store.ID), gin.H{
		"selectedProducts": []gin.H{{"id": product.ID}},
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	env.engine.Wait()

	var resp struct {
		Success   bool   `json:"success"`
		ErrorCode string `json:"errorCode"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, payments.ErrCodeBalanceInsufficient, resp.ErrorCode)
}

func seedPendingOrder(t *testing.T, env *handlerEnv, store *models.Store, product *models.Product) *models.Order {
	t.Helper()
	order := &models.Order{StoreID: store.ID, Status: models.OrderStatusPending, TotalAmount: product.ProductPrice}
	require.NoError(t, env.db.Create(order).Error)
	item := &models.OrderItem{
		OrderID:               order.ID,
		ProductID:             product.ID,
		SellerID:              product.SellerID,
		ProductAmount:         product.ProductPrice,
		SellerStripeAccountID: "acct_alice",
	}
	require.NoError(t, env.db.Create(item).Error)
	return order
}
