package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"stella-platform/internal/database/models"
	"stella-platform/internal/payments"
	"stella-platform/internal/settlement"
)

type CheckoutHandler struct {
	db      *gorm.DB
	gateway payments.Gateway
	engine  *settlement.Engine
	logger  *slog.Logger

	currency      string
	storefrontURL string
}

func NewCheckoutHandler(db *gorm.DB, gateway payments.Gateway, engine *settlement.Engine, logger *slog.Logger, currency, storefrontURL string) *CheckoutHandler {
	return &CheckoutHandler{
		db:            db,
		gateway:       gateway,
		engine:        engine,
		logger:        logger.With("component", "checkout"),
		currency:      currency,
		storefrontURL: storefrontURL,
	}
}

type CreateCheckoutRequest struct {
	ProductIDs []int64 `json:"product_ids" binding:"required,min=1"`
}

type TerminalProductRef struct {
	ID int64 `json:"id" binding:"required"`
}

type TerminalCheckoutRequest struct {
	SelectedProducts []TerminalProductRef `json:"selectedProducts" binding:"required,min=1"`
}

// CreateCheckout opens a gateway checkout session for a set of products
// and records the pending order the eventual settlement will act on.
func (h *CheckoutHandler) CreateCheckout(c *gin.Context) {
	storeID, err := strconv.ParseInt(c.Query("store_id"), 10, 64)
	if err != nil || storeID == 0 {
		c.JSON(http.StatusBadRequest, errorResponse("store_id required"))
		return
	}

	var req CreateCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("product_ids required"))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	var store models.Store
	if err := h.db.WithContext(ctx).Where("id = ? AND is_active = ?", storeID, true).First(&store).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusBadRequest, errorResponse("Store not found"))
			return
		}
		c.JSON(http.StatusInternalServerError, errorResponse("Database error"))
		return
	}

	products, ok := h.loadSellableProducts(ctx, c, storeID, req.ProductIDs)
	if !ok {
		return
	}

	order, err := h.createPendingOrder(ctx, storeID, products)
	if err != nil {
		h.logger.Error("failed to create pending order", "store_id", storeID, "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse("Failed to create order"))
		return
	}

	lineItems := make([]payments.LineItem, 0, len(products))
	for _, p := range products {
		price, err := decimal.NewFromString(p.ProductPrice)
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorResponse("Invalid product price"))
			return
		}
		lineItems = append(lineItems, payments.LineItem{
			Name:        p.ProductName,
			AmountMinor: payments.ToMinorUnits(price),
		})
	}

	session, err := h.gateway.CreateCheckoutSession(ctx, payments.CheckoutParams{
		OrderID:    order.ID,
		Currency:   h.currency,
		LineItems:  lineItems,
		SuccessURL: h.storefrontURL + "/checkout/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  h.storefrontURL + "/cart",
	})
	if err != nil {
		h.logger.Error("failed to open checkout session", "order_id", order.ID, "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse("Failed to open checkout session"))
		return
	}

	if err := h.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ?", order.ID).
		UpdateColumn("session_id", session.ID).Error; err != nil {
		h.logger.Error("failed to record session on order", "order_id", order.ID, "session_id", session.ID, "error", err)
	}

	c.JSON(http.StatusOK, successResponse("Checkout session created", gin.H{
		"url":      session.URL,
		"order_id": order.ID,
	}))
}

// Webhook is the asynchronous ingress: a signed gateway event confirming
// payment. The signature is verified before anything in the payload is
// trusted.
func (h *CheckoutHandler) Webhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Unable to read request body"))
		return
	}

	event, err := h.gateway.VerifyWebhookSignature(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("webhook signature verification failed", "error", err)
		c.JSON(http.StatusBadRequest, errorResponse("Invalid webhook signature"))
		return
	}

	if event.Type != payments.EventCheckoutCompleted {
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	if event.Session == nil || event.Session.OrderID == 0 {
		c.JSON(http.StatusBadRequest, errorResponse("Missing order metadata on event"))
		return
	}
	if !event.Session.Paid {
		// Delayed payment methods complete the session before the charge
		// clears; the paid event will follow.
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	_, err = h.engine.SettleOrder(c.Request.Context(), event.Session.OrderID, settlement.PaymentContext{
		PaymentID: event.Session.PaymentID,
		Name:      event.Session.Name,
		Email:     event.Session.Email,
		Phone:     event.Session.Phone,
		Address:   event.Session.Address,
		Source:    "webhook",
	})
	if err != nil {
		switch {
		case errors.Is(err, settlement.ErrSettlementInProgress):
			// Another ingress is already on it; ack so the gateway
			// does not redeliver.
		case errors.Is(err, settlement.ErrOrderNotFound):
			c.JSON(http.StatusBadRequest, errorResponse("Unknown order in event metadata"))
			return
		default:
			h.logger.Error("webhook settlement failed", "order_id", event.Session.OrderID, "error", err)
			c.JSON(http.StatusInternalServerError, errorResponse("Settlement failed"))
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// VerifySession is the synchronous ingress: the browser polls it after
// redirecting back from the hosted payment page.
func (h *CheckoutHandler) VerifySession(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, errorResponse("session_id required"))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	info, err := h.gateway.RetrieveSession(ctx, sessionID)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Session not found"))
		return
	}
	if !info.Paid {
		c.JSON(http.StatusBadRequest, errorResponse("Session is not paid"))
		return
	}
	if info.OrderID == 0 {
		c.JSON(http.StatusBadRequest, errorResponse("Session has no order metadata"))
		return
	}

	result, err := h.engine.SettleOrder(ctx, info.OrderID, settlement.PaymentContext{
		PaymentID: info.PaymentID,
		Name:      info.Name,
		Email:     info.Email,
		Phone:     info.Phone,
		Address:   info.Address,
		Source:    "session",
	})
	if err != nil && !errors.Is(err, settlement.ErrSettlementInProgress) {
		h.logger.Error("session settlement failed", "order_id", info.OrderID, "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse("Settlement failed"))
		return
	}

	productIDs := h.orderProductIDs(ctx, info.OrderID, result)

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"orderId":    info.OrderID,
		"productIds": productIDs,
	})
}

// TerminalCheckout is the staff point-of-sale ingress: the order is
// created at settlement time, after the card-present charge has been
// captured on the terminal.
func (h *CheckoutHandler) TerminalCheckout(c *gin.Context) {
	storeID, err := strconv.ParseInt(c.Query("store_id"), 10, 64)
	if err != nil || storeID == 0 {
		c.JSON(http.StatusBadRequest, errorResponse("store_id required"))
		return
	}

	var req TerminalCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("selectedProducts required"))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 20*time.Second)
	defer cancel()

	var store models.Store
	if err := h.db.WithContext(ctx).Where("id = ? AND is_active = ?", storeID, true).First(&store).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusBadRequest, errorResponse("Store not found"))
			return
		}
		c.JSON(http.StatusInternalServerError, errorResponse("Database error"))
		return
	}

	productIDs := make([]int64, 0, len(req.SelectedProducts))
	for _, p := range req.SelectedProducts {
		productIDs = append(productIDs, p.ID)
	}

	products, ok := h.loadSellableProducts(ctx, c, storeID, productIDs)
	if !ok {
		return
	}

	order, err := h.createPendingOrder(ctx, storeID, products)
	if err != nil {
		h.logger.Error("failed to create terminal order", "store_id", storeID, "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse("Failed to create order"))
		return
	}

	result, err := h.engine.SettleOrder(ctx, order.ID, settlement.PaymentContext{
		Source: "terminal",
	})
	if err != nil {
		h.logger.Error("terminal settlement failed", "order_id", order.ID, "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse("Settlement failed"))
		return
	}

	for _, failure := range result.TransferFailures {
		if failure.Code == payments.ErrCodeBalanceInsufficient {
			c.JSON(http.StatusBadRequest, gin.H{
				"success":   false,
				"message":   "Platform balance insufficient to fund seller payouts",
				"errorCode": payments.ErrCodeBalanceInsufficient,
				"orderId":   order.ID,
			})
			return
		}
	}

	var newOrder models.Order
	if err := h.db.WithContext(ctx).
		Preload("OrderItems").
		First(&newOrder, order.ID).Error; err != nil {
		newOrder = *order
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"newOrder":   newOrder,
		"productIds": result.ProductIDs,
	})
}

// loadSellableProducts fetches unarchived store products for the given
// ids and rejects the request when any of them is unavailable. Writes
// the error response itself when returning ok=false.
func (h *CheckoutHandler) loadSellableProducts(ctx context.Context, c *gin.Context, storeID int64, productIDs []int64) ([]models.Product, bool) {
	var products []models.Product
	if err := h.db.WithContext(ctx).
		Where("id IN ? AND store_id = ? AND is_archived = ?", productIDs, storeID, false).
		Preload("Seller").
		Find(&products).Error; err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse("Database error"))
		return nil, false
	}

	if len(products) != len(productIDs) {
		c.JSON(http.StatusBadRequest, errorResponse("One or more products are unavailable"))
		return nil, false
	}

	return products, true
}

func (h *CheckoutHandler) createPendingOrder(ctx context.Context, storeID int64, products []models.Product) (*models.Order, error) {
	var order models.Order

	err := h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		total := decimal.Zero
		for _, p := range products {
			price, err := decimal.NewFromString(p.ProductPrice)
			if err != nil {
				return err
			}
			total = total.Add(price)
		}

		order = models.Order{
			StoreID:     storeID,
			Status:      models.OrderStatusPending,
			TotalAmount: total.StringFixed(2),
		}
		if err := tx.Create(&order).Error; err != nil {
			return err
		}

		for _, p := range products {
			accountID := ""
			if p.Seller != nil {
				accountID = p.Seller.StripeAccountID
			}
			item := models.OrderItem{
				OrderID:               order.ID,
				ProductID:             p.ID,
				SellerID:              p.SellerID,
				ProductAmount:         p.ProductPrice,
				SellerStripeAccountID: accountID,
			}
			if err := tx.Create(&item).Error; err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &order, nil
}

func (h *CheckoutHandler) orderProductIDs(ctx context.Context, orderID int64, result *settlement.Result) []int64 {
	if result != nil && len(result.ProductIDs) > 0 {
		return result.ProductIDs
	}

	var items []models.OrderItem
	if err := h.db.WithContext(ctx).Where("order_id = ?", orderID).Find(&items).Error; err != nil {
		return []int64{}
	}

	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}
	return ids
}
