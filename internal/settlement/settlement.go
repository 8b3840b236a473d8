package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stella-platform/internal/crm"
	"stella-platform/internal/database/models"
	"stella-platform/internal/payments"
)

const (
	SETTLEMENT_LOCK_PREFIX  = "settlement:lock:"
	SETTLEMENT_LOCK_TTL     = 30 * time.Second
	EVENT_CHANNEL_PREFIX    = "settlement:events:"
	EventOrderSettled       = "order.settled"
	CRMEventOrderConfirmed  = "Placed Order"
	notifyTimeout           = 30 * time.Second
	welcomePromoPercentOff  = 10.0
)

var (
	ErrOrderNotFound = errors.New("order not found")
	// ErrSettlementInProgress means another ingress holds the settlement
	// lock for this order right now. The caller should treat the order as
	// being handled, not as failed.
	ErrSettlementInProgress = errors.New("settlement already in progress for this order")
)

// InvalidTransitionError rejects settlement of an order whose status
// cannot move to paid (e.g. a cancelled order).
type InvalidTransitionError struct {
	OrderID int64
	From    models.OrderStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order %d cannot transition from %s to paid", e.OrderID, e.From)
}

// PaymentContext carries the gateway-confirmed facts about a payment:
// the charge identifier and the buyer contact collected by the gateway.
type PaymentContext struct {
	PaymentID string
	Email     string
	Name      string
	Phone     string
	Address   string
	Source    string // "webhook", "session" or "terminal"
}

// TransferFailure records one seller partition whose transfer did not go
// through. Failures are isolated: they never abort other partitions.
type TransferFailure struct {
	SellerID  int64
	AccountID string
	Code      string
	Message   string
}

type Result struct {
	OrderID          int64
	AlreadySettled   bool
	ProductIDs       []int64
	Payouts          []models.Payout
	TransferFailures []TransferFailure
}

type sellerPartition struct {
	sellerID  int64
	accountID string
	gross     decimal.Decimal
	rate      decimal.Decimal
}

type Engine struct {
	db          *gorm.DB
	redis       *redis.Client
	gateway     payments.Gateway
	crm         crm.Client
	logger      *slog.Logger
	currency    string
	defaultRate decimal.Decimal
	listID      string

	notifyWG sync.WaitGroup
}

type EngineOptions struct {
	Currency               string
	DefaultConsignmentRate string
	NewPurchaserListID     string
}

func NewEngine(db *gorm.DB, redisClient *redis.Client, gateway payments.Gateway, crmClient crm.Client, logger *slog.Logger, opts EngineOptions) *Engine {
	rate, err := decimal.NewFromString(opts.DefaultConsignmentRate)
	if err != nil || rate.IsNegative() {
		rate = decimal.NewFromInt(70)
	}

	currency := opts.Currency
	if currency == "" {
		currency = "usd"
	}

	return &Engine{
		db:          db,
		redis:       redisClient,
		gateway:     gateway,
		crm:         crmClient,
		logger:      logger.With("component", "settlement"),
		currency:    currency,
		defaultRate: rate,
		listID:      opts.NewPurchaserListID,
	}
}

// Wait drains in-flight buyer notifications. Called on shutdown.
func (e *Engine) Wait() {
	e.notifyWG.Wait()
}

// SettleOrder realizes the business consequences of a confirmed payment:
// claim the order as paid, archive its products, bump seller counters,
// then issue one transfer per seller partition and record payouts.
// Calling it again for the same order is a no-op.
func (e *Engine) SettleOrder(ctx context.Context, orderID int64, pc PaymentContext) (*Result, error) {
	lockKey := fmt.Sprintf("%s%d", SETTLEMENT_LOCK_PREFIX, orderID)
	acquired, err := e.redis.SetNX(ctx, lockKey, pc.Source, SETTLEMENT_LOCK_TTL).Result()
	if err != nil {
		// Redis being down must not block settlement; the database claim
		// below still serializes concurrent attempts.
		e.logger.Warn("settlement lock unavailable, relying on db claim", "order_id", orderID, "error", err)
	} else if !acquired {
		return nil, ErrSettlementInProgress
	} else {
		defer e.redis.Del(ctx, lockKey)
	}

	var (
		order          models.Order
		items          []models.OrderItem
		alreadySettled bool
	)

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&order, orderID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrOrderNotFound
			}
			return err
		}

		updates := map[string]interface{}{
			"status":     models.OrderStatusPaid,
			"updated_at": time.Now(),
		}
		if pc.PaymentID != "" {
			updates["payment_id"] = pc.PaymentID
		}
		if pc.Email != "" {
			updates["email"] = pc.Email
		}
		if pc.Phone != "" {
			updates["phone"] = pc.Phone
		}
		if pc.Address != "" {
			updates["address"] = pc.Address
		}

		// The affected-row count gates the whole pipeline: whichever
		// ingress wins this conditional update runs settlement, every
		// other attempt sees zero rows and no-ops.
		res := tx.Model(&models.Order{}).
			Where("id = ? AND status = ?", orderID, models.OrderStatusPending).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// A concurrent ingress can claim the order between our
			// initial read and the gated update, so the snapshot
			// status may be stale. Classify on the current row.
			var current models.Order
			if err := tx.First(&current, orderID).Error; err != nil {
				return err
			}
			if current.Status == models.OrderStatusPaid || current.Status == models.OrderStatusDispatched {
				alreadySettled = true
				return nil
			}
			return &InvalidTransitionError{OrderID: orderID, From: current.Status}
		}

		if err := tx.Where("order_id = ?", orderID).
			Preload("Product").
			Preload("Seller").
			Find(&items).Error; err != nil {
			return err
		}
		if len(items) == 0 {
			return fmt.Errorf("order %d has no items to settle", orderID)
		}

		productIDs := make([]int64, 0, len(items))
		sellerIDs := make([]int64, 0, len(items))
		seenSellers := make(map[int64]bool)
		for _, item := range items {
			productIDs = append(productIDs, item.ProductID)
			if !seenSellers[item.SellerID] {
				seenSellers[item.SellerID] = true
				sellerIDs = append(sellerIDs, item.SellerID)
			}
		}

		if err := tx.Model(&models.Product{}).
			Where("id IN ?", productIDs).
			Updates(map[string]interface{}{
				"is_archived": true,
				"is_online":   false,
				"updated_at":  time.Now(),
			}).Error; err != nil {
			return err
		}

		return tx.Model(&models.Seller{}).
			Where("id IN ?", sellerIDs).
			UpdateColumn("sold_count", gorm.Expr("sold_count + ?", 1)).Error
	})
	if err != nil {
		return nil, err
	}

	result := &Result{OrderID: orderID, AlreadySettled: alreadySettled}
	if alreadySettled {
		e.logger.Info("order already settled, skipping", "order_id", orderID, "source", pc.Source)
		return result, nil
	}

	for _, item := range items {
		result.ProductIDs = append(result.ProductIDs, item.ProductID)
	}

	e.invalidateCatalogCaches(ctx, order.StoreID, result.ProductIDs)

	result.Payouts, result.TransferFailures = e.runPayouts(ctx, &order, items)

	e.publishEvent(ctx, EventOrderSettled, map[string]interface{}{
		"order_id":    orderID,
		"store_id":    order.StoreID,
		"source":      pc.Source,
		"product_ids": result.ProductIDs,
		"payouts":     len(result.Payouts),
		"timestamp":   time.Now(),
	})

	e.notifyWG.Add(1)
	go e.notifyBuyer(order, items, pc)

	e.logger.Info("order settled",
		"order_id", orderID,
		"source", pc.Source,
		"products", len(result.ProductIDs),
		"payouts", len(result.Payouts),
		"transfer_failures", len(result.TransferFailures),
	)

	return result, nil
}

// RetryPayouts re-runs the transfer loop for a paid order, skipping
// seller partitions that already have a payout row. Covers the crash
// window between the paid claim committing and transfers completing.
func (e *Engine) RetryPayouts(ctx context.Context, orderID int64) (*Result, error) {
	lockKey := fmt.Sprintf("%s%d", SETTLEMENT_LOCK_PREFIX, orderID)
	acquired, err := e.redis.SetNX(ctx, lockKey, "retry", SETTLEMENT_LOCK_TTL).Result()
	if err != nil {
		e.logger.Warn("redis lock unavailable, proceeding on db idempotence", "order_id", orderID, "error", err)
	} else if !acquired {
		return nil, ErrSettlementInProgress
	} else {
		defer e.redis.Del(ctx, lockKey)
	}

	var order models.Order
	if err := e.db.WithContext(ctx).First(&order, orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}

	if order.Status != models.OrderStatusPaid && order.Status != models.OrderStatusDispatched {
		return nil, &InvalidTransitionError{OrderID: orderID, From: order.Status}
	}

	var items []models.OrderItem
	if err := e.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Preload("Seller").
		Find(&items).Error; err != nil {
		return nil, err
	}

	result := &Result{OrderID: orderID}
	result.Payouts, result.TransferFailures = e.runPayouts(ctx, &order, items)
	return result, nil
}

// runPayouts partitions order items by seller connected account, computes
// each seller's net share, and issues one transfer per partition. Every
// partition is attempted regardless of other partitions failing.
func (e *Engine) runPayouts(ctx context.Context, order *models.Order, items []models.OrderItem) ([]models.Payout, []TransferFailure) {
	storeRate := e.storeRate(ctx, order.StoreID)
	transferGroup := fmt.Sprintf("order_%d", order.ID)

	settledSellers := make(map[int64]bool)
	var existing []models.Payout
	if err := e.db.WithContext(ctx).Where("order_id = ?", order.ID).Find(&existing).Error; err == nil {
		for _, p := range existing {
			settledSellers[p.SellerID] = true
		}
	}

	var (
		partitions []sellerPartition
		byAccount  = make(map[string]int)
		failures   []TransferFailure
	)

	for _, item := range items {
		if settledSellers[item.SellerID] {
			continue
		}
		accountID := item.SellerStripeAccountID
		if accountID == "" && item.Seller != nil {
			// The snapshot is empty when the seller had not linked an
			// account at checkout time. Retries pick up the account
			// they linked since; a non-empty snapshot always wins so a
			// later account change cannot redirect the settlement.
			accountID = item.Seller.StripeAccountID
		}
		if accountID == "" {
			e.logger.Error("seller has no connected account, skipping payout",
				"order_id", order.ID, "seller_id", item.SellerID, "product_id", item.ProductID)
			failures = append(failures, TransferFailure{
				SellerID: item.SellerID,
				Code:     "missing_connected_account",
				Message:  "seller has no gateway connected account",
			})
			continue
		}

		amount, err := decimal.NewFromString(item.ProductAmount)
		if err != nil {
			e.logger.Error("invalid product amount on order item",
				"order_id", order.ID, "order_item_id", item.ID, "amount", item.ProductAmount)
			continue
		}

		idx, ok := byAccount[accountID]
		if !ok {
			byAccount[accountID] = len(partitions)
			partitions = append(partitions, sellerPartition{
				sellerID:  item.SellerID,
				accountID: accountID,
				gross:     decimal.Zero,
				rate:      e.resolveRate(item.Seller, storeRate),
			})
			idx = byAccount[accountID]
		}
		partitions[idx].gross = partitions[idx].gross.Add(amount)
	}

	var payouts []models.Payout
	for _, p := range partitions {
		net := p.gross.Mul(p.rate).Div(decimal.NewFromInt(100))
		amountMinor := payments.ToMinorUnits(net)
		if amountMinor <= 0 {
			e.logger.Warn("computed payout is zero, skipping transfer",
				"order_id", order.ID, "seller_id", p.sellerID)
			continue
		}

		transferID, err := e.gateway.CreateTransfer(ctx, amountMinor, e.currency, p.accountID, transferGroup)
		if err != nil {
			code := "transfer_failed"
			var ge *payments.GatewayError
			if errors.As(err, &ge) {
				code = ge.Code
			}
			e.logger.Error("transfer failed for seller partition",
				"order_id", order.ID, "seller_id", p.sellerID, "account_id", p.accountID,
				"code", code, "error", err)
			failures = append(failures, TransferFailure{
				SellerID:  p.sellerID,
				AccountID: p.accountID,
				Code:      code,
				Message:   err.Error(),
			})
			continue
		}

		payout := models.Payout{
			SellerID:         p.sellerID,
			OrderID:          order.ID,
			Amount:           net.StringFixed(2),
			TransferGroup:    transferGroup,
			StripeTransferID: transferID,
		}
		if err := e.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "seller_id"}, {Name: "order_id"}},
				DoNothing: true,
			}).
			Create(&payout).Error; err != nil {
			e.logger.Error("failed to persist payout record",
				"order_id", order.ID, "seller_id", p.sellerID, "transfer_id", transferID, "error", err)
			continue
		}
		payouts = append(payouts, payout)
	}

	return payouts, failures
}

func (e *Engine) storeRate(ctx context.Context, storeID int64) decimal.Decimal {
	var store models.Store
	if err := e.db.WithContext(ctx).First(&store, storeID).Error; err != nil {
		return e.defaultRate
	}
	rate, err := decimal.NewFromString(store.ConsignmentRate)
	if err != nil || rate.IsNegative() {
		return e.defaultRate
	}
	return rate
}

func (e *Engine) resolveRate(seller *models.Seller, storeRate decimal.Decimal) decimal.Decimal {
	if seller != nil && seller.ConsignmentRate != nil {
		if rate, err := decimal.NewFromString(*seller.ConsignmentRate); err == nil && !rate.IsNegative() {
			return rate
		}
	}
	return storeRate
}

// notifyBuyer runs the best-effort tail of settlement: customer upsert,
// first-purchase promo code, CRM profile and confirmation event. Nothing
// here can fail the settlement itself; every error is logged and dropped.
func (e *Engine) notifyBuyer(order models.Order, items []models.OrderItem, pc PaymentContext) {
	defer e.notifyWG.Done()

	if pc.Email == "" {
		e.logger.Debug("no buyer email on payment, skipping CRM dispatch", "order_id", order.ID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	orderTotal := decimal.Zero
	productNames := make([]string, 0, len(items))
	for _, item := range items {
		if amount, err := decimal.NewFromString(item.ProductAmount); err == nil {
			orderTotal = orderTotal.Add(amount)
		}
		if item.Product != nil {
			productNames = append(productNames, item.Product.ProductName)
		}
	}

	customer, isNew, err := e.upsertCustomer(ctx, pc, orderTotal)
	if err != nil {
		e.logger.Error("customer upsert failed", "order_id", order.ID, "email", pc.Email, "error", err)
		return
	}

	if err := e.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ?", order.ID).
		UpdateColumn("customer_id", customer.ID).Error; err != nil {
		e.logger.Error("failed to link order to customer", "order_id", order.ID, "customer_id", customer.ID, "error", err)
	}

	profile := e.resolveProfile(ctx, customer, isNew)

	if isNew {
		code := welcomeCode(customer.CustomerName)
		if _, err := e.gateway.CreatePromotionCode(ctx, code, welcomePromoPercentOff, 1); err != nil {
			e.logger.Error("failed to register welcome promotion code", "customer_id", customer.ID, "code", code, "error", err)
		}
		if profile != nil && e.listID != "" {
			if err := e.crm.AddProfileToList(ctx, profile.ID, e.listID); err != nil {
				e.logger.Error("failed to add profile to new purchaser list", "profile_id", profile.ID, "error", err)
			}
		}
	}

	if profile != nil {
		props := map[string]interface{}{
			"order_id": order.ID,
			"name":     customer.CustomerName,
			"address":  pc.Address,
			"products": productNames,
			"total":    orderTotal.StringFixed(2),
		}
		if err := e.crm.PostEvent(ctx, CRMEventOrderConfirmed, profile.ID, props); err != nil {
			e.logger.Error("failed to post order confirmation event", "order_id", order.ID, "profile_id", profile.ID, "error", err)
		}
	}
}

func (e *Engine) upsertCustomer(ctx context.Context, pc PaymentContext, orderTotal decimal.Decimal) (*models.Customer, bool, error) {
	var customer models.Customer
	err := e.db.WithContext(ctx).Where("email = ?", pc.Email).First(&customer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		customer = models.Customer{
			CustomerName: pc.Name,
			Email:        pc.Email,
			Phone:        pc.Phone,
			Address:      pc.Address,
			OrderCount:   1,
			TotalSpent:   orderTotal.StringFixed(2),
		}
		if err := e.db.WithContext(ctx).Create(&customer).Error; err != nil {
			return nil, false, err
		}
		return &customer, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	spent, parseErr := decimal.NewFromString(customer.TotalSpent)
	if parseErr != nil {
		spent = decimal.Zero
	}

	updates := map[string]interface{}{
		"order_count": gorm.Expr("order_count + ?", 1),
		"total_spent": spent.Add(orderTotal).StringFixed(2),
		"updated_at":  time.Now(),
	}
	if pc.Phone != "" {
		updates["phone"] = pc.Phone
	}
	if pc.Address != "" {
		updates["address"] = pc.Address
	}

	if err := e.db.WithContext(ctx).Model(&models.Customer{}).
		Where("id = ?", customer.ID).
		Updates(updates).Error; err != nil {
		return nil, false, err
	}

	return &customer, false, nil
}

func (e *Engine) resolveProfile(ctx context.Context, customer *models.Customer, isNew bool) *crm.Profile {
	if !isNew {
		profile, err := e.crm.FindProfileByEmail(ctx, customer.Email)
		if err != nil {
			e.logger.Error("CRM profile lookup failed", "email", customer.Email, "error", err)
		} else if profile != nil {
			return profile
		}
	}

	profile, err := e.crm.CreateProfile(ctx, customer.CustomerName, customer.Email, map[string]interface{}{
		"customer_id": customer.ID,
	})
	if err != nil {
		e.logger.Error("CRM profile creation failed", "email", customer.Email, "error", err)
		return nil
	}
	return profile
}

// invalidateCatalogCaches drops the storefront listing cache and the
// per-product entries for products this settlement archived. Key layout
// matches the catalog handler's.
func (e *Engine) invalidateCatalogCaches(ctx context.Context, storeID int64, productIDs []int64) {
	keys := make([]string, 0, len(productIDs)+1)
	keys = append(keys, fmt.Sprintf("catalog:products:%d", storeID))
	for _, id := range productIDs {
		keys = append(keys, fmt.Sprintf("catalog:product:%d", id))
	}
	if err := e.redis.Del(ctx, keys...).Err(); err != nil {
		e.logger.Warn("failed to invalidate catalog caches", "store_id", storeID, "error", err)
	}
}

func (e *Engine) publishEvent(ctx context.Context, eventType string, payload map[string]interface{}) {
	payload["event_type"] = eventType
	eventJSON, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("failed to marshal settlement event", "event_type", eventType, "error", err)
		return
	}

	channel := EVENT_CHANNEL_PREFIX + eventType
	if err := e.redis.Publish(ctx, channel, eventJSON).Err(); err != nil {
		e.logger.Warn("failed to publish settlement event", "channel", channel, "error", err)
	}
	if err := e.redis.Publish(ctx, EVENT_CHANNEL_PREFIX+"all", eventJSON).Err(); err != nil {
		e.logger.Warn("failed to publish settlement event", "channel", EVENT_CHANNEL_PREFIX+"all", "error", err)
	}
}

func welcomeCode(name string) string {
	prefix := "WELCOME"
	if fields := strings.Fields(name); len(fields) > 0 {
		first := fields[0]
		prefix = strings.ToUpper(strings.Map(func(r rune) rune {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
				return r
			}
			return -1
		}, first))
		if prefix == "" {
			prefix = "WELCOME"
		}
	}
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return prefix + "-" + suffix
}
