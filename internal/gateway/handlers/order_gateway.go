package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"stella-platform/internal/database/models"
	"stella-platform/internal/settlement"
)

type OrderHandler struct {
	db     *gorm.DB
	engine *settlement.Engine
	logger *slog.Logger
}

func NewOrderHandler(db *gorm.DB, engine *settlement.Engine, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		db:     db,
		engine: engine,
		logger: logger.With("component", "orders"),
	}
}

func (h *OrderHandler) GetOrder(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid order ID"))
		return
	}

	var order models.Order
	if err := h.db.WithContext(c.Request.Context()).
		Preload("OrderItems").
		Preload("OrderItems.Product").
		Preload("OrderItems.Seller").
		Preload("Customer").
		First(&order, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, errorResponse("Order not found"))
			return
		}
		c.JSON(http.StatusInternalServerError, errorResponse("Database error"))
		return
	}

	c.JSON(http.StatusOK, successResponse("Order retrieved", order))
}

func (h *OrderHandler) ListOrders(c *gin.Context) {
	storeID, err := strconv.ParseInt(c.Query("store_id"), 10, 64)
	if err != nil || storeID == 0 {
		c.JSON(http.StatusBadRequest, errorResponse("store_id required"))
		return
	}

	page, pageSize := parsePagination(c)
	ctx := c.Request.Context()

	query := h.db.WithContext(ctx).Model(&models.Order{}).Where("store_id = ?", storeID)
	if statusStr := c.Query("status"); statusStr != "" {
		status, err := strconv.ParseInt(statusStr, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse("Invalid status filter"))
			return
		}
		query = query.Where("status = ?", models.OrderStatus(status))
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse("Database error"))
		return
	}

	var orders []models.Order
	if err := query.Preload("OrderItems").
		Order("created_at DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&orders).Error; err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse("Database error"))
		return
	}

	c.JSON(http.StatusOK, successWithMetaResponse("Orders retrieved", orders, PaginationMeta{
		Page: page, PageSize: pageSize, TotalCount: total,
	}))
}

// DispatchOrder marks a paid order as handed to the buyer or carrier.
func (h *OrderHandler) DispatchOrder(c *gin.Context) {
	h.transition(c, models.OrderStatusDispatched, "Order dispatched")
}

// CancelOrder voids an order that never reached payment. Paid orders
// cannot be cancelled; refunds are handled out of band.
func (h *OrderHandler) CancelOrder(c *gin.Context) {
	h.transition(c, models.OrderStatusCancelled, "Order cancelled")
}

func (h *OrderHandler) transition(c *gin.Context, to models.OrderStatus, message string) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid order ID"))
		return
	}

	ctx := c.Request.Context()

	err = h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order models.Order
		if err := tx.First(&order, id).Error; err != nil {
			return err
		}
		if !models.CanTransition(order.Status, to) {
			return &invalidTransition{from: order.Status, to: to}
		}

		// The status guard in the WHERE clause makes the transition safe
		// against a concurrent settlement of the same order.
		res := tx.Model(&models.Order{}).
			Where("id = ? AND status = ?", id, order.Status).
			UpdateColumn("status", to)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return &invalidTransition{from: order.Status, to: to}
		}
		return nil
	})
	if err != nil {
		var it *invalidTransition
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, errorResponse("Order not found"))
		case errors.As(err, &it):
			c.JSON(http.StatusBadRequest, errorResponse(
				"Order cannot move from "+it.from.String()+" to "+it.to.String()))
		default:
			h.logger.Error("order transition failed", "order_id", id, "to", to.String(), "error", err)
			c.JSON(http.StatusInternalServerError, errorResponse("Failed to update order"))
		}
		return
	}

	c.JSON(http.StatusOK, successResponse(message, gin.H{"id": id, "status": to.String()}))
}

type invalidTransition struct {
	from, to models.OrderStatus
}

func (e *invalidTransition) Error() string {
	return "invalid order transition from " + e.from.String() + " to " + e.to.String()
}

// RetryPayouts re-runs the payout phase for a paid order whose transfers
// were interrupted. Sellers already paid for this order are skipped.
func (h *OrderHandler) RetryPayouts(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid order ID"))
		return
	}

	result, err := h.engine.RetryPayouts(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, settlement.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, errorResponse("Order not found"))
		case errors.Is(err, settlement.ErrSettlementInProgress):
			c.JSON(http.StatusConflict, errorResponse("Settlement already in progress for this order"))
		default:
			var it *settlement.InvalidTransitionError
			if errors.As(err, &it) {
				c.JSON(http.StatusBadRequest, errorResponse("Order is not in a payable state"))
				return
			}
			h.logger.Error("payout retry failed", "order_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, errorResponse("Payout retry failed"))
		}
		return
	}

	c.JSON(http.StatusOK, successResponse("Payouts retried", gin.H{
		"order_id":          result.OrderID,
		"payouts":           result.Payouts,
		"transfer_failures": result.TransferFailures,
	}))
}
