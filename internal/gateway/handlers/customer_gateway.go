package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"stella-platform/internal/database/models"
)

type CustomerHandler struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewCustomerHandler(db *gorm.DB, logger *slog.Logger) *CustomerHandler {
	return &CustomerHandler{
		db:     db,
		logger: logger.With("component", "customers"),
	}
}

func (h *CustomerHandler) GetCustomer(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid customer ID"))
		return
	}

	var customer models.Customer
	if err := h.db.WithContext(c.Request.Context()).First(&customer, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, errorResponse("Customer not found"))
			return
		}
		c.JSON(http.StatusInternalServerError, errorResponse("Database error"))
		return
	}

	c.JSON(http.StatusOK, successResponse("Customer retrieved", customer))
}

func (h *CustomerHandler) ListCustomers(c *gin.Context) {
	page, pageSize := parsePagination(c)
	ctx := c.Request.Context()

	query := h.db.WithContext(ctx).Model(&models.Customer{})
	if search := c.Query("search"); search != "" {
		pattern := "%" + search + "%"
		query = query.Where("email LIKE ? OR customer_name LIKE ?", pattern, pattern)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse("Database error"))
		return
	}

	var customers []models.Customer
	if err := query.Order("created_at DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&customers).Error; err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse("Database error"))
		return
	}

	c.JSON(http.StatusOK, successWithMetaResponse("Customers retrieved", customers, PaginationMeta{
		Page: page, PageSize: pageSize, TotalCount: total,
	}))
}

// ListCustomerOrders returns a buyer's purchase history, newest first.
func (h *CustomerHandler) ListCustomerOrders(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid customer ID"))
		return
	}

	var orders []models.Order
	if err := h.db.WithContext(c.Request.Context()).
		Where("customer_id = ?", id).
		Preload("OrderItems").
		Order("created_at DESC").
		Find(&orders).Error; err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse("Database error"))
		return
	}

	c.JSON(http.StatusOK, successResponse("Orders retrieved", orders))
}
