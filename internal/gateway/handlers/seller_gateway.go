package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"stella-platform/internal/database/models"
)

type SellerHandler struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewSellerHandler(db *gorm.DB, logger *slog.Logger) *SellerHandler {
	return &SellerHandler{
		db:     db,
		logger: logger.With("component", "sellers"),
	}
}

type CreateSellerRequest struct {
	SellerName      string  `json:"seller_name" binding:"required"`
	Email           string  `json:"email"`
	Phone           string  `json:"phone"`
	StripeAccountID string  `json:"stripe_account_id"`
	ConsignmentRate *string `json:"consignment_rate"`
}

type UpdateSellerRequest struct {
	SellerName      *string `json:"seller_name"`
	Email           *string `json:"email"`
	Phone           *string `json:"phone"`
	StripeAccountID *string `json:"stripe_account_id"`
	ConsignmentRate *string `json:"consignment_rate"`
}

func validateRate(raw string) (string, error) {
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return "", err
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(100)) {
		return "", errors.New("rate out of range")
	}
	return rate.StringFixed(2), nil
}

func (h *SellerHandler) CreateSeller(c *gin.Context) {
	storeID, err := strconv.ParseInt(c.Query("store_id"), 10, 64)
	if err != nil || storeID == 0 {
		c.JSON(http.StatusBadRequest, errorResponse("store_id required"))
		return
	}

	var req CreateSellerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid request body: "+err.Error()))
		return
	}

	seller := models.Seller{
		StoreID:         storeID,
		SellerName:      req.SellerName,
		Email:           req.Email,
		Phone:           req.Phone,
		StripeAccountID: req.StripeAccountID,
	}
	if req.ConsignmentRate != nil {
		rate, err := validateRate(*req.ConsignmentRate)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse("consignment_rate must be a percentage between 0 and 100"))
			return
		}
		seller.ConsignmentRate = &rate
	}

	if err := h.db.WithContext(c.Request.Context()).Create(&seller).Error; err != nil {
		h.logger.Error("failed to create seller", "store_id", storeID, "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse("Failed to create seller"))
		return
	}

	c.JSON(http.StatusOK, successResponse("Seller created", seller))
}

func (h *SellerHandler) GetSeller(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid seller ID"))
		return
	}

	var seller models.Seller
	if err := h.db.WithContext(c.Request.Context()).First(&seller, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, errorResponse("Seller not found"))
			return
		}
		c.JSON(http.StatusInternalServerError, errorResponse("Database error"))
		return
	}

	c.JSON(http.StatusOK, successResponse("Seller retrieved", seller))
}

func (h *SellerHandler) ListSellers(c *gin.Context) {
	storeID, err := strconv.ParseInt(c.Query("store_id"), 10, 64)
	if err != nil || storeID == 0 {
		c.JSON(http.StatusBadRequest, errorResponse("store_id required"))
		return
	}

	page, pageSize := parsePagination(c)
	ctx := c.Request.Context()

	query := h.db.WithContext(ctx).Model(&models.Seller{}).Where("store_id = ?", storeID)
	if c.Query("include_archived") != "true" {
		query = query.Where("is_archived = ?", false)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse("Database error"))
		return
	}

	var sellers []models.Seller
	if err := query.Order("seller_name ASC").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&sellers).Error; err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse("Database error"))
		return
	}

	c.JSON(http.StatusOK, successWithMetaResponse("Sellers retrieved", sellers, PaginationMeta{
		Page: page, PageSize: pageSize, TotalCount: total,
	}))
}

func (h *SellerHandler) UpdateSeller(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid seller ID"))
		return
	}

	var req UpdateSellerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid request body: "+err.Error()))
		return
	}

	ctx := c.Request.Context()

	var seller models.Seller
	if err := h.db.WithContext(ctx).First(&seller, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, errorResponse("Seller not found"))
			return
		}
		c.JSON(http.StatusInternalServerError, errorResponse("Database error"))
		return
	}

	updates := map[string]interface{}{}
	if req.SellerName != nil {
		updates["seller_name"] = *req.SellerName
	}
	if req.Email != nil {
		updates["email"] = *req.Email
	}
	if req.Phone != nil {
		updates["phone"] = *req.Phone
	}
	if req.StripeAccountID != nil {
		updates["stripe_account_id"] = *req.StripeAccountID
	}
	if req.ConsignmentRate != nil {
		if *req.ConsignmentRate == "" {
			// Clearing the override reverts the seller to the store rate.
			updates["consignment_rate"] = nil
		} else {
			rate, err := validateRate(*req.ConsignmentRate)
			if err != nil {
				c.JSON(http.StatusBadRequest, errorResponse("consignment_rate must be a percentage between 0 and 100"))
				return
			}
			updates["consignment_rate"] = rate
		}
	}
	if len(updates) == 0 {
		c.JSON(http.StatusBadRequest, errorResponse("No fields to update"))
		return
	}

	if err := h.db.WithContext(ctx).Model(&seller).Updates(updates).Error; err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse("Failed to update seller"))
		return
	}

	c.JSON(http.StatusOK, successResponse("Seller updated", seller))
}

// ArchiveSeller retires a seller from the roster. Their products are
// delisted in the same transaction so nothing orphaned stays purchasable.
func (h *SellerHandler) ArchiveSeller(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid seller ID"))
		return
	}

	ctx := c.Request.Context()

	err = h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Seller{}).
			Where("id = ? AND is_archived = ?", id, false).
			UpdateColumn("is_archived", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		return tx.Model(&models.Product{}).
			Where("seller_id = ? AND is_archived = ?", id, false).
			Updates(map[string]interface{}{"is_archived": true, "is_online": false}).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, errorResponse("Seller not found"))
			return
		}
		h.logger.Error("failed to archive seller", "seller_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse("Failed to archive seller"))
		return
	}

	c.JSON(http.StatusOK, successResponse("Seller archived", gin.H{"id": id}))
}

// ListSellerPayouts returns the transfer ledger for one seller, newest
// first.
func (h *SellerHandler) ListSellerPayouts(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid seller ID"))
		return
	}

	page, pageSize := parsePagination(c)
	ctx := c.Request.Context()

	var total int64
	if err := h.db.WithContext(ctx).Model(&models.Payout{}).
		Where("seller_id = ?", id).Count(&total).Error; err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse("Database error"))
		return
	}

	var payouts []models.Payout
	if err := h.db.WithContext(ctx).
		Where("seller_id = ?", id).
		Order("created_at DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&payouts).Error; err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse("Database error"))
		return
	}

	c.JSON(http.StatusOK, successWithMetaResponse("Payouts retrieved", payouts, PaginationMeta{
		Page: page, PageSize: pageSize, TotalCount: total,
	}))
}
