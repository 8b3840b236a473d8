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

type StoreHandler struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewStoreHandler(db *gorm.DB, logger *slog.Logger) *StoreHandler {
	return &StoreHandler{
		db:     db,
		logger: logger.With("component", "stores"),
	}
}

type CreateStoreRequest struct {
	StoreName       string  `json:"store_name" binding:"required"`
	Currency        string  `json:"currency"`
	ConsignmentRate *string `json:"consignment_rate"`
}

type UpdateStoreRequest struct {
	StoreName       *string `json:"store_name"`
	Currency        *string `json:"currency"`
	ConsignmentRate *string `json:"consignment_rate"`
	IsActive        *bool   `json:"is_active"`
}

func (h *StoreHandler) CreateStore(c *gin.Context) {
	var req CreateStoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid request body: "+err.Error()))
		return
	}

	store := models.Store{StoreName: req.StoreName}
	if req.Currency != "" {
		store.Currency = req.Currency
	}
	if req.ConsignmentRate != nil {
		rate, err := validateRate(*req.ConsignmentRate)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse("consignment_rate must be a percentage between 0 and 100"))
			return
		}
		store.ConsignmentRate = rate
	}

	if err := h.db.WithContext(c.Request.Context()).Create(&store).Error; err != nil {
		h.logger.Error("failed to create store", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse("Failed to create store"))
		return
	}

	c.JSON(http.StatusOK, successResponse("Store created", store))
}

func (h *StoreHandler) GetStore(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid store ID"))
		return
	}

	var store models.Store
	if err := h.db.WithContext(c.Request.Context()).First(&store, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, errorResponse("Store not found"))
			return
		}
		c.JSON(http.StatusInternalServerError, errorResponse("Database error"))
		return
	}

	c.JSON(http.StatusOK, successResponse("Store retrieved", store))
}

func (h *StoreHandler) ListStores(c *gin.Context) {
	var stores []models.Store
	if err := h.db.WithContext(c.Request.Context()).Order("store_name ASC").Find(&stores).Error; err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse("Database error"))
		return
	}

	c.JSON(http.StatusOK, successResponse("Stores retrieved", stores))
}

// UpdateStore edits store settings. A consignment rate change applies to
// settlements from that point on; already-recorded payouts keep the rate
// in force when they were computed.
func (h *StoreHandler) UpdateStore(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid store ID"))
		return
	}

	var req UpdateStoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid request body: "+err.Error()))
		return
	}

	ctx := c.Request.Context()

	var store models.Store
	if err := h.db.WithContext(ctx).First(&store, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, errorResponse("Store not found"))
			return
		}
		c.JSON(http.StatusInternalServerError, errorResponse("Database error"))
		return
	}

	updates := map[string]interface{}{}
	if req.StoreName != nil {
		updates["store_name"] = *req.StoreName
	}
	if req.Currency != nil {
		updates["currency"] = *req.Currency
	}
	if req.ConsignmentRate != nil {
		rate, err := validateRate(*req.ConsignmentRate)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse("consignment_rate must be a percentage between 0 and 100"))
			return
		}
		updates["consignment_rate"] = rate
	}
	if req.IsActive != nil {
		updates["is_active"] = *req.IsActive
	}
	if len(updates) == 0 {
		c.JSON(http.StatusBadRequest, errorResponse("No fields to update"))
		return
	}

	if err := h.db.WithContext(ctx).Model(&store).Updates(updates).Error; err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse("Failed to update store"))
		return
	}

	c.JSON(http.StatusOK, successResponse("Store updated", store))
}
