package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"stella-platform/internal/database/models"
)

const (
	PRODUCT_CACHE_PREFIX  = "catalog:product:"
	PRODUCTS_CACHE_PREFIX = "catalog:products:"
	CATEGORIES_CACHE_KEY  = "catalog:categories"
	CACHE_TTL_SHORT       = 5 * time.Minute
	CACHE_TTL_MEDIUM      = 30 * time.Minute
	CACHE_TTL_LONG        = 2 * time.Hour
)

type ProductHandler struct {
	db     *gorm.DB
	redis  *redis.Client
	logger *slog.Logger
}

func NewProductHandler(db *gorm.DB, redisClient *redis.Client, logger *slog.Logger) *ProductHandler {
	return &ProductHandler{
		db:     db,
		redis:  redisClient,
		logger: logger.With("component", "products"),
	}
}

// InvalidateProductCaches drops the listing caches for a store plus the
// per-product entries. Called after any write that changes what a
// storefront would render.
func (h *ProductHandler) InvalidateProductCaches(ctx context.Context, storeID int64, productIDs ...int64) {
	_ = h.redis.Del(ctx, fmt.Sprintf("%s%d", PRODUCTS_CACHE_PREFIX, storeID), CATEGORIES_CACHE_KEY)

	for _, id := range productIDs {
		cacheKey := fmt.Sprintf("%s%d", PRODUCT_CACHE_PREFIX, id)
		_ = h.redis.Del(ctx, cacheKey)
	}
}

type CreateProductRequest struct {
	SellerID     int64    `json:"seller_id" binding:"required"`
	ProductName  string   `json:"product_name" binding:"required"`
	ProductPrice string   `json:"product_price" binding:"required"`
	CategoryID   *int64   `json:"category_id"`
	ImageURL     *string  `json:"image_url"`
	Description  *string  `json:"description"`
	Tags         []string `json:"tags"`
	IsOnline     *bool    `json:"is_online"`
	IsHidden     *bool    `json:"is_hidden"`
	IsFeatured   *bool    `json:"is_featured"`
	IsOnSale     *bool    `json:"is_on_sale"`
}

type UpdateProductRequest struct {
	ProductName  *string   `json:"product_name"`
	ProductPrice *string   `json:"product_price"`
	CategoryID   *int64    `json:"category_id"`
	ImageURL     *string   `json:"image_url"`
	Description  *string   `json:"description"`
	Tags         *[]string `json:"tags"`
	IsOnline     *bool     `json:"is_online"`
	IsHidden     *bool     `json:"is_hidden"`
	IsFeatured   *bool     `json:"is_featured"`
	IsOnSale     *bool     `json:"is_on_sale"`
}

func (h *ProductHandler) CreateProduct(c *gin.Context) {
	storeID, err := strconv.ParseInt(c.Query("store_id"), 10, 64)
	if err != nil || storeID == 0 {
		c.JSON(http.StatusBadRequest, errorResponse("store_id required"))
		return
	}

	var req CreateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid request body: "+err.Error()))
		return
	}

	price, err := decimal.NewFromString(req.ProductPrice)
	if err != nil || price.IsNegative() {
		c.JSON(http.StatusBadRequest, errorResponse("product_price must be a non-negative decimal"))
		return
	}

	ctx := c.Request.Context()

	var seller models.Seller
	if err := h.db.WithContext(ctx).
		Where("id = ? AND store_id = ? AND is_archived = ?", req.SellerID, storeID, false).
		First(&seller).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusBadRequest, errorResponse("Seller not found in this store"))
			return
		}
		c.JSON(http.StatusInternalServerError, errorResponse("Database error"))
		return
	}

	product := models.Product{
		StoreID:      storeID,
		SellerID:     req.SellerID,
		ProductName:  req.ProductName,
		ProductPrice: price.StringFixed(2),
		CategoryID:   req.CategoryID,
		ImageURL:     req.ImageURL,
		Description:  req.Description,
		Tags:         models.StringArray(req.Tags),
		IsOnline:     boolOrDefault(req.IsOnline, true),
		IsHidden:     boolOrDefault(req.IsHidden, false),
		IsFeatured:   boolOrDefault(req.IsFeatured, false),
		IsOnSale:     boolOrDefault(req.IsOnSale, false),
	}
	if err := h.db.WithContext(ctx).Create(&product).Error; err != nil {
		h.logger.Error("failed to create product", "store_id", storeID, "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse("Failed to create product"))
		return
	}

	h.InvalidateProductCaches(ctx, storeID)
	c.JSON(http.StatusOK, successResponse("Product created", product))
}

func (h *ProductHandler) GetProduct(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid product ID"))
		return
	}

	ctx := c.Request.Context()
	cacheKey := fmt.Sprintf("%s%d", PRODUCT_CACHE_PREFIX, id)

	val, err := h.redis.Get(ctx, cacheKey).Result()
	if err == nil {
		var cached models.Product
		if err := json.Unmarshal([]byte(val), &cached); err == nil {
			c.JSON(http.StatusOK, successResponse("Product retrieved", cached))
			return
		}
	} else if err != redis.Nil {
		h.logger.Warn("redis error on product get, falling back to db", "error", err)
	}

	var product models.Product
	if err := h.db.WithContext(ctx).Preload("Seller").Preload("Category").First(&product, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, errorResponse("Product not found"))
			return
		}
		c.JSON(http.StatusInternalServerError, errorResponse("Database error"))
		return
	}

	if jsonData, err := json.Marshal(&product); err == nil {
		_ = h.redis.Set(ctx, cacheKey, jsonData, CACHE_TTL_MEDIUM).Err()
	}

	c.JSON(http.StatusOK, successResponse("Product retrieved", product))
}

func (h *ProductHandler) ListProducts(c *gin.Context) {
	storeID, err := strconv.ParseInt(c.Query("store_id"), 10, 64)
	if err != nil || storeID == 0 {
		c.JSON(http.StatusBadRequest, errorResponse("store_id required"))
		return
	}

	page, pageSize := parsePagination(c)
	ctx := c.Request.Context()

	// Only the unfiltered first page is cached; filtered views hit the DB.
	filtered := c.Query("seller_id") != "" || c.Query("category_id") != "" ||
		c.Query("include_archived") == "true" || c.Query("featured") == "true"
	cacheKey := fmt.Sprintf("%s%d", PRODUCTS_CACHE_PREFIX, storeID)

	if !filtered && page == 1 {
		val, err := h.redis.Get(ctx, cacheKey).Result()
		if err == nil {
			var cached []models.Product
			if err := json.Unmarshal([]byte(val), &cached); err == nil {
				c.JSON(http.StatusOK, successWithMetaResponse("Products retrieved", cached, PaginationMeta{
					Page: page, PageSize: pageSize, TotalCount: int64(len(cached)),
				}))
				return
			}
		} else if err != redis.Nil {
			h.logger.Warn("redis error on products list, falling back to db", "error", err)
		}
	}

	query := h.db.WithContext(ctx).Model(&models.Product{}).Where("store_id = ?", storeID)
	if c.Query("include_archived") != "true" {
		query = query.Where("is_archived = ?", false)
	}
	if sellerID, err := strconv.ParseInt(c.Query("seller_id"), 10, 64); err == nil {
		query = query.Where("seller_id = ?", sellerID)
	}
	if categoryID, err := strconv.ParseInt(c.Query("category_id"), 10, 64); err == nil {
		query = query.Where("category_id = ?", categoryID)
	}
	if c.Query("featured") == "true" {
		query = query.Where("is_featured = ?", true)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse("Database error"))
		return
	}

	var products []models.Product
	if err := query.Preload("Seller").Preload("Category").
		Order("created_at DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&products).Error; err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse("Database error"))
		return
	}

	if !filtered && page == 1 {
		if jsonData, err := json.Marshal(&products); err == nil {
			_ = h.redis.Set(ctx, cacheKey, jsonData, CACHE_TTL_SHORT).Err()
		}
	}

	c.JSON(http.StatusOK, successWithMetaResponse("Products retrieved", products, PaginationMeta{
		Page: page, PageSize: pageSize, TotalCount: total,
	}))
}

func (h *ProductHandler) UpdateProduct(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid product ID"))
		return
	}

	var req UpdateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid request body: "+err.Error()))
		return
	}

	ctx := c.Request.Context()

	var product models.Product
	if err := h.db.WithContext(ctx).First(&product, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, errorResponse("Product not found"))
			return
		}
		c.JSON(http.StatusInternalServerError, errorResponse("Database error"))
		return
	}
	if product.IsArchived {
		c.JSON(http.StatusBadRequest, errorResponse("Archived products cannot be edited"))
		return
	}

	updates := map[string]interface{}{}
	if req.ProductName != nil {
		updates["product_name"] = *req.ProductName
	}
	if req.ProductPrice != nil {
		price, err := decimal.NewFromString(*req.ProductPrice)
		if err != nil || price.IsNegative() {
			c.JSON(http.StatusBadRequest, errorResponse("product_price must be a non-negative decimal"))
			return
		}
		updates["product_price"] = price.StringFixed(2)
	}
	if req.CategoryID != nil {
		updates["category_id"] = *req.CategoryID
	}
	if req.ImageURL != nil {
		updates["image_url"] = *req.ImageURL
	}
	if req.Description != nil {
		updates["description"] = *req.Description
	}
	if req.Tags != nil {
		updates["tags"] = models.StringArray(*req.Tags)
	}
	if req.IsOnline != nil {
		updates["is_online"] = *req.IsOnline
	}
	if req.IsHidden != nil {
		updates["is_hidden"] = *req.IsHidden
	}
	if req.IsFeatured != nil {
		updates["is_featured"] = *req.IsFeatured
	}
	if req.IsOnSale != nil {
		updates["is_on_sale"] = *req.IsOnSale
	}
	if len(updates) == 0 {
		c.JSON(http.StatusBadRequest, errorResponse("No fields to update"))
		return
	}

	if err := h.db.WithContext(ctx).Model(&product).Updates(updates).Error; err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse("Failed to update product"))
		return
	}

	h.InvalidateProductCaches(ctx, product.StoreID, product.ID)
	c.JSON(http.StatusOK, successResponse("Product updated", product))
}

// ArchiveProduct delists a product manually. It mirrors what settlement
// does on sale, so a manually archived product can never enter a new
// checkout.
func (h *ProductHandler) ArchiveProduct(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid product ID"))
		return
	}

	ctx := c.Request.Context()

	var product models.Product
	if err := h.db.WithContext(ctx).First(&product, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, errorResponse("Product not found"))
			return
		}
		c.JSON(http.StatusInternalServerError, errorResponse("Database error"))
		return
	}

	if err := h.db.WithContext(ctx).Model(&product).Updates(map[string]interface{}{
		"is_archived": true,
		"is_online":   false,
	}).Error; err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse("Failed to archive product"))
		return
	}

	h.InvalidateProductCaches(ctx, product.StoreID, product.ID)
	c.JSON(http.StatusOK, successResponse("Product archived", gin.H{"id": product.ID}))
}

// LikeProduct and ClickProduct record storefront engagement. The counters
// are incremented atomically in SQL so concurrent taps never lose writes.
func (h *ProductHandler) LikeProduct(c *gin.Context) {
	h.incrementCounter(c, "likes")
}

func (h *ProductHandler) ClickProduct(c *gin.Context) {
	h.incrementCounter(c, "clicks")
}

func (h *ProductHandler) incrementCounter(c *gin.Context, column string) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid product ID"))
		return
	}

	ctx := c.Request.Context()

	res := h.db.WithContext(ctx).Model(&models.Product{}).
		Where("id = ? AND is_archived = ?", id, false).
		UpdateColumn(column, gorm.Expr(column+" + 1"))
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, errorResponse("Database error"))
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, errorResponse("Product not found"))
		return
	}

	_ = h.redis.Del(ctx, fmt.Sprintf("%s%d", PRODUCT_CACHE_PREFIX, id))
	c.JSON(http.StatusOK, successResponse("Recorded", gin.H{"id": id}))
}

// Category endpoints

type CreateCategoryRequest struct {
	CategoryName string `json:"category_name" binding:"required"`
}

func (h *ProductHandler) CreateCategory(c *gin.Context) {
	storeID, err := strconv.ParseInt(c.Query("store_id"), 10, 64)
	if err != nil || storeID == 0 {
		c.JSON(http.StatusBadRequest, errorResponse("store_id required"))
		return
	}

	var req CreateCategoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("category_name required"))
		return
	}

	ctx := c.Request.Context()
	category := models.Category{StoreID: storeID, CategoryName: req.CategoryName}
	if err := h.db.WithContext(ctx).Create(&category).Error; err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse("Failed to create category"))
		return
	}

	_ = h.redis.Del(ctx, CATEGORIES_CACHE_KEY)
	c.JSON(http.StatusOK, successResponse("Category created", category))
}

func (h *ProductHandler) ListCategories(c *gin.Context) {
	storeID, err := strconv.ParseInt(c.Query("store_id"), 10, 64)
	if err != nil || storeID == 0 {
		c.JSON(http.StatusBadRequest, errorResponse("store_id required"))
		return
	}

	ctx := c.Request.Context()

	var categories []models.Category
	if err := h.db.WithContext(ctx).Where("store_id = ?", storeID).Order("category_name ASC").Find(&categories).Error; err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse("Database error"))
		return
	}

	c.JSON(http.StatusOK, successResponse("Categories retrieved", categories))
}

func boolOrDefault(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

func parsePagination(c *gin.Context) (page, pageSize int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	pageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}
