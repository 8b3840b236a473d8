package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"stella-platform/internal/database/models"
)

func newProductEnv(t *testing.T) (*handlerEnv, *ProductHandler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Store{}, &models.Seller{}, &models.Category{}, &models.Product{},
	))

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	handler := NewProductHandler(db, redisClient, slog.Default())

	router := gin.New()
	router.POST("/api/v1/products", handler.CreateProduct)
	router.PUT("/api/v1/products/:id", handler.UpdateProduct)
	router.POST("/api/v1/products/:id/like", handler.LikeProduct)
	router.POST("/api/v1/products/:id/click", handler.ClickProduct)

	return &handlerEnv{db: db, router: router}, handler
}

func seedProductRow(t *testing.T, db *gorm.DB) (*models.Store, *models.Product) {
	t.Helper()
	store := &models.Store{StoreName: "Archive Vintage", Currency: "usd", ConsignmentRate: "70.00", IsActive: true}
	require.NoError(t, db.Create(store).Error)
	seller := &models.Seller{StoreID: store.ID, SellerName: "Alice", StripeAccountID: "acct_alice"}
	require.NoError(t, db.Create(seller).Error)
	product := &models.Product{
		StoreID:      store.ID,
		SellerID:     seller.ID,
		ProductName:  "Denim Jacket",
		ProductPrice: "100.00",
		IsOnline:     true,
	}
	require.NoError(t, db.Create(product).Error)
	return store, product
}

func TestLikeProductIncrementsCounter(t *testing.T) {
	env, _ := newProductEnv(t)
	_, product := seedProductRow(t, env.db)

	for i := 0; i < 3; i++ {
		rec := env.post(t, fmt.Sprintf("/api/v1/products/%d/like", product.ID), nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := env.post(t, fmt.Sprintf("/api/v1/products/%d/click", product.ID), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var current models.Product
	require.NoError(t, env.db.First(&current, product.ID).Error)
	assert.Equal(t, int32(3), current.Likes)
	assert.Equal(t, int32(1), current.Clicks)
}

func TestLikeArchivedProductIsNotFound(t *testing.T) {
	env, _ := newProductEnv(t)
	_, product := seedProductRow(t, env.db)
	require.NoError(t, env.db.Model(product).UpdateColumn("is_archived", true).Error)

	rec := env.post(t, fmt.Sprintf("/api/v1/products/%d/like", product.ID), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateArchivedProductIsRejected(t *testing.T) {
	env, _ := newProductEnv(t)
	_, product := seedProductRow(t, env.db)
	require.NoError(t, env.db.Model(product).UpdateColumn("is_archived", true).Error)

	req := gin.H{"product_price": "50.00"}
	rec := env.postPut(t, fmt.Sprintf("/api/v1/products/%d", product.ID), req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var current models.Product
	require.NoError(t, env.db.First(&current, product.ID).Error)
	assert.Equal(t, "100.00", current.ProductPrice)
}

func TestProductTagsSurviveCreateAndUpdate(t *testing.T) {
	env, _ := newProductEnv(t)
	store, existing := seedProductRow(t, env.db)

	rec := env.post(t, fmt.Sprintf("/api/v1/products?store_id=%d", store.ID), CreateProductRequest{
		SellerID:     existing.SellerID,
		ProductName:  "Wool Coat",
		ProductPrice: "180.00",
		Tags:         []string{"outerwear", "1970s"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var created models.Product
	require.NoError(t, env.db.Where("product_name = ?", "Wool Coat").First(&created).Error)
	assert.Equal(t, models.StringArray{"outerwear", "1970s"}, created.Tags)

	newTags := []string{"outerwear", "1970s", "camel"}
	rec = env.postPut(t, fmt.Sprintf("/api/v1/products/%d", created.ID), UpdateProductRequest{Tags: &newTags})
	require.Equal(t, http.StatusOK, rec.Code)

	var updated models.Product
	require.NoError(t, env.db.First(&updated, created.ID).Error)
	assert.Equal(t, models.StringArray{"outerwear", "1970s", "camel"}, updated.Tags)
}
