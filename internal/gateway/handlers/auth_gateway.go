package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"stella-platform/internal/database"
	"stella-platform/internal/utils"
)

const tokenTTL = 24 * time.Hour

type AuthHandler struct {
	db        *gorm.DB
	jwtSecret []byte
	logger    *slog.Logger
}

func NewAuthHandler(db *gorm.DB, jwtSecret []byte, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		db:        db,
		jwtSecret: jwtSecret,
		logger:    logger.With("component", "auth"),
	}
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type RegisterRequest struct {
	Username  string `json:"username" binding:"required"`
	Email     string `json:"email" binding:"required,email"`
	Password  string `json:"password" binding:"required,min=6"`
	Firstname string `json:"firstname" binding:"required"`
	Lastname  string `json:"lastname" binding:"required"`
	RoleID    int32  `json:"role_id" binding:"required"`
}

func (h *AuthHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid request format"))
		return
	}

	ctx := c.Request.Context()

	var existing database.User
	err := h.db.WithContext(ctx).
		Where("username = ? OR email = ?", req.Username, req.Email).
		First(&existing).Error
	if err == nil {
		c.JSON(http.StatusBadRequest, errorResponse("Username or email already exists"))
		return
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusInternalServerError, errorResponse("Database error"))
		return
	}

	var role database.Role
	if err := h.db.WithContext(ctx).First(&role, req.RoleID).Error; err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid role specified"))
		return
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse("Failed to hash password"))
		return
	}

	user := database.User{
		Username:  req.Username,
		Email:     req.Email,
		Password:  string(hashed),
		Firstname: req.Firstname,
		Lastname:  req.Lastname,
		RoleID:    req.RoleID,
		IsActive:  true,
	}
	if err := h.db.WithContext(ctx).Create(&user).Error; err != nil {
		h.logger.Error("failed to create user", "username", req.Username, "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse("Failed to create user"))
		return
	}

	user.Password = ""
	c.JSON(http.StatusOK, successResponse("User registered", user))
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid request format"))
		return
	}

	ctx := c.Request.Context()

	var user database.User
	if err := h.db.WithContext(ctx).Preload("Role").
		Where("username = ?", req.Username).
		First(&user).Error; err != nil {
		c.JSON(http.StatusUnauthorized, errorResponse("Invalid credentials"))
		return
	}
	if !user.IsActive {
		c.JSON(http.StatusUnauthorized, errorResponse("Account is inactive"))
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, errorResponse("Invalid credentials"))
		return
	}

	token, expiresAt, err := utils.GenerateToken(h.jwtSecret, user.ID, user.Username, tokenTTL)
	if err != nil {
		h.logger.Error("failed to sign token", "user_id", user.ID, "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse("Failed to issue token"))
		return
	}

	now := time.Now()
	_ = h.db.WithContext(ctx).Model(&user).UpdateColumn("last_login", &now).Error

	user.Password = ""
	c.JSON(http.StatusOK, successResponse("Login successful", gin.H{
		"token":      token,
		"expires_at": expiresAt,
		"user":       user,
	}))
}
