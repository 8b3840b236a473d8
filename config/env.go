package config

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	DB         DBConfig
	Redis      RedisConfig
	Stripe     StripeConfig
	Klaviyo    KlaviyoConfig
	Storefront StorefrontConfig
	Auth       AuthConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	Currency      string
}

type KlaviyoConfig struct {
	APIKey             string
	BaseURL            string
	NewPurchaserListID string
}

type StorefrontConfig struct {
	BaseURL string
	// DefaultConsignmentRate is the percentage of a sale retained by the
	// seller when neither the seller nor the store carries an override.
	DefaultConsignmentRate string
}

type AuthConfig struct {
	JWTSecret string
}

func LoadConfig() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	return Config{
		Server: ServerConfig{
			Port:     getEnv("SERVER_PORT", "8080"),
			Env:      getEnv("APP_ENV", "dev"),
			LogLevel: getEnv("LOG_LEVEL", "info"),
		},
		DB: DBConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Name:     getEnv("DB_NAME", "stella"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Stripe: StripeConfig{
			APIKey:        getEnv("STRIPE_API_KEY", ""),
			WebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			Currency:      getEnv("STRIPE_CURRENCY", "usd"),
		},
		Klaviyo: KlaviyoConfig{
			APIKey:             getEnv("KLAVIYO_API_KEY", ""),
			BaseURL:            getEnv("KLAVIYO_BASE_URL", "https://a.klaviyo.com"),
			NewPurchaserListID: getEnv("KLAVIYO_NEW_PURCHASER_LIST_ID", ""),
		},
		Storefront: StorefrontConfig{
			BaseURL:                getEnv("STOREFRONT_BASE_URL", "http://localhost:3000"),
			DefaultConsignmentRate: getEnv("DEFAULT_CONSIGNMENT_RATE", "70"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
