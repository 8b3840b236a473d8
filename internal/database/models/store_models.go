package models

import "time"

type Store struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	StoreName string `gorm:"type:varchar(128);not null"`
	Currency  string `gorm:"type:varchar(8);not null;default:'usd'"`
	// ConsignmentRate is the percentage of gross retained by sellers of
	// this store, applied unless a seller carries an override.
	ConsignmentRate string `gorm:"type:decimal(5,2);not null;default:'70.00'"`
	IsActive        bool   `gorm:"not null;default:true"`
	CreatedAt       time.Time
	UpdatedAt       time.Time

	Sellers  []Seller  `gorm:"foreignKey:StoreID"`
	Products []Product `gorm:"foreignKey:StoreID"`
	Orders   []Order   `gorm:"foreignKey:StoreID"`
}

type Seller struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	StoreID    int64  `gorm:"index;not null"`
	SellerName string `gorm:"type:varchar(128);not null"`
	Email      string `gorm:"type:varchar(128)"`
	Phone      string `gorm:"type:varchar(32)"`
	// StripeAccountID is the connected account transfers are routed to.
	// Empty until the seller completes gateway onboarding.
	StripeAccountID string  `gorm:"type:varchar(64);index"`
	ConsignmentRate *string `gorm:"type:decimal(5,2)"` // overrides the store rate when set
	SoldCount       int32   `gorm:"not null;default:0"`
	IsArchived      bool    `gorm:"not null;default:false"`
	CreatedAt       time.Time
	UpdatedAt       time.Time

	Products []Product `gorm:"foreignKey:SellerID"`
	Payouts  []Payout  `gorm:"foreignKey:SellerID"`
}

// Customer is a buyer identity, distinct from staff users. Created lazily
// on first confirmed purchase and reused by email on later ones.
type Customer struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	CustomerName string `gorm:"type:varchar(128)"`
	Email        string `gorm:"type:varchar(128);uniqueIndex;not null"`
	Phone        string `gorm:"type:varchar(32)"`
	Address      string `gorm:"type:text"`
	OrderCount   int32  `gorm:"not null;default:0"`
	TotalSpent   string `gorm:"type:decimal(18,2);not null;default:'0.00'"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
