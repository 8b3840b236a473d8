package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// StringArray stores a []string as a JSON text column.
type StringArray []string

func (a *StringArray) Scan(value interface{}) error {
	if value == nil {
		*a = []string{}
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("failed to scan StringArray: %v", value)
	}

	return json.Unmarshal(bytes, a)
}

func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	return json.Marshal(a)
}

type Product struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	StoreID     int64  `gorm:"index;not null"`
	SellerID    int64  `gorm:"index;not null"`
	ProductName string `gorm:"type:varchar(128);not null"`
	// ProductPrice is the current listing price. It is mutable (discounts);
	// order items snapshot it at creation time.
	ProductPrice string `gorm:"type:decimal(18,2);not null"`
	CategoryID   *int64
	ImageURL     *string `gorm:"type:varchar(512)"`
	Description  *string `gorm:"type:varchar(1024)"`
	// Tags are free-form labels (brand, condition, era) used by staff
	// to filter the catalog.
	Tags StringArray `gorm:"type:text"`
	// IsArchived flips to true once sold or delisted. Archived products are
	// excluded from all customer-facing listings. Soft-delete only.
	IsArchived bool `gorm:"not null;default:false;index"`
	IsOnline   bool `gorm:"not null;default:true"`
	IsHidden   bool `gorm:"not null;default:false"`
	IsFeatured bool `gorm:"not null;default:false"`
	IsOnSale   bool `gorm:"not null;default:false"`
	Likes      int32 `gorm:"not null;default:0"`
	Clicks     int32 `gorm:"not null;default:0"`
	CreatedAt  time.Time
	UpdatedAt  time.Time

	Seller   *Seller   `gorm:"foreignKey:SellerID"`
	Category *Category `gorm:"foreignKey:CategoryID"`
}

type Category struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	StoreID      int64  `gorm:"index;not null"`
	CategoryName string `gorm:"type:varchar(128);not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time

	Products []Product `gorm:"foreignKey:CategoryID"`
}
