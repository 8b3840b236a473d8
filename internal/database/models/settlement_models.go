package models

import "time"

type OrderStatus int32

const (
	OrderStatusPending    OrderStatus = 0
	OrderStatusPaid       OrderStatus = 1
	OrderStatusDispatched OrderStatus = 2
	OrderStatusCancelled  OrderStatus = 3
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusPending:
		return "pending"
	case OrderStatusPaid:
		return "paid"
	case OrderStatusDispatched:
		return "dispatched"
	case OrderStatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {OrderStatusPaid, OrderStatusCancelled},
	OrderStatusPaid:    {OrderStatusDispatched},
}

// CanTransition reports whether an order may move from one status to
// another. Paid is terminal except for dispatch; cancelled is terminal.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Order struct {
	ID      int64       `gorm:"primaryKey;autoIncrement"`
	StoreID int64       `gorm:"index;not null"`
	Status  OrderStatus `gorm:"not null;default:0;index"`

	// Buyer contact fields, populated by settlement once payment confirms.
	CustomerID *int64
	Email      *string `gorm:"type:varchar(128)"`
	Phone      *string `gorm:"type:varchar(32)"`
	Address    *string `gorm:"type:text"`

	TotalAmount string `gorm:"type:decimal(18,2);not null;default:'0.00'"`

	// SessionID correlates the order with the gateway checkout session
	// opened for it; PaymentID records the confirmed charge.
	SessionID *string `gorm:"type:varchar(128);index"`
	PaymentID *string `gorm:"type:varchar(128)"`

	CreatedAt time.Time
	UpdatedAt time.Time

	OrderItems []OrderItem `gorm:"foreignKey:OrderID"`
	Customer   *Customer   `gorm:"foreignKey:CustomerID"`
}

// OrderItem links one order to one product and the seller who owned it at
// time of sale. Immutable after creation: ProductAmount is a price
// snapshot and SellerStripeAccountID is captured so later seller account
// changes cannot redirect a settlement.
type OrderItem struct {
	ID       int64 `gorm:"primaryKey;autoIncrement"`
	OrderID  int64 `gorm:"index;not null"`
	ProductID int64 `gorm:"not null"`
	SellerID  int64 `gorm:"not null"`

	ProductAmount         string `gorm:"type:decimal(18,2);not null"`
	SellerStripeAccountID string `gorm:"type:varchar(64)"`

	CreatedAt time.Time

	Product *Product `gorm:"foreignKey:ProductID"`
	Seller  *Seller  `gorm:"foreignKey:SellerID"`
}

// Payout records one transfer to one seller for one settled order. The
// (seller, order) pair is unique: a duplicate settlement attempt inserts
// nothing rather than paying twice.
type Payout struct {
	ID       int64 `gorm:"primaryKey;autoIncrement"`
	SellerID int64 `gorm:"not null;uniqueIndex:idx_payouts_seller_order"`
	OrderID  int64 `gorm:"not null;uniqueIndex:idx_payouts_seller_order"`

	Amount           string `gorm:"type:decimal(18,2);not null"`
	TransferGroup    string `gorm:"type:varchar(64);index;not null"`
	StripeTransferID string `gorm:"type:varchar(128);not null"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Seller *Seller `gorm:"foreignKey:SellerID"`
}
