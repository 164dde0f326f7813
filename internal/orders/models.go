package orders

import "time"

type Order struct {
	ID          string
	Code        string // human code, also the base merchant reference
	Status      Status
	TotalAmount int64 // minor currency unit
	Method      string
	Customer    Customer
	CreatedAt   time.Time
	ConfirmedAt *time.Time
	UpdatedAt   time.Time
}

type Customer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// Line is one sold unit within an order. Lines are never modified after creation.
type Line struct {
	ID          string
	OrderID     string
	UnitID      string
	Description string
	Price       int64
}

type PaymentSplit struct {
	MerchantRef string // code, or code-N for the Nth of several splits
	OrderID     string
	Seq         int
	Amount      int64
	Status      SplitStatus
	Reference   string // gateway-side transaction reference
	PayCode     string
	CheckoutURL string
	ExpiresAt   time.Time
	PaidAt      *time.Time
	UpdatedAt   time.Time
}

// Item is a gateway line item. Price is per unit.
type Item struct {
	SKU      string `json:"sku"`
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	Quantity int    `json:"quantity"`
}

func SumItems(items []Item) int64 {
	var total int64
	for _, it := range items {
		total += it.Price * int64(it.Quantity)
	}
	return total
}
