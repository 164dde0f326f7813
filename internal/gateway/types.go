// Package gateway talks to the external payment gateway: it creates one
// signed transaction per payment split, looks transactions up by merchant
// reference and authenticates pushed status events.
package gateway

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrUnavailable         = errors.New("gateway: unavailable")
	ErrRejected            = errors.New("gateway: rejected")
	ErrTransactionNotFound = errors.New("gateway: transaction not found")
	ErrMalformed           = errors.New("gateway: malformed response")
	ErrInvalidSignature    = errors.New("gateway: invalid signature")
)

// PaymentStatus is a gateway status normalized to the settlement vocabulary.
type PaymentStatus string

const (
	PaymentUnpaid  PaymentStatus = "unpaid"
	PaymentPaid    PaymentStatus = "paid"
	PaymentExpired PaymentStatus = "expired"
	PaymentFailed  PaymentStatus = "failed"
	PaymentRefund  PaymentStatus = "refund"
)

// NormalizeStatus maps the gateway's wire status ("PAID", "EXPIRED", ...).
func NormalizeStatus(raw string) (PaymentStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "UNPAID":
		return PaymentUnpaid, true
	case "PAID":
		return PaymentPaid, true
	case "EXPIRED":
		return PaymentExpired, true
	case "FAILED":
		return PaymentFailed, true
	case "REFUND", "REFUNDED":
		return PaymentRefund, true
	}
	return "", false
}

// CreateRequest is one outbound transaction. Items must sum to Amount.
type CreateRequest struct {
	Method        string
	MerchantRef   string
	Amount        int64
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
	Items         []Item
	CallbackURL   string
	ReturnURL     string
	ExpiresAt     time.Time
}

type Item struct {
	SKU      string `json:"sku"`
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	Quantity int    `json:"quantity"`
}

// Transaction is the normalized view of a gateway transaction.
type Transaction struct {
	Reference   string
	MerchantRef string
	Amount      int64
	Status      PaymentStatus
	PayCode     string
	CheckoutURL string
	ExpiresAt   time.Time
	PaidAt      *time.Time
}

// CallbackEvent is the body of a pushed status event.
type CallbackEvent struct {
	Reference   string `json:"reference"`
	MerchantRef string `json:"merchant_ref"`
	Status      string `json:"status"`
	TotalAmount int64  `json:"total_amount"`
	PaidAt      int64  `json:"paid_at,omitempty"` // unix seconds
}
