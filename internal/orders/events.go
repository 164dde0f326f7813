package orders

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventOrderPlaced     = "OrderPlaced"
	EventSplitUpdated    = "PaymentSplitUpdated"
	EventOrderCompleted  = "OrderCompleted"
	EventOrderCancelled  = "OrderCancelled"
	EventOrderRefunded   = "OrderRefunded"
	EventOperatorAlerted = "OperatorAlerted"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order code
	Payload       json.RawMessage `json:"payload"`
}

// ---- Payloads ----

type SplitView struct {
	MerchantRef string    `json:"merchant_ref"`
	Amount      int64     `json:"amount"`
	Status      string    `json:"status"`
	PayCode     string    `json:"pay_code,omitempty"`
	CheckoutURL string    `json:"checkout_url,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type OrderPlacedPayload struct {
	OrderID     string      `json:"order_id"`
	Code        string      `json:"code"`
	TotalAmount int64       `json:"total_amount"`
	UnitIDs     []string    `json:"unit_ids"`
	Splits      []SplitView `json:"splits"`
}

type SplitUpdatedPayload struct {
	Code        string `json:"code"`
	MerchantRef string `json:"merchant_ref"`
	Status      string `json:"status"`
	PaidSplits  int    `json:"paid_splits"`
	TotalSplits int    `json:"total_splits"`
}

type UnitState struct {
	UnitID string `json:"unit_id"`
	Status string `json:"status"`
}

type OrderFinalizedPayload struct {
	OrderID     string      `json:"order_id"`
	Code        string      `json:"code"`
	FinalStatus string      `json:"final_status"`
	Units       []UnitState `json:"units,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}

type OperatorAlertPayload struct {
	Kind        string    `json:"kind"`
	Code        string    `json:"code"`
	MerchantRef string    `json:"merchant_ref,omitempty"`
	Amount      int64     `json:"amount,omitempty"`
	Message     string    `json:"message"`
	RaisedAt    time.Time `json:"raised_at"`
}

// NewEnvelope wraps payload in a v1 envelope with a fresh event id.
func NewEnvelope(eventType, producer, code string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: code,
		Payload:       b,
	}, nil
}
