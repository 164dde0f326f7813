package inventory

import "time"

type Status string

const (
	StatusAvailable  Status = "available"
	StatusReserved   Status = "reserved"
	StatusComingSoon Status = "coming_soon"
	StatusService    Status = "service"
	StatusSold       Status = "sold"
	StatusReturn     Status = "return"
	StatusLost       Status = "lost"
)

// Audited fields.
const (
	FieldStatus    = "status"
	FieldPrice     = "price"
	FieldCondition = "condition"
)

// Unit is one serialized device, identified by serial/IMEI.
type Unit struct {
	ID            string
	Serial        string
	Model         string
	Status        Status
	Condition     string
	Price         int64
	SaleChannel   string
	SaleReference string
	OrderID       string // order holding the unit while reserved or sold
	ReservedAt    *time.Time
	SoldAt        *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AuditEntry is append-only.
type AuditEntry struct {
	ID        int64
	UnitID    string
	Field     string
	OldValue  string
	NewValue  string
	Actor     string
	CreatedAt time.Time
}

// Transition moves a unit from an expected status to a target one.
// OrderID, when set, is also part of the predicate for units leaving
// reserved or sold, and is recorded on units entering reserved.
type Transition struct {
	UnitID    string
	From      Status
	To        Status
	OrderID   string
	Channel   string
	Reference string
	Actor     string
	At        time.Time
}

// AttributeChange edits price or condition under the same conditional-write rule.
type AttributeChange struct {
	UnitID   string
	Field    string
	Expected string
	Next     string
	Actor    string
	At       time.Time
}
