package redisx

import "time"

const (
	// Checkout idempotency: idem:checkout:{idempotency_key} -> order code
	KeyIdemCheckout = "idem:checkout:%s"

	// Order view cache: order_status:{code} -> JSON order view
	KeyOrderStatus = "order_status:%s"

	// Processed gateway events: dedup:{service}:{merchant_ref}:{status}:{reference}
	KeyDedup = "dedup:%s:%s"

	// Manual recheck throttle: throttle:recheck:{code}
	KeyRecheckThrottle = "throttle:recheck:%s"

	// Unit availability for catalog readers: unit_avail:{unit_id} -> status
	KeyUnitAvailability = "unit_avail:%s"
)

var (
	TTLIdempotency  = 24 * time.Hour
	TTLStatusCache  = 5 * time.Minute
	TTLDedup        = 48 * time.Hour
	TTLRecheck      = 30 * time.Second
	TTLAvailability = 15 * time.Minute
)
