package orders

const (
	TopicOrderPlaced     = "order.placed"
	TopicPaymentProgress = "order.payment.progress"
	TopicOrderFinalized  = "order.finalized"
	TopicOperatorAlert   = "ops.alert"
)

// Partition key = order code, so every event of one order keeps its order.
func PartitionKey(code string) []byte { return []byte(code) }
