package orders

const (
	TopicOrderEvents   = "orders.events"
	TopicPaymentEvents = "payments.events"
)

// Partition key = order_id, so all events of one order stay ordered.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
