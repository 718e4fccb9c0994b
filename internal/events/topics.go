package events

// Topic constants for domain events emitted by the checkout flow.
const (
	TopicOrderCreated    = "order.created"
	TopicOrderPaid       = "order.paid"
	TopicOrderCanceled   = "order.canceled"
	TopicOrderStatus     = "order.status_changed"
	TopicPaymentFailed   = "payment.failed"
	TopicPaymentRefunded = "payment.refunded"
)

// DefaultTopics returns the canonical list of topics that support notifications.
func DefaultTopics() []string {
	return []string{
		TopicOrderCreated,
		TopicOrderPaid,
		TopicOrderCanceled,
		TopicOrderStatus,
		TopicPaymentFailed,
		TopicPaymentRefunded,
	}
}
