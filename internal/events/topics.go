package events

// Topic constants for domain events emitted by the platform.
const (
	TopicBatchCreated      = "batch.created"
	TopicPaymentPaid       = "payment.paid"
	TopicPaymentFailed     = "payment.failed"
	TopicPaymentExpired    = "payment.expired"
	TopicInvoiceIssued     = "invoice.issued"
	TopicCertificateIssued = "certificate.issued"
)

// DefaultTopics returns the canonical list of topics that support notifications.
func DefaultTopics() []string {
	return []string{
		TopicBatchCreated,
		TopicPaymentPaid,
		TopicPaymentFailed,
		TopicPaymentExpired,
		TopicInvoiceIssued,
		TopicCertificateIssued,
	}
}
