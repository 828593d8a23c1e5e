package dealer

var (
	MetricMessageEnqueuedCount   = []string{"dealer", "message", "enqueued", "count"}
	MetricMessageSentCount       = []string{"dealer", "message", "sent", "count"}
	MetricMessageSendErrorCount  = []string{"dealer", "message", "send", "error", "count"}
	MetricMessageRetryCount      = []string{"dealer", "message", "retry", "count"}
	MetricMessageExpiredCount    = []string{"dealer", "message", "expired", "count"}
	MetricMessageRequeuedCount   = []string{"dealer", "message", "requeued", "count"}
	MetricMessageParkedCount     = []string{"dealer", "message", "parked", "count"}
	MetricCachedMessages         = []string{"dealer", "cache", "messages"}
	MetricResponseCount          = []string{"dealer", "response", "count"}
	MetricResponseDiscardedCount = []string{"dealer", "response", "discarded", "count"}
	MetricEndpointUpdateCount    = []string{"dealer", "endpoint", "update", "count"}
	MetricSocketRecreateCount    = []string{"dealer", "socket", "recreate", "count"}
	MetricHandleFailureCount     = []string{"dealer", "handle", "failure", "count"}
	MetricStorageErrorCount      = []string{"dealer", "storage", "error", "count"}
)
