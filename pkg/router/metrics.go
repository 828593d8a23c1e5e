package router

var (
	MetricRouterConnEstCount          = []string{"dealer", "router", "connection", "established", "count"}
	MetricRouterConnErrorCount        = []string{"dealer", "router", "connection", "error", "count"}
	MetricRouterFrameInBytes          = []string{"dealer", "router", "frame", "in", "bytes"}
	MetricRouterFrameOutBytes         = []string{"dealer", "router", "frame", "out", "bytes"}
	MetricRouterFrameOutErrorCount    = []string{"dealer", "router", "frame", "out", "error", "count"}
	MetricRouterProtocolViolations    = []string{"dealer", "router", "protocol", "violation", "count"}
	MetricRouterUDPBufferSizeBytes    = []string{"dealer", "router", "udp", "buffer", "size", "bytes"}
	MetricRouterPeerReplacedCount     = []string{"dealer", "router", "peer", "replaced", "count"}
	MetricRouterReconnectAttemptCount = []string{"dealer", "router", "reconnect", "attempt", "count"}
)
