package gateway

import "math"

// Filter priorities, assigned once from this table. Lower runs earlier;
// the recorder is last so it observes the settled response.
const (
	OrderTraceInit = math.MinInt32 + iota
	OrderDdosDefense
	OrderBrowserDetection
	OrderAPIRateLimit
	OrderRequestLogger
	OrderAccessLogger
)

const OrderAccessRecorder = math.MaxInt32 - 1000

type filterEntry struct {
	name  string
	order int
	fn    filterFunc
}

// FilterOrder exposes the authoritative name→priority table, mostly for
// diagnostics.
func FilterOrder() map[string]int {
	return map[string]int{
		"TRACE_INIT":        OrderTraceInit,
		"DDOS_DEFENSE":      OrderDdosDefense,
		"BROWSER_DETECTION": OrderBrowserDetection,
		"API_RATE_LIMIT":    OrderAPIRateLimit,
		"REQUEST_LOGGER":    OrderRequestLogger,
		"ACCESS_LOGGER":     OrderAccessLogger,
		"ACCESS_RECORDER":   OrderAccessRecorder,
	}
}
