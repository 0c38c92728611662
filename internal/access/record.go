package access

import (
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// Record is one admission decision, admitted or not, as persisted for
// audit. Field names line up with the access_records collection indices.
type Record struct {
	ID               string            `bson:"_id,omitempty" json:"id"`
	ClientIP         string            `bson:"client_ip" json:"clientIp"`
	RequestPath      string            `bson:"request_path" json:"requestPath"`
	HTTPMethod       string            `bson:"http_method" json:"httpMethod"`
	UserAgent        string            `bson:"user_agent" json:"userAgent"`
	RequestHeaders   map[string]string `bson:"request_headers" json:"requestHeaders"`
	ResponseStatus   int               `bson:"response_status" json:"responseStatus"`
	ProcessingTimeMs int64             `bson:"processing_time_ms" json:"processingTimeMs"`
	RateLimited      bool              `bson:"rate_limited" json:"rateLimited"`
	RateLimitType    string            `bson:"rate_limit_type,omitempty" json:"rateLimitType,omitempty"`
	InWhiteList      bool              `bson:"in_white_list" json:"inWhiteList"`
	TraceID          string            `bson:"trace_id,omitempty" json:"traceId,omitempty"`
	AccessTime       time.Time         `bson:"access_time" json:"accessTime"`
}

// LimitLogRecord is a rate-limit trigger event (rate_limit_logs
// collection): which window tripped, at what count, for whom.
type LimitLogRecord struct {
	ID                  string    `bson:"_id,omitempty" json:"id"`
	ClientIP            string    `bson:"client_ip" json:"clientIp"`
	RequestPath         string    `bson:"request_path" json:"requestPath"`
	HTTPMethod          string    `bson:"http_method" json:"httpMethod"`
	RateLimitType       string    `bson:"rate_limit_type" json:"rateLimitType"`
	LimitReason         string    `bson:"limit_reason" json:"limitReason"`
	InWhiteList         bool      `bson:"in_white_list" json:"inWhiteList"`
	UserAgent           string    `bson:"user_agent" json:"userAgent"`
	CurrentRequestCount int       `bson:"current_request_count,omitempty" json:"currentRequestCount,omitempty"`
	LimitThreshold      int       `bson:"limit_threshold,omitempty" json:"limitThreshold,omitempty"`
	WindowSizeSeconds   int       `bson:"window_size_seconds,omitempty" json:"windowSizeSeconds,omitempty"`
	ActiveIPCount       int       `bson:"active_ip_count,omitempty" json:"activeIpCount,omitempty"`
	TriggerTime         time.Time `bson:"trigger_time" json:"triggerTime"`
}

var sensitiveHeaderParts = []string{"token", "password"}

var sensitiveHeaders = map[string]bool{
	"authorization": true,
	"cookie":        true,
	"set-cookie":    true,
}

func sensitiveHeader(name string) bool {
	lower := strings.ToLower(name)
	if sensitiveHeaders[lower] {
		return true
	}
	for _, part := range sensitiveHeaderParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// FilterHeaders copies request headers into a map, dropping credentials and
// anything that smells like one before the record is serialized.
func FilterHeaders(h *fasthttp.RequestHeader) map[string]string {
	out := map[string]string{}
	h.VisitAll(func(k, v []byte) {
		name := string(k)
		if sensitiveHeader(name) {
			return
		}
		out[name] = string(v)
	})
	return out
}
