package rate

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"marketlink/internal/metrics"
	"marketlink/logger"
)

// ReportRateLimitExceeded counts a request rejected for exceeding the
// exchange rate limit.
func ReportRateLimitExceeded(log *logger.Log, exchange, operation string) {
	fields := logger.Fields{
		"market":    exchange,
		"operation": operation,
	}
	metrics.EmitMetric(log, "rate_limit", "rate_limit_exceeded", int64(1), "counter", fields)
	log.WithComponent("rate_limit").WithFields(fields).Warn("rate limit exceeded")
}

// ReportIPBan counts a request rejected because the source address is banned.
func ReportIPBan(log *logger.Log, exchange, operation string) {
	fields := logger.Fields{
		"market":    exchange,
		"operation": operation,
	}
	metrics.EmitMetric(log, "rate_limit", "ip_ban", int64(1), "counter", fields)
	log.WithComponent("rate_limit").WithFields(fields).Error("ip banned")
}

// DetectLimit inspects an exchange error message for rate-limit or IP ban
// wording. Each exchange phrases these differently.
func DetectLimit(exchange, msg string) (rateLimit bool, ipBan bool) {
	lowerMsg := strings.ToLower(msg)
	switch strings.ToLower(exchange) {
	case "bitmex":
		rateLimit = strings.Contains(lowerMsg, "rate limit exceeded") || strings.Contains(lowerMsg, "too many requests")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "banned")
	case "bybit":
		ipBan = strings.Contains(lowerMsg, "ip rate limit") || (strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban"))
		rateLimit = !ipBan && (strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "too many visits"))
	case "deribit":
		rateLimit = strings.Contains(lowerMsg, "too_many_requests") || strings.Contains(lowerMsg, "too many requests")
		ipBan = strings.Contains(lowerMsg, "ip") && (strings.Contains(lowerMsg, "blocked") || strings.Contains(lowerMsg, "ban"))
	default:
		rateLimit = strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	}
	return
}

// ReportLimitFromMessage records rate-limit or ban metrics when msg matches
// the exchange wording and reports whether it did.
func ReportLimitFromMessage(log *logger.Log, exchange, operation, msg string) bool {
	rateLimit, ipBan := DetectLimit(exchange, msg)
	if rateLimit {
		ReportRateLimitExceeded(log, exchange, operation)
	}
	if ipBan {
		ReportIPBan(log, exchange, operation)
	}
	return rateLimit || ipBan
}

// ReportUsedWeight emits the remaining request budget from response headers.
// Bitmex uses x-ratelimit-*, Bybit X-Bapi-Limit*.
func ReportUsedWeight(log *logger.Log, exchange string, header http.Header) {
	limitStr := header.Get("X-Ratelimit-Limit")
	if limitStr == "" {
		limitStr = header.Get("X-Bapi-Limit")
	}
	remainingStr := header.Get("X-Ratelimit-Remaining")
	if remainingStr == "" {
		remainingStr = header.Get("X-Bapi-Limit-Status")
	}
	if limitStr == "" || remainingStr == "" {
		return
	}

	limit, _ := strconv.ParseInt(limitStr, 10, 64)
	remaining, _ := strconv.ParseInt(remainingStr, 10, 64)
	used := limit - remaining
	if used < 0 {
		used = 0
	}
	metrics.EmitMetric(log, "rate_limit", "used_weight", used, "gauge", logger.Fields{"market": exchange})
}

// RetryAfter reads the Retry-After header, falling back to the first integer
// in msg, as seconds. Zero means unknown.
func RetryAfter(header http.Header, msg string) time.Duration {
	if v := header.Get("Retry-After"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	if nums := extractInts(msg); len(nums) > 0 {
		return time.Duration(nums[0]) * time.Second
	}
	return 0
}

// extractInts returns all integer substrings contained in s.
func extractInts(s string) []int64 {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r < '0' || r > '9'
	})
	nums := make([]int64, 0, len(parts))
	for _, p := range parts {
		if n, err := strconv.ParseInt(p, 10, 64); err == nil {
			nums = append(nums, n)
		}
	}
	return nums
}
