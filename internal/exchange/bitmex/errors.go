package bitmex

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"marketlink/internal/classifier"
	"marketlink/internal/exchange"
	"marketlink/internal/severity"
)

// decodeError reads {"error":{"message":..,"name":..}}.
func decodeError(status int, body []byte) *exchange.APIError {
	var payload struct {
		Error struct {
			Message string `json:"message"`
			Name    string `json:"name"`
		} `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		msg = payload.Error.Message
	}
	return &exchange.APIError{Status: status, Message: msg}
}

// Classify maps BitMEX HTTP failures onto severity codes. BitMEX reports
// errors by HTTP status with free text, so the message refines a few cases.
func Classify(err error) (classifier.Rule, bool) {
	var apiErr *exchange.APIError
	if !errors.As(err, &apiErr) {
		return classifier.Rule{}, false
	}
	msg := strings.ToLower(apiErr.Message)
	switch {
	case apiErr.Status == http.StatusBadRequest:
		if strings.Contains(msg, "insufficient") {
			return classifier.Rule{Code: severity.InsufficientBalance}, true
		}
		return classifier.Rule{Code: severity.BadRequest}, true
	case apiErr.Status == http.StatusUnauthorized:
		if strings.Contains(msg, "invalid api key") || strings.Contains(msg, "signature not valid") {
			return classifier.Rule{Code: severity.InvalidCredentials}, true
		}
		return classifier.Rule{Code: severity.Unauthorized}, true
	case apiErr.Status == http.StatusForbidden:
		return classifier.Rule{Code: severity.InvalidCredentials}, true
	case apiErr.Status == http.StatusNotFound:
		// order already filled or cancelled
		return classifier.Rule{Ignore: true}, true
	case apiErr.Status == http.StatusTooManyRequests, apiErr.Status >= 500:
		return classifier.Rule{Code: severity.Transport}, true
	}
	return classifier.Rule{}, false
}

// feedErrorCode maps a realtime error frame. Auth and throttling statuses
// share the REST rules; anything else means the subscription was rejected.
func feedErrorCode(status int, message string) severity.Code {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden,
		status == http.StatusTooManyRequests, status >= 500:
		if rule, ok := Classify(&exchange.APIError{Exchange: Name, Status: status, Message: message}); ok {
			return rule.Code
		}
	}
	return severity.InvalidChannel
}
