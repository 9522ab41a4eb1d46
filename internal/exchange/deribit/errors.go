package deribit

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"marketlink/internal/classifier"
	"marketlink/internal/exchange"
	"marketlink/internal/severity"
)

const (
	codeQtyTooLow          = 10002
	codeOrderNotFound      = 10004
	codeTooManyOrders      = 10005
	codeNotEnoughFunds     = 10009
	codeAlreadyClosed      = 10010
	codeTooManyRequests    = 10028
	codeRetry              = 10040
	codeSettlement         = 10041
	codeInvalidArguments   = 11029
	codeOtherReject        = 11030
	codeNotOpenOrder       = 11044
	codeBadRequest         = 11050
	codeInvalidCredentials = 13004
	codeUnauthorized       = 13009
	codeTokenExpired       = 13010
	codeNotFound           = 13020
	codeForbidden          = 13021
	codeUnavailable        = 13028
	codeInvalidParams      = -32602
	codeMissingParams      = -32000
)

var rules = map[int]classifier.Rule{
	codeOrderNotFound:      {Ignore: true},
	codeAlreadyClosed:      {Ignore: true},
	codeNotOpenOrder:       {Ignore: true},
	codeNotFound:           {Ignore: true},
	codeNotEnoughFunds:     {Code: severity.InsufficientBalance},
	codeInvalidArguments:   {Code: severity.BadRequest},
	codeOtherReject:        {Code: severity.BadRequest},
	codeBadRequest:         {Code: severity.BadRequest},
	codeInvalidParams:      {Code: severity.BadRequest},
	codeMissingParams:      {Code: severity.BadRequest},
	codeQtyTooLow:          {Code: severity.BadRequest},
	codeTooManyOrders:      {Code: severity.BadRequest},
	codeTooManyRequests:    {Code: severity.Transport},
	codeRetry:              {Code: severity.Transport},
	codeSettlement:         {Code: severity.Transport},
	codeUnavailable:        {Code: severity.Transport},
	codeUnauthorized:       {Code: severity.Unauthorized},
	codeTokenExpired:       {Code: severity.Unauthorized},
	codeInvalidCredentials: {Code: severity.InvalidCredentials},
	codeForbidden:          {Code: severity.InvalidCredentials},
}

// decodeError reads the JSON-RPC error object Deribit sends with HTTP 400.
func decodeError(status int, body []byte) *exchange.APIError {
	var env envelope[json.RawMessage]
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil {
		return env.Error.apiError(status)
	}
	return &exchange.APIError{Status: status, Message: strings.TrimSpace(string(body))}
}

// Classify maps Deribit error codes onto severity codes. Codes not listed
// fall through to the classifier default.
func Classify(err error) (classifier.Rule, bool) {
	if errors.Is(err, ErrMissingCredentials) {
		return classifier.Rule{Code: severity.InvalidCredentials}, true
	}
	var apiErr *exchange.APIError
	if !errors.As(err, &apiErr) {
		return classifier.Rule{}, false
	}
	if rule, ok := rules[apiErr.Code]; ok {
		return rule, true
	}
	if apiErr.Code == 0 && (apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500) {
		return classifier.Rule{Code: severity.Transport}, true
	}
	return classifier.Rule{}, false
}

func isTokenRejected(err error) bool {
	var apiErr *exchange.APIError
	return errors.As(err, &apiErr) && (apiErr.Code == codeUnauthorized || apiErr.Code == codeTokenExpired)
}
