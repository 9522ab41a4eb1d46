package bybit

import (
	"errors"

	"marketlink/internal/classifier"
	"marketlink/internal/exchange"
	"marketlink/internal/severity"
)

var (
	credentialCodes = codes(10003, 10004, 10005, 10006, 10007, 10008, 10009, 10010,
		10028, 10029, 100028, 110018)

	balanceCodes = codes(110004, 110006, 110007, 110012, 110014, 110015, 110045, 110047,
		110052, 170033, 170131, 175003, 175006, 176015, 110013, 110021)

	// order level rejections: the order is refused, the connection is fine
	ignoredCodes = codes(10001,
		170135, 170136, 170140, 170124, 170197, 170198, 170199, 170200,
		170203, 170204, 170206, 170133, 170134, 170137, 170148,
		170132, 170192, 170193, 170194, 170195, 170196, 110094, 110003,
		110001, 110008, 110010, 170139, 170142, 170213, 110009, 170341,
		110020, 110022, 110023, 110024, 110072, 170141, 170143, 170210, 40004)
)

const categoryMismatch = 181001

func codes(list ...int) map[int]struct{} {
	m := make(map[int]struct{}, len(list))
	for _, c := range list {
		m[c] = struct{}{}
	}
	return m
}

// Classify maps Bybit retCodes onto severity codes. Server timeouts (10000,
// 10002, 10016) and any unlisted retCode ask for a reconnect.
func Classify(err error) (classifier.Rule, bool) {
	var apiErr *exchange.APIError
	if !errors.As(err, &apiErr) || apiErr.Code == 0 {
		return classifier.Rule{}, false
	}
	c := apiErr.Code
	if _, ok := ignoredCodes[c]; ok {
		return classifier.Rule{Ignore: true}, true
	}
	if _, ok := credentialCodes[c]; ok {
		return classifier.Rule{Code: severity.InvalidCredentials}, true
	}
	if _, ok := balanceCodes[c]; ok {
		return classifier.Rule{Code: severity.InsufficientBalance}, true
	}
	if c == categoryMismatch {
		return classifier.Rule{Code: severity.CategoryMismatch}, true
	}
	return classifier.Rule{Code: severity.Transport}, true
}
