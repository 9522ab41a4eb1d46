package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	appconfig "marketlink/config"
	ratemetrics "marketlink/internal/metrics/rate"
	"marketlink/logger"
)

const userAgent = "marketlink/1.0"

// APIError is a non-success answer from an exchange REST endpoint.
type APIError struct {
	Exchange string
	Status   int
	Code     int
	Message  string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s api error %d (http %d): %s", e.Exchange, e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("%s api error (http %d): %s", e.Exchange, e.Status, e.Message)
}

// userAgentTransport sets a fixed User-Agent on every outgoing request.
type userAgentTransport struct {
	agent string
	base  http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.agent != "" {
		req.Header.Set("User-Agent", t.agent)
	}
	if t.base != nil {
		return t.base.RoundTrip(req)
	}
	return http.DefaultTransport.RoundTrip(req)
}

// NewHTTPClient builds a pooled client from an exchange section.
func NewHTTPClient(cfg appconfig.ExchangeConfig) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.ConnectionPool.IdleConnTimeout,
	}
	return &http.Client{
		Transport: userAgentTransport{agent: userAgent, base: transport},
		Timeout:   cfg.Timeout,
	}
}

// NewLimiter returns the request limiter for an exchange section. A zero rate
// disables limiting.
func NewLimiter(cfg appconfig.RateLimitConfig) *rate.Limiter {
	if cfg.RequestsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
}

// Request describes one REST call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	// Private requests are passed to the client's signer.
	Private bool
}

// Signer adds authentication headers. body is the exact encoded payload.
type Signer func(req *http.Request, body []byte) error

// ErrorDecoder turns a failed response body into an APIError.
type ErrorDecoder func(status int, body []byte) *APIError

// RESTClient is a rate limited JSON client for one exchange.
type RESTClient struct {
	exchange string
	base     string
	http     *http.Client
	limiter  *rate.Limiter
	signer   Signer
	decode   ErrorDecoder
	log      *logger.Log
}

func NewRESTClient(exchange string, cfg appconfig.ExchangeConfig, signer Signer, decode ErrorDecoder) *RESTClient {
	return &RESTClient{
		exchange: exchange,
		base:     strings.TrimRight(cfg.RestURL, "/"),
		http:     NewHTTPClient(cfg),
		limiter:  NewLimiter(cfg.RateLimit),
		signer:   signer,
		decode:   decode,
		log:      logger.GetLogger(),
	}
}

// Do sends r and decodes a successful JSON answer into out, which may be nil.
func (c *RESTClient) Do(ctx context.Context, r Request, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var body []byte
	if r.Body != nil {
		b, err := json.Marshal(r.Body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", r.Method, r.Path, err)
		}
		body = b
	}

	target := c.base + r.Path
	if len(r.Query) > 0 {
		target += "?" + r.Query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.Private && c.signer != nil {
		if err := c.signer(req, body); err != nil {
			return fmt.Errorf("sign %s %s: %w", r.Method, r.Path, err)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	ratemetrics.ReportUsedWeight(c.log, c.exchange, resp.Header)
	logger.LogPerformanceEntry(c.log.WithMarket(c.exchange), "rest", r.Method+" "+r.Path, time.Since(start), logger.Fields{
		"status": resp.StatusCode,
	})

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr *APIError
		if c.decode != nil {
			apiErr = c.decode(resp.StatusCode, payload)
		}
		if apiErr == nil {
			apiErr = &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(payload))}
		}
		apiErr.Exchange = c.exchange
		if apiErr.Status == 0 {
			apiErr.Status = resp.StatusCode
		}
		return apiErr
	}

	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", r.Method, r.Path, err)
	}
	return nil
}
