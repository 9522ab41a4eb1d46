package deribit

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"marketlink/internal/exchange"
)

// tokens are renewed this long before Deribit expires them
const tokenSlack = 30 * time.Second

// ErrMissingCredentials is returned for private calls without an API key.
var ErrMissingCredentials = errors.New("deribit client credentials are not configured")

type authResult struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// tokenSource caches the access token of the client_credentials grant.
type tokenSource struct {
	clientID string
	secret   string
	now      func() time.Time
	rest     *exchange.RESTClient

	mu      sync.Mutex
	token   string
	expires time.Time
}

func (s *tokenSource) sign(req *http.Request, _ []byte) error {
	token, err := s.get(req.Context())
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (s *tokenSource) get(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && s.now().Before(s.expires.Add(-tokenSlack)) {
		return s.token, nil
	}
	if s.clientID == "" || s.secret == "" {
		return "", ErrMissingCredentials
	}

	var env envelope[authResult]
	err := s.rest.Do(ctx, exchange.Request{
		Method: http.MethodGet,
		Path:   "/public/auth",
		Query: url.Values{
			"grant_type":    {"client_credentials"},
			"client_id":     {s.clientID},
			"client_secret": {s.secret},
		},
	}, &env)
	if err != nil {
		return "", err
	}
	if env.Error != nil {
		return "", env.Error.apiError(http.StatusOK)
	}
	if env.Result.AccessToken == "" {
		return "", &exchange.APIError{Exchange: Name, Status: http.StatusOK, Code: codeInvalidCredentials, Message: "auth returned no access token"}
	}
	s.token = env.Result.AccessToken
	s.expires = s.now().Add(time.Duration(env.Result.ExpiresIn) * time.Second)
	return s.token, nil
}

func (s *tokenSource) reset() {
	s.mu.Lock()
	s.token = ""
	s.expires = time.Time{}
	s.mu.Unlock()
}
