package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"market-watch/internal/apperrors"
	"market-watch/internal/metrics"

	"github.com/sirupsen/logrus"
)

// HTTPError is a non-2xx response from an exchange.
type HTTPError struct {
	Code    int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Message)
}

// restClient is the shared HTTP plumbing for REST connectors.
type restClient struct {
	name    string
	baseURL string
	http    *http.Client
	limiter *ExchangeRateLimiter
	logger  *logrus.Logger
}

// NewHTTPClient builds the exchange HTTP client, optionally through a proxy.
func NewHTTPClient(timeout time.Duration, proxyURL string) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid proxy URL %q: %v", apperrors.ErrInvalidConfiguration, proxyURL, err)
		}
		transport.Proxy = http.ProxyURL(parsed)
	}
	return &http.Client{Timeout: timeout, Transport: transport}, nil
}

// getJSON fetches path relative to the base URL and decodes the body into out.
func (c *restClient) getJSON(ctx context.Context, path string, query url.Values, out interface{}) (http.Header, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, apperrors.Connector(c.name, err)
		}
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, apperrors.Connector(c.name, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "market-watch")

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ExchangeRequests.WithLabelValues(c.name, "error").Inc()
		return nil, apperrors.Connector(c.name, err)
	}
	defer resp.Body.Close()

	metrics.ExchangeRequests.WithLabelValues(c.name, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		httpErr := &HTTPError{Code: resp.StatusCode, Message: string(body)}

		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return nil, fmt.Errorf("%w: %s: %v", apperrors.ErrAuthInvalid, c.name, httpErr)
		case http.StatusTooManyRequests:
			if c.limiter != nil {
				c.limiter.RecordRateLimitHit()
			}
		}
		return nil, apperrors.Connector(c.name, httpErr)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, apperrors.Connector(c.name, fmt.Errorf("failed to decode response: %w", err))
	}

	if c.limiter != nil {
		c.limiter.RecordSuccess()
	}

	c.logger.WithFields(logrus.Fields{
		"exchange": c.name,
		"path":     path,
	}).Debug("Exchange request completed")

	return resp.Header, nil
}
