package erp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// Client fetches catalog pages from the upstream ERP API.
type Client interface {
	// FetchPage returns one page of raw catalog records. An empty slice
	// means the catalog is exhausted.
	FetchPage(ctx context.Context, req PageRequest) ([]Record, error)
}

// HTTPClient is the production Client backed by the ERP REST API.
type HTTPClient struct {
	client  *http.Client
	baseURL string
	logger  *logrus.Logger

	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// ClientOption allows configuring the ERP client
type ClientOption func(*HTTPClient)

// WithRetryConfig configures retry behavior
func WithRetryConfig(maxRetries int, initialBackoff, maxBackoff time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.maxRetries = maxRetries
		c.initialBackoff = initialBackoff
		c.maxBackoff = maxBackoff
	}
}

// WithHTTPTimeout overrides the underlying HTTP client timeout
func WithHTTPTimeout(timeout time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.client.Timeout = timeout
	}
}

// NewHTTPClient creates a new ERP client with the given base URL and token
func NewHTTPClient(baseURL, token string, logger *logrus.Logger, opts ...ClientOption) *HTTPClient {
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	httpClient := oauth2.NewClient(context.Background(), ts)
	httpClient.Timeout = 120 * time.Second

	client := &HTTPClient{
		client:         httpClient,
		baseURL:        baseURL,
		logger:         logger,
		maxRetries:     3,
		initialBackoff: time.Second,
		maxBackoff:     time.Minute,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// FetchPage gets one page of products from the ERP catalog endpoint.
func (c *HTTPClient) FetchPage(ctx context.Context, pageReq PageRequest) ([]Record, error) {
	if pageReq.Page < 1 {
		return nil, &ERPError{StatusCode: 0, Message: fmt.Sprintf("invalid page %d", pageReq.Page)}
	}

	query := url.Values{}
	query.Set("page", strconv.Itoa(pageReq.Page))
	if pageReq.Limit != nil {
		query.Set("limit", strconv.Itoa(*pageReq.Limit))
	}
	if pageReq.ModifiedSince != "" {
		query.Set("modified_since", pageReq.ModifiedSince)
	}
	if pageReq.UseStableSort {
		query.Set("sort", "id")
	}

	reqURL := c.baseURL + "/products?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	var records []Record
	if err := c.doRequestWithBackoff(req, &records); err != nil {
		return nil, err
	}

	return records, nil
}

// doRequestWithBackoff performs an HTTP request with exponential backoff.
// 5xx and transport errors are retried; 429 honors Retry-After within the
// retry budget; other 4xx responses fail immediately.
func (c *HTTPClient) doRequestWithBackoff(req *http.Request, result interface{}) error {
	var lastErr error
	backoff := c.initialBackoff

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = &ERPError{StatusCode: 0, Message: "request failed", Err: err}
			c.logger.Warnf("ERP request attempt %d failed: %v", attempt+1, err)
			if err := c.sleep(req.Context(), backoff); err != nil {
				return err
			}
			backoff = time.Duration(math.Min(float64(backoff*2), float64(c.maxBackoff)))
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter := resp.Header.Get("Retry-After")
			resp.Body.Close()
			lastErr = &RateLimitError{RetryAfter: retryAfter}
			wait := backoff
			if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
				wait = time.Duration(seconds) * time.Second
			}
			if wait > c.maxBackoff {
				wait = c.maxBackoff
			}
			c.logger.Warnf("ERP rate limit exceeded. Waiting %v before retry", wait)
			if err := c.sleep(req.Context(), wait); err != nil {
				return err
			}
			backoff = time.Duration(math.Min(float64(backoff*2), float64(c.maxBackoff)))
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = &ERPError{StatusCode: resp.StatusCode, Message: "failed to read response body", Err: err}
			continue
		}

		if resp.StatusCode != http.StatusOK {
			lastErr = &ERPError{StatusCode: resp.StatusCode, Message: string(body)}
			if resp.StatusCode >= 500 {
				if err := c.sleep(req.Context(), backoff); err != nil {
					return err
				}
				backoff = time.Duration(math.Min(float64(backoff*2), float64(c.maxBackoff)))
				continue
			}
			return lastErr
		}

		if result != nil {
			if err := json.Unmarshal(body, result); err != nil {
				return &ERPError{StatusCode: resp.StatusCode, Message: "failed to decode response", Err: err}
			}
		}

		return nil
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *HTTPClient) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
