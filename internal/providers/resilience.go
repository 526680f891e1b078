package providers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig is the backoff policy for provider API calls. For idempotent
// methods transport errors are always retried, responses only when their
// status is listed. Other methods (POST creates instances) are retried only
// when the server cannot have acted on them: a failed dial or a 429.
type RetryConfig struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	RetryableErrors []int
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialDelay:    time.Second,
		MaxDelay:        30 * time.Second,
		BackoffFactor:   2,
		RetryableErrors: []int{http.StatusTooManyRequests, 500, 502, 503, 504},
	}
}

func (rc RetryConfig) retryable(status int) bool {
	return slices.Contains(rc.RetryableErrors, status)
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

// notSent reports whether err happened before the request reached the server.
func notSent(err error) bool {
	var op *net.OpError
	return errors.As(err, &op) && op.Op == "dial"
}

// backoff is InitialDelay*BackoffFactor^attempt with 25% jitter, capped at
// MaxDelay.
func (rc RetryConfig) backoff(attempt int) time.Duration {
	d := float64(rc.InitialDelay) * math.Pow(rc.BackoffFactor, float64(attempt))
	d += d * 0.25 * (2*rand.Float64() - 1)
	if ceiling := float64(rc.MaxDelay); rc.MaxDelay > 0 && d > ceiling {
		d = ceiling
	}
	return time.Duration(d)
}

// RateLimiter spaces calls at least interval apart.
type RateLimiter struct {
	mu       sync.Mutex
	next     time.Time
	interval time.Duration
}

func NewRateLimiter(requestsPerSecond float64) *RateLimiter {
	if requestsPerSecond <= 0 {
		return &RateLimiter{}
	}
	return &RateLimiter{interval: time.Duration(float64(time.Second) / requestsPerSecond)}
}

// Wait blocks until the next call slot or until ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if d := time.Until(rl.next); d > 0 {
		log.Debug().Dur("sleep", d).Msg("rate limiting provider call")
		if err := sleepCtx(ctx, d); err != nil {
			return err
		}
	}
	rl.next = time.Now().Add(rl.interval)
	return nil
}

// RetryableHTTPClient is the http.Client every provider backend talks
// through: rate limited, with exponential backoff on transient failures.
type RetryableHTTPClient struct {
	client  *http.Client
	retry   RetryConfig
	limiter *RateLimiter
}

func NewRetryableHTTPClient(timeout time.Duration, requestsPerSecond float64) *RetryableHTTPClient {
	return &RetryableHTTPClient{
		client:  &http.Client{Timeout: timeout},
		retry:   DefaultRetryConfig(),
		limiter: NewRateLimiter(requestsPerSecond),
	}
}

// WithRetryConfig replaces the retry policy.
func (c *RetryableHTTPClient) WithRetryConfig(rc RetryConfig) *RetryableHTTPClient {
	c.retry = rc
	return c
}

// Do sends req, retrying per the policy. Requests with a body must set
// GetBody (http.NewRequest does for in-memory readers) so each attempt
// gets a fresh body. A non-idempotent request that is not retried returns
// the response or error as received.
func (c *RetryableHTTPClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	safe := idempotent(req.Method)
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		resp, err := c.once(req)
		switch {
		case err != nil:
			if !safe && !notSent(err) {
				return nil, err
			}
			lastErr = err
		case resp.StatusCode == http.StatusTooManyRequests && c.retry.retryable(resp.StatusCode),
			safe && c.retry.retryable(resp.StatusCode):
			if attempt >= c.retry.MaxRetries || ctx.Err() != nil {
				return resp, nil
			}
			resp.Body.Close()
			lastErr = fmt.Errorf("%s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
		default:
			return resp, nil
		}
		if attempt >= c.retry.MaxRetries || ctx.Err() != nil {
			return nil, lastErr
		}
		delay := c.retry.backoff(attempt)
		log.Warn().Err(lastErr).Int("attempt", attempt+1).Int("max_retries", c.retry.MaxRetries).
			Dur("delay", delay).Msg("provider call failed, retrying")
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (c *RetryableHTTPClient) once(req *http.Request) (*http.Response, error) {
	attempt := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind body: %w", err)
		}
		attempt.Body = body
	}
	return c.client.Do(attempt)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ValidationError is a CreateRequest rejected before any API call.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Message)
}

// maxFleetBatch bounds a single create call.
const maxFleetBatch = 100

// CloudProviderValidator checks create requests against the regions and
// plans each backend is known to accept. Providers it has no table for
// only get the generic checks.
type CloudProviderValidator struct {
	regions map[string][]string
	sizes   map[string][]string
}

func NewCloudProviderValidator() *CloudProviderValidator {
	return &CloudProviderValidator{
		regions: map[string][]string{
			"linode": {"us-east", "us-west", "us-central", "us-southeast", "eu-west", "eu-central", "ap-south", "ap-southeast", "ap-northeast"},
			"vultr":  {"ewr", "ord", "sea", "lax", "atl", "ams", "lhr", "fra", "sgp", "nrt"},
		},
		sizes: map[string][]string{
			"linode": {"g6-nanode-1", "g6-standard-1", "g6-standard-2", "g6-standard-4"},
			"vultr":  {"vc2-1c-1gb", "vc2-1c-2gb", "vc2-2c-2gb", "vc2-2c-4gb"},
		},
	}
}

func (v *CloudProviderValidator) ValidateCreateRequest(provider string, req CreateRequest) error {
	if req.Tag == "" {
		return ValidationError{Field: "tag", Message: "fleet tag is required"}
	}
	if req.Count < 1 || req.Count > maxFleetBatch {
		return ValidationError{Field: "count", Value: strconv.Itoa(req.Count), Message: fmt.Sprintf("must be between 1 and %d", maxFleetBatch)}
	}
	if err := oneOf(v.regions[provider], "region", req.Region); err != nil {
		return err
	}
	return oneOf(v.sizes[provider], "size", req.Size)
}

func oneOf(known []string, field, value string) error {
	if value == "" || known == nil || slices.Contains(known, value) {
		return nil
	}
	return ValidationError{Field: field, Value: value, Message: fmt.Sprintf("expected one of %v", known)}
}
