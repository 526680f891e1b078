package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// APIError is a non-2xx response from a provider REST API.
type APIError struct {
	Provider string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api status %d: %s", e.Provider, e.Status, e.Body)
}

// APIClient is a bearer-token JSON client shared by the REST backends.
type APIClient struct {
	Provider string
	BaseURL  string
	Token    string
	Headers  map[string]string
	HTTP     *RetryableHTTPClient
}

func NewAPIClient(provider, baseURL, token string) *APIClient {
	return &APIClient{
		Provider: provider,
		BaseURL:  baseURL,
		Token:    token,
		HTTP:     NewRetryableHTTPClient(30*time.Second, 5),
	}
}

// DoJSON sends body (if any) as JSON and decodes the response into out (if any).
func (c *APIClient) DoJSON(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	return c.DoJSONWithHeaders(ctx, method, path, nil, body, out)
}

func (c *APIClient) DoJSONWithHeaders(ctx context.Context, method, path string, headers map[string]string, body interface{}, out interface{}) error {
	if c.Token == "" {
		return fmt.Errorf("%s token missing", c.Provider)
	}
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Provider: c.Provider, Status: resp.StatusCode, Body: string(errorBody)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// PollUntilRunning calls get every interval until it reports a running
// instance with an address, or ctx is done. Transient get errors are retried.
func PollUntilRunning(ctx context.Context, interval time.Duration, get func(context.Context) (Instance, error)) (Instance, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var last Instance
	for {
		inst, err := get(ctx)
		if err == nil {
			last = inst
			if inst.State == StateRunning && inst.PublicAddress != "" {
				return inst, nil
			}
			if inst.State == StateTerminated || inst.State == StateStopped {
				return inst, fmt.Errorf("instance %s is %s", inst.ID, inst.State)
			}
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}
