package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/me/evalflow/internal/scheduler"
	"github.com/me/evalflow/internal/store"
	"github.com/me/evalflow/pkg/model"
)

var _ store.Queue = (*Client)(nil)

// ErrEnqueueUnsupported is returned by Client.Enqueue: only the parent fills
// the queue.
var ErrEnqueueUnsupported = errors.New("enqueue is not available to workers")

// Client talks to the dispatch API of the parent process. It implements
// store.Queue so the work-queue loop runs unchanged against it.
type Client struct {
	baseURL    string
	token      string
	worker     string
	httpClient *http.Client
}

// NewClient creates a dispatch API client for worker.
func NewClient(baseURL, token, worker string) *Client {
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		worker:  worker,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
	}
}

// NewClientFromEnv creates a client from the environment set by the parent
// at spawn time.
func NewClientFromEnv(worker string) (*Client, error) {
	base := os.Getenv(scheduler.EnvDispatchURL)
	if base == "" {
		return nil, fmt.Errorf("%s is not set", scheduler.EnvDispatchURL)
	}
	return NewClient(base, os.Getenv(scheduler.EnvDispatchToken), worker), nil
}

// Worker returns the name the client allocates units to.
func (c *Client) Worker() string {
	return c.worker
}

// Enqueue implements store.Queue.
func (c *Client) Enqueue(context.Context, []model.BenchmarkConfig) error {
	return ErrEnqueueUnsupported
}

// Checkout implements store.Queue. It returns nil when the queue is empty.
func (c *Client) Checkout(ctx context.Context) (*model.BenchmarkConfig, error) {
	var unit model.BenchmarkConfig
	found, err := c.do(ctx, http.MethodPost, "/api/v1/units/checkout", nil, &unit)
	if err != nil {
		return nil, fmt.Errorf("checkout: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &unit, nil
}

// Allocate implements store.Queue.
func (c *Client) Allocate(ctx context.Context, unitID, worker string) error {
	_, err := c.do(ctx, http.MethodPost, unitPath(unitID, "allocate"), model.AllocateRequest{Worker: worker}, nil)
	if err != nil {
		return fmt.Errorf("allocate: %w", err)
	}
	return nil
}

// Finish implements store.Queue.
func (c *Client) Finish(ctx context.Context, unitID string) error {
	if _, err := c.do(ctx, http.MethodPost, unitPath(unitID, "finish"), nil, nil); err != nil {
		return fmt.Errorf("finish: %w", err)
	}
	return nil
}

// Retry implements store.Queue. The budget is owned by the parent, so the
// budget argument is ignored.
func (c *Client) Retry(ctx context.Context, unitID string, _ int, cause string) (*model.RetryResponse, error) {
	var resp model.RetryResponse
	_, err := c.do(ctx, http.MethodPost, unitPath(unitID, "retry"), model.RetryRequest{Worker: c.worker, Error: cause}, &resp)
	if err != nil {
		return nil, fmt.Errorf("retry: %w", err)
	}
	return &resp, nil
}

// Status implements store.Queue.
func (c *Client) Status(ctx context.Context) (*model.UnitStatus, error) {
	var status model.UnitStatus
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/units", nil, &status); err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	return &status, nil
}

func unitPath(id, action string) string {
	return "/api/v1/units/" + url.PathEscape(id) + "/" + action
}

// do sends one request and decodes the data field of the envelope into dest.
// It reports false for a 204 response.
func (c *Client) do(ctx context.Context, method, path string, body, dest any) (bool, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return false, err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return false, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return false, nil
	}
	return true, decodeResponseData(resp, dest)
}

// decodeResponseData extracts the data field from the API response envelope.
func decodeResponseData(resp *http.Response, dest any) error {
	var envelope struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *model.APIError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("HTTP %d: decode response: %w", resp.StatusCode, err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if dest == nil || len(envelope.Data) == 0 {
		return nil
	}
	return json.Unmarshal(envelope.Data, dest)
}
