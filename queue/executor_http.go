package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPExecutor dispatches a job by POSTing its MessageData as JSON to a
// fixed URL and treating any non-2xx response as a dispatch failure,
// which the polling loop will retry with backoff.
type HTTPExecutor struct {
	URL    string
	Client *http.Client
}

// NewHTTPExecutor builds an HTTPExecutor with a sane request timeout; the
// caller can still override Client after construction.
func NewHTTPExecutor(url string) *HTTPExecutor {
	return &HTTPExecutor{URL: url, Client: &http.Client{Timeout: 30 * time.Second}}
}

func (e *HTTPExecutor) Dispatch(ctx context.Context, queueName string, msg MessageData) (Result, error) {
	body, err := json.Marshal(struct {
		QueueName string      `json:"queueName"`
		Message   MessageData `json:"message"`
	}{QueueName: queueName, Message: msg})
	if err != nil {
		return Result{}, fmt.Errorf("queue: marshal dispatch body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("queue: build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.Client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("queue: dispatch %s: %w", queueName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("queue: dispatch %s: handler returned status %d", queueName, resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, nil
	}
	return result, nil
}
