package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// GetJSON fetches url and decodes the JSON body into out, retrying transport
// errors and 5xx responses. Non-5xx error statuses are returned immediately:
// a 404 from the directory is not transient.
func GetJSON(ctx context.Context, client *http.Client, url string, out interface{}, retries int, retryDelay time.Duration) error {
	if client == nil {
		client = http.DefaultClient
	}
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
		}
		status, body, err := get(ctx, client, url)
		if err != nil {
			lastErr = err
			continue
		}
		if status >= 500 {
			lastErr = fmt.Errorf("GET %s: status %d", url, status)
			continue
		}
		if status != http.StatusOK {
			return fmt.Errorf("GET %s: status %d", url, status)
		}
		if out != nil {
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("GET %s: %w", url, err)
			}
		}
		return nil
	}
	return lastErr
}

func get(ctx context.Context, client *http.Client, url string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}
