package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// RequestJSON issues method url with a JSON body and retries transport
// errors and 5xx answers up to retries extra attempts, waiting retryDelay
// between them. 4xx answers return immediately; retrying a rejected request
// will not change the answer.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retries int, retryDelay time.Duration) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if retries < 0 {
		retries = 0
	}
	for attempt := 0; ; attempt++ {
		status, respBody, err := attemptJSON(ctx, client, method, url, body, headers)
		if attempt >= retries || (err == nil && status < 500) {
			return status, respBody, err
		}
		if werr := waitRetry(ctx, retryDelay); werr != nil {
			if err != nil {
				return 0, nil, err
			}
			return 0, nil, werr
		}
	}
}

func attemptJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

// waitRetry sleeps for the retry delay unless the context ends first.
func waitRetry(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
