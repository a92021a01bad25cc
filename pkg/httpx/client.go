package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// RequestJSON performs a JSON request and returns the status and raw body.
// Transport errors, body read errors and 5xx responses are retried up to
// `retries` additional attempts; 4xx responses are returned as-is because
// repeating the request will not make it better.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retries int, retryDelay time.Duration) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if retries < 0 {
		retries = 0
	}
	for attempt := 0; ; attempt++ {
		status, respBody, retryable, err := doJSONRequest(ctx, client, method, url, body, headers)
		if err != nil && !retryable {
			return 0, nil, err
		}
		if attempt >= retries {
			if err != nil {
				return 0, nil, err
			}
			return status, respBody, nil
		}
		if err == nil && !retryable {
			return status, respBody, nil
		}
		select {
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}

func doJSONRequest(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) (status int, respBody []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, false, err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, true, err
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, err = io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, true, err
	}
	return resp.StatusCode, respBody, resp.StatusCode >= 500, nil
}
