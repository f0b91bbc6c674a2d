package util

import (
	"fmt"
	"io"
	"net/http"
	"time"
)

// StatusError reports a response that arrived but carried a non-2xx status.
type StatusError struct {
	StatusCode int
	Status     string
	URL        string
	Body       string // first bytes of the response body, for context
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("bad status '%s' fetching %s", e.Status, e.URL)
	}
	return fmt.Sprintf("bad status '%s' fetching %s: %s", e.Status, e.URL, e.Body)
}

// DownloadFile executes a pre-built HTTP request and returns the body bytes.
// It handles response closing and non-2xx status codes, which come back as
// *StatusError. Any other error means the request or body read failed.
// The caller is responsible for creating the request (including context and headers).
func DownloadFile(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http do request for %s: %w", req.URL.String(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Read some of the body for context on error
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			URL:        req.URL.String(),
			Body:       string(bodyBytes),
		}
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed reading body from %s: %w", req.URL.String(), err)
	}
	return bodyBytes, nil
}

// DefaultHTTPClient creates an http.Client whose timeout covers the whole
// exchange, body read included.
func DefaultHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &http.Client{Timeout: timeout}
}
