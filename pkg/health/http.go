package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPChecker probes an HTTP endpoint, such as the /livez route of the
// remote event server behind the http substrate. Any 2xx answer is healthy.
type HTTPChecker struct {
	url    string
	header http.Header
	client *http.Client
}

// NewHTTPChecker creates a checker for url
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		url:    url,
		header: http.Header{},
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// WithHeader adds a header to every probe
func (h *HTTPChecker) WithHeader(key, value string) *HTTPChecker {
	h.header.Set(key, value)
	return h
}

// Check sends one GET
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	fail := func(format string, args ...interface{}) Result {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf(format, args...),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return fail("bad probe request: %v", err)
	}
	req.Header = h.header.Clone()

	resp, err := h.client.Do(req)
	if err != nil {
		return fail("request failed: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("HTTP %d", resp.StatusCode),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (h *HTTPChecker) Type() CheckType {
	return CheckTypeHTTP
}
