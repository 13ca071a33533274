// Package capture builds the records the agent takes from live HTTP requests:
// attribution reports written to disk and breakpoint hits sent to the backend.
package capture

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// capturedHeaders are the request headers copied into a RequestCapture.
var capturedHeaders = []string{
	"Content-Type",
	"Origin",
	"Referer",
	"User-Agent",
}

// RequestCapture holds the data reported when a URL breakpoint matches a request.
type RequestCapture struct {
	ID             string            `json:"id"`
	BreakpointKey  string            `json:"breakpoint_key"`
	BreakpointType string            `json:"breakpoint_type"`
	Method         string            `json:"method"`
	URL            string            `json:"url"`
	Headers        map[string]string `json:"headers,omitempty"`
	HitCount       int               `json:"hit_count"`
	CapturedAt     string            `json:"captured_at"`
}

// NewRequestCapture captures r for the breakpoint identified by key.
func NewRequestCapture(r *http.Request, key, breakpointType string, hitCount int) *RequestCapture {
	headers := make(map[string]string)
	for _, name := range capturedHeaders {
		if v := r.Header.Get(name); v != "" {
			headers[name] = v
		}
	}

	return &RequestCapture{
		ID:             uuid.New().String(),
		BreakpointKey:  key,
		BreakpointType: breakpointType,
		Method:         r.Method,
		URL:            RequestURL(r),
		Headers:        headers,
		HitCount:       hitCount,
		CapturedAt:     time.Now().UTC().Format(time.RFC3339),
	}
}

// RequestURL reconstructs the absolute URL a client requested.
func RequestURL(r *http.Request) string {
	if r.URL != nil && r.URL.IsAbs() {
		return r.URL.String()
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}

	return scheme + "://" + r.Host + requestURI(r)
}

// requestURI returns the origin-form request target, also for requests
// that arrived in absolute form.
func requestURI(r *http.Request) string {
	if strings.HasPrefix(r.RequestURI, "/") {
		return r.RequestURI
	}
	if r.URL != nil {
		return r.URL.RequestURI()
	}
	return "/"
}
