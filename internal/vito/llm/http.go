package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/bdobrica/vito/common/redact"
)

const (
	defaultTimeout = 60 * time.Second

	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 4 << 20

	// maxErrorText caps upstream error text carried into an Error.
	maxErrorText = 300
)

// newHTTPClient returns a client whose transport keeps connections alive
// between calls to the same backend.
func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = 16
	transport.MaxIdleConnsPerHost = 8
	transport.IdleConnTimeout = 90 * time.Second
	return &http.Client{Timeout: timeout, Transport: transport}
}

// postJSON sends body to url and returns the parsed response. Every failure
// is an *Error with secrets scrubbed from its message.
func postJSON(ctx context.Context, client *http.Client, backend, url string, body []byte, headers map[string]string, secrets ...string) (gjson.Result, error) {
	fail := func(status int, msg string, err error) (gjson.Result, error) {
		return gjson.Result{}, &Error{
			Backend:    backend,
			StatusCode: status,
			Message:    redact.String(truncate(msg, maxErrorText), secrets...),
			Err:        err,
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fail(0, "create request: "+err.Error(), nil)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fail(0, "request aborted", ctxErr)
		}
		return fail(0, "http request: "+err.Error(), nil)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fail(resp.StatusCode, "request aborted", ctxErr)
		}
		return fail(resp.StatusCode, "read response: "+err.Error(), nil)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := gjson.GetBytes(raw, "error.message").String()
		if msg == "" {
			msg = string(bytes.TrimSpace(raw))
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return fail(resp.StatusCode, msg, nil)
	}

	if !gjson.ValidBytes(raw) {
		return fail(0, fmt.Sprintf("response is not JSON (HTTP %d)", resp.StatusCode), nil)
	}
	return gjson.ParseBytes(raw), nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
