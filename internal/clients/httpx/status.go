package httpx

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"plantpal/internal/task/engine"
)

// StatusError is a non-2xx response.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: http %d: %s", e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("%s: http %d", e.Op, e.Status)
}

// Classify turns a non-2xx response into an error the retry engine
// understands: 429 carries Retry-After, other 4xx never retry, 5xx retry.
func Classify(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	return ClassifyStatus(err, resp.StatusCode, resp.Header.Get("Retry-After"))
}

// ClassifyStatus wraps err according to an HTTP status code.
func ClassifyStatus(err error, status int, retryAfter string) error {
	switch {
	case status == http.StatusTooManyRequests:
		if d := ParseRetryAfter(retryAfter); d > 0 {
			return engine.RetryAfter(err, d)
		}
		return err
	case status == http.StatusRequestTimeout:
		return err
	case status >= 400 && status < 500:
		return engine.NoRetry(err)
	default:
		return err
	}
}

// ParseRetryAfter accepts delay-seconds or an HTTP date. Unknown values
// yield 0.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
