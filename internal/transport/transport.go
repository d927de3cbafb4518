// Package transport performs single provider HTTP exchanges. It never
// retries; retry decisions belong to the caller.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

const (
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 8 << 20
)

// Request is one outbound GET-style exchange
type Request struct {
	Method string
	URL    string
	Query  url.Values
	Header http.Header
}

// Response is a fully read provider response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport sends a request and returns the raw response. A non-2xx status
// is not an error at this layer.
type Transport interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// HTTP is a Transport backed by a retryablehttp client with retries disabled
type HTTP struct {
	client    *retryablehttp.Client
	userAgent string
}

// Config configures the HTTP transport
type Config struct {
	Timeout    time.Duration
	UserAgent  string
	HTTPClient *http.Client // optional, e.g. an httptest server client
	Logger     logrus.FieldLogger
}

// NewHTTP creates the HTTP transport
func NewHTTP(cfg Config) *HTTP {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := retryablehttp.NewClient()
	c.RetryMax = 0
	c.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		return false, nil
	}
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if cfg.HTTPClient != nil {
		c.HTTPClient = cfg.HTTPClient
	}
	c.HTTPClient.Timeout = timeout

	if cfg.Logger != nil {
		c.Logger = leveledLogger{cfg.Logger}
	} else {
		c.Logger = nil
	}

	return &HTTP{client: c, userAgent: cfg.UserAgent}
}

// Do executes exactly one HTTP exchange
func (t *HTTP) Do(ctx context.Context, r Request) (*Response, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	target := r.URL
	if len(r.Query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + r.Query.Encode()
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	for key, values := range r.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		// url.Error carries the full request URL, api key included
		var ue *url.Error
		if errors.As(err, &ue) {
			ue.URL = redactURL(ue.URL)
		}
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}, nil
}

// leveledLogger adapts logrus to retryablehttp.LeveledLogger
type leveledLogger struct {
	logger logrus.FieldLogger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).Error(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).Warn(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).Debug(msg)
}

func fields(keysAndValues []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		switch v := keysAndValues[i+1].(type) {
		case error:
			f[key] = redactText(v.Error())
		case string:
			if key == "url" {
				// the query string carries the api key
				f[key] = redactURL(v)
			} else {
				f[key] = redactText(v)
			}
		default:
			if key == "url" {
				f[key] = redactURL(fmt.Sprint(v))
			} else {
				f[key] = v
			}
		}
	}
	return f
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Has("apiKey") {
		q.Set("apiKey", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// redactText masks every apiKey query value embedded in free text
func redactText(s string) string {
	const marker = "apiKey="
	var b strings.Builder
	for {
		i := strings.Index(s, marker)
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i+len(marker)])
		b.WriteString("REDACTED")
		s = s[i+len(marker):]

		end := strings.IndexAny(s, "&\"' #")
		if end < 0 {
			return b.String()
		}
		s = s[end:]
	}
}
