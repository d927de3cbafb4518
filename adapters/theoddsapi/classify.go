package theoddsapi

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/XavierBriggs/Iris/internal/transport"
	"github.com/XavierBriggs/Iris/pkg/apierr"
)

// Provider error codes and phrases that mean the billing-period quota is
// gone, whatever status code carries them
var (
	quotaCodes   = []string{"OUT_OF_USAGE_CREDITS", "QUOTA_EXCEEDED", "USAGE_LIMIT_REACHED"}
	quotaPhrases = []string{"usage quota", "quota exceeded", "quota has been reached", "usage credits", "plan limit", "upgrade your plan"}
)

// Classify maps one transport outcome to nil (success) or a typed
// *apierr.Error. A cancelled ctx is returned untouched.
func Classify(ctx context.Context, resp *transport.Response, err error) error {
	return classify(ctx, resp, err, time.Now())
}

func classify(ctx context.Context, resp *transport.Response, err error, now time.Time) error {
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.Canceled), errors.Is(err, context.Canceled):
			return err
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return apierr.Timeout(apierr.Transient(err))
		default:
			return apierr.Transient(err)
		}
	}
	if resp == nil {
		return apierr.Transient(errors.New("empty response"))
	}

	status := resp.StatusCode
	if status >= 200 && status < 300 {
		return nil
	}

	body := parseErrorBody(resp.Body)
	base := &apierr.Error{
		StatusCode: status,
		Code:       body.ErrorCode,
		Details:    firstNonEmpty(body.Message, body.Details),
	}

	// 429 is a rate limit by status alone, whatever its body says
	quota := status == http.StatusPaymentRequired ||
		(status >= 400 && status < 500 && status != http.StatusTooManyRequests && hasQuotaMarker(body, resp.Body))
	if quota {
		base.Kind = apierr.KindQuotaExceeded
		base.Message = "usage quota exceeded"
		return base
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		base.Kind = apierr.KindAuthentication
		base.Message = "authentication failed"
	case status == http.StatusTooManyRequests:
		base.Kind = apierr.KindRateLimit
		base.Message = "rate limit exceeded"
		base.RetryAfter = retryAfter(resp.Header, body, now)
	case status >= 400 && status < 500:
		base.Kind = apierr.KindValidation
		base.Message = "invalid request"
		if base.Details == "" {
			base.Details = http.StatusText(status)
		}
	default:
		base.Kind = apierr.KindTransient
		base.Message = "provider unavailable"
	}
	return base
}

func parseErrorBody(raw []byte) providerError {
	var body providerError
	if len(raw) == 0 {
		return body
	}
	// non-JSON error bodies are common behind proxies; keep the text
	if err := json.Unmarshal(raw, &body); err != nil {
		text := strings.TrimSpace(string(raw))
		if len(text) > 200 {
			text = text[:200]
		}
		body = providerError{Message: text}
	}
	return body
}

func hasQuotaMarker(body providerError, raw []byte) bool {
	code := strings.ToUpper(body.ErrorCode)
	for _, c := range quotaCodes {
		if code == c {
			return true
		}
	}

	lower := strings.ToLower(string(raw))
	for _, c := range quotaCodes {
		if strings.Contains(lower, strings.ToLower(c)) {
			return true
		}
	}
	for _, p := range quotaPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// retryAfter reads the Retry-After header (delta-seconds or HTTP-date),
// falling back to a retry_after/retryAfter body field in seconds
func retryAfter(h http.Header, body providerError, now time.Time) *time.Duration {
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 && !math.IsInf(secs, 0) {
			d := time.Duration(secs * float64(time.Second))
			return &d
		}
		if at, err := http.ParseTime(v); err == nil {
			d := at.Sub(now)
			if d < 0 {
				d = 0
			}
			return &d
		}
	}

	for _, f := range []optFloat{body.RetryAfter, body.RetryAlt} {
		if f.Valid && f.Value >= 0 {
			d := time.Duration(f.Value * float64(time.Second))
			return &d
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
