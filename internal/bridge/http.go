package bridge

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"caresync/internal/syncqueue"
	"caresync/pkg/platform/sentinel"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerSignature      = "X-Caresync-Signature"
)

// HTTPDeliverer posts items to {endpoint}/events/{type}.
type HTTPDeliverer struct {
	base string
	opts options
}

func NewHTTP(endpoint string, opts ...Option) (*HTTPDeliverer, error) {
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: dashboard endpoint %q", sentinel.ErrInvalidConfig, endpoint)
	}
	return &HTTPDeliverer{
		base: strings.TrimRight(endpoint, "/"),
		opts: buildOptions(opts),
	}, nil
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (d *HTTPDeliverer) Deliver(ctx context.Context, item syncqueue.Item) error {
	breaker := d.opts.breaker
	if !breaker.Allow() {
		return ErrCircuitOpen
	}

	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode item %s: %w: %w", item.ID, syncqueue.ErrRejected, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		d.base+"/events/"+url.PathEscape(string(item.Type)), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build dashboard request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerIdempotencyKey, item.ID)
	if d.opts.secret != nil {
		req.Header.Set(headerSignature, Sign(d.opts.secret, body))
	}

	resp, err := d.opts.httpClient.Do(req)
	if err != nil {
		d.recordFailure(ctx)
		return fmt.Errorf("post to dashboard: %w", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		breaker.RecordSuccess()
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("dashboard returned %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		d.recordFailure(ctx)
		return fmt.Errorf("dashboard returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	default:
		breaker.RecordSuccess()
		return fmt.Errorf("dashboard returned %d: %s: %w", resp.StatusCode, bytes.TrimSpace(snippet), syncqueue.ErrRejected)
	}
}

func (d *HTTPDeliverer) recordFailure(ctx context.Context) {
	if _, change := d.opts.breaker.RecordFailure(); change.Opened {
		d.opts.logger.WarnContext(ctx, "dashboard circuit opened", "breaker", d.opts.breaker.Name())
	}
}

func (d *HTTPDeliverer) Close() error {
	d.opts.httpClient.CloseIdleConnections()
	return nil
}
