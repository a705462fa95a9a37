// Package rest is the Remote Store Adapter for a managed database exposing
// PostgREST-style table endpoints and a Phoenix-style realtime websocket.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"caresync/internal/domain"
)

const (
	restPath     = "/rest/v1/"
	realtimePath = "/realtime/v1/websocket"

	defaultTimeout   = 10 * time.Second
	defaultHeartbeat = 25 * time.Second
	maxErrorBody     = 64 << 10
)

// Metrics receives per-call observations. Implemented by platform/metrics.
type Metrics interface {
	ObserveRemoteRequest(op, collection, kind string, d time.Duration)
	IncRealtimeEvent(collection, eventType string)
	IncRealtimeReconnect(collection string)
}

// Client talks to one remote project identified by endpoint and key.
type Client struct {
	base       *url.URL
	key        string
	http       *http.Client
	dialer     *websocket.Dialer
	timeout    time.Duration
	heartbeat  time.Duration
	newBackOff func() backoff.BackOff
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    Metrics

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTimeout bounds each call whose context carries no deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithHeartbeat(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.heartbeat = d
		}
	}
}

// WithReconnectBackOff sets the policy used between realtime reconnects.
func WithReconnectBackOff(fn func() backoff.BackOff) Option {
	return func(c *Client) {
		c.newBackOff = fn
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		c.tracer = tp.Tracer("caresync/remote/rest")
	}
}

func WithMetrics(m Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// New validates the endpoint and builds a client. It performs no I/O.
func New(endpoint, key string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(endpoint), "/"))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, domain.NewStoreError(domain.KindFatal, "connect", "", fmt.Errorf("invalid endpoint %q", endpoint))
	}
	if strings.TrimSpace(key) == "" {
		return nil, domain.NewStoreError(domain.KindFatal, "connect", "", fmt.Errorf("api key is required"))
	}

	c := &Client{
		base:      u,
		key:       key,
		http:      &http.Client{},
		dialer:    websocket.DefaultDialer,
		timeout:   defaultTimeout,
		heartbeat: defaultHeartbeat,
		logger:    slog.Default(),
		tracer:    otel.Tracer("caresync/remote/rest"),
		subs:      make(map[*subscription]struct{}),
	}
	c.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 500 * time.Millisecond
		b.MaxInterval = 30 * time.Second
		b.MaxElapsedTime = 0
		return b
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close tears down every open subscription.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	subs := make([]*subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

func (c *Client) tableURL(collection string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + restPath + collection
	u.RawQuery = query.Encode()
	return u.String()
}

// do runs one REST call and decodes a 2xx body into out when out is non-nil.
func (c *Client) do(ctx context.Context, op, collection, method string, query url.Values, body any, prefer string, out any) (err error) {
	if !domain.ValidCollectionName(collection) {
		return domain.NewStoreError(domain.KindFatal, op, collection, domain.ErrInvalidCollection)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	ctx, span := c.tracer.Start(ctx, "remote."+op, trace.WithAttributes(
		attribute.String("caresync.collection", collection),
		attribute.String("http.request.method", method),
	))
	start := time.Now()
	defer func() {
		kind := string(domain.KindOf(err))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, kind)
		}
		span.End()
		if c.metrics != nil {
			if kind == "" {
				kind = "ok"
			}
			c.metrics.ObserveRemoteRequest(op, collection, kind, time.Since(start))
		}
	}()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return domain.NewStoreError(domain.KindFatal, op, collection, fmt.Errorf("encode body: %w", err))
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.tableURL(collection, query), reader)
	if err != nil {
		return domain.NewStoreError(domain.KindFatal, op, collection, err)
	}
	req.Header.Set("apikey", c.key)
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.NewStoreError(domain.KindTransient, op, collection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return classifyResponse(op, collection, resp.StatusCode, raw)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.NewStoreError(domain.KindTransient, op, collection, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
