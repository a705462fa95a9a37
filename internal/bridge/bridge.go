// Package bridge delivers sync queue items to the hospital dashboard. The
// endpoint scheme picks the transport: http(s) posts each item, kafka://
// produces it to a topic.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"caresync/internal/syncqueue"
	"caresync/pkg/platform/circuit"
	"caresync/pkg/platform/sentinel"
)

var (
	// ErrNotConfigured keeps items pending while no dashboard bridge is enabled.
	ErrNotConfigured = errors.New("dashboard bridge not configured")
	// ErrCircuitOpen is returned without contacting the dashboard.
	ErrCircuitOpen = errors.New("dashboard circuit open")
)

// Deliverer is a syncqueue.Deliverer that owns connections.
type Deliverer interface {
	syncqueue.Deliverer
	Close() error
}

type options struct {
	logger     *slog.Logger
	httpClient *http.Client
	timeout    time.Duration
	secret     []byte
	breaker    *circuit.Breaker
	partitions int32
}

type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) {
		o.httpClient = hc
	}
}

// WithTimeout bounds a single delivery when the caller has no deadline.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithSigningSecret signs HTTP deliveries with HMAC-SHA256.
func WithSigningSecret(secret string) Option {
	return func(o *options) {
		if secret != "" {
			o.secret = []byte(secret)
		}
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(o *options) {
		o.breaker = b
	}
}

// WithPartitions sets the partition count used when creating a missing topic.
func WithPartitions(n int32) Option {
	return func(o *options) {
		if n > 0 {
			o.partitions = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:     slog.Default(),
		timeout:    15 * time.Second,
		partitions: 1,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{}
	}
	if o.breaker == nil {
		o.breaker = circuit.New("dashboard")
	}
	return o
}

// Open builds the deliverer for endpoint.
func Open(ctx context.Context, endpoint string, opts ...Option) (Deliverer, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: bridge endpoint %q", sentinel.ErrInvalidConfig, endpoint)
	}
	switch u.Scheme {
	case "http", "https":
		return NewHTTP(endpoint, opts...)
	case "kafka":
		return NewKafka(ctx, endpoint, opts...)
	}
	return nil, fmt.Errorf("%w: unsupported bridge scheme %q", sentinel.ErrInvalidConfig, u.Scheme)
}

// Router follows the configured endpoint. It rebuilds the underlying
// deliverer when the endpoint changes, so a config reload takes effect on the
// next delivery.
type Router struct {
	endpoint func() string
	opts     []Option
	logger   *slog.Logger

	mu      sync.Mutex
	current Deliverer
	target  string
}

// NewRouter returns a router reading the endpoint from fn. An empty endpoint
// means the bridge is disabled.
func NewRouter(fn func() string, opts ...Option) *Router {
	return &Router{
		endpoint: fn,
		opts:     opts,
		logger:   buildOptions(opts).logger,
	}
}

func (r *Router) Deliver(ctx context.Context, item syncqueue.Item) error {
	d, err := r.resolve(ctx)
	if err != nil {
		return err
	}
	return d.Deliver(ctx, item)
}

func (r *Router) resolve(ctx context.Context) (Deliverer, error) {
	target := r.endpoint()

	r.mu.Lock()
	defer r.mu.Unlock()
	if target == r.target && r.current != nil {
		return r.current, nil
	}
	if r.current != nil {
		if err := r.current.Close(); err != nil {
			r.logger.WarnContext(ctx, "closing previous dashboard bridge", "error", err)
		}
		r.current, r.target = nil, ""
	}
	if target == "" {
		return nil, ErrNotConfigured
	}

	d, err := Open(ctx, target, r.opts...)
	if err != nil {
		return nil, fmt.Errorf("open dashboard bridge: %w", err)
	}
	r.current, r.target = d, target
	r.logger.InfoContext(ctx, "dashboard bridge ready", "endpoint", redactEndpoint(target))
	return d, nil
}

func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}
	err := r.current.Close()
	r.current, r.target = nil, ""
	return err
}

func redactEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "invalid"
	}
	return u.Redacted()
}
