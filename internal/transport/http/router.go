package httptransport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"caresync/internal/audit"
	"caresync/internal/backend"
	"caresync/internal/backup"
	"caresync/internal/domain"
	"caresync/internal/platform/middleware"
	"caresync/internal/syncqueue"
)

// Backend is the slice of the persistence facade the ops API drives.
type Backend interface {
	GetCollection(ctx context.Context, collection string) ([]domain.Record, error)
	Upsert(ctx context.Context, collection string, record domain.Record) error
	Insert(ctx context.Context, collection string, record domain.Record) error
	DeleteRecord(ctx context.Context, collection, id string) error
	Config() backend.Config
	SaveConfig(ctx context.Context, cfg backend.Config) error
}

// Queue is the sync queue as seen by the ops API.
type Queue interface {
	Enqueue(ctx context.Context, typ syncqueue.ItemType, payload json.RawMessage) (syncqueue.Item, error)
	Drain(ctx context.Context) (syncqueue.DrainResult, error)
	Flush(ctx context.Context) (syncqueue.DrainResult, error)
	Status(ctx context.Context) (syncqueue.Status, error)
	Items(ctx context.Context) ([]syncqueue.Item, error)
	DeadLetters(ctx context.Context) ([]syncqueue.Item, error)
	Requeue(ctx context.Context) (int, error)
}

type Exporter interface {
	Export(ctx context.Context, target backup.Target) (backup.Manifest, error)
}

// Auditor records operator actions. Emit must not block the request.
type Auditor interface {
	Emit(ctx context.Context, ev audit.Event)
}

// Handler is the thin HTTP layer over the facade, the queue and the backup
// exporter. It holds no state of its own.
type Handler struct {
	backend  Backend
	queue    Queue
	exporter Exporter
	auditor  Auditor
	logger   *slog.Logger
	latency  middleware.LatencyObserver
	gatherer prometheus.Gatherer
	opsToken string
	timeout  time.Duration
}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

func WithLatencyObserver(o middleware.LatencyObserver) Option {
	return func(h *Handler) {
		h.latency = o
	}
}

func WithAuditor(a Auditor) Option {
	return func(h *Handler) {
		h.auditor = a
	}
}

// WithGatherer serves /metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(h *Handler) {
		h.gatherer = g
	}
}

// WithOpsToken requires a bearer token on mutating routes.
func WithOpsToken(token string) Option {
	return func(h *Handler) {
		h.opsToken = token
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

func NewHandler(b Backend, q Queue, e Exporter, opts ...Option) *Handler {
	h := &Handler{
		backend:  b,
		queue:    q,
		exporter: e,
		logger:   slog.Default(),
		gatherer: prometheus.DefaultGatherer,
		timeout:  time.Minute,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewRouter wires every ops endpoint.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(h.logger, h.latency))
	r.Use(middleware.Recovery(h.logger))

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(timeout(h.timeout))
		r.Get("/status", h.handleStatus)
		r.Get("/config", h.handleGetConfig)
		r.Get("/collections/{name}", h.handleGetCollection)
		r.Get("/queue", h.handleQueueItems)
		r.Get("/queue/dead", h.handleDeadLetters)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireToken(h.opsToken, h.logger))
			r.Put("/config", h.handlePutConfig)
			r.Post("/collections/{name}", h.handleInsert)
			r.Put("/collections/{name}/{id}", h.handleUpsert)
			r.Delete("/collections/{name}/{id}", h.handleDelete)
			r.Post("/queue/drain", h.handleDrain)
			r.Post("/queue/requeue", h.handleRequeue)
			r.Post("/queue/{type}", h.handleEnqueue)
			r.Post("/backup", h.handleBackup)
		})
	})
	return r
}

// record emits an audit event for a mutating ops call. A non-nil err is kept
// as the reason.
func (h *Handler) record(ctx context.Context, action, subject string, err error) {
	if h.auditor == nil {
		return
	}
	ev := audit.Event{
		Action:    action,
		Actor:     "ops-api",
		RequestID: middleware.GetRequestID(ctx),
		Subject:   subject,
	}
	if err != nil {
		ev.Reason = err.Error()
	}
	h.auditor.Emit(ctx, ev)
}

func timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
