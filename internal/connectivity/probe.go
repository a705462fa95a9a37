package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Prober polls a URL and is online while the URL answers with any status
// below 500.
type Prober struct {
	broadcaster

	url      string
	interval time.Duration
	timeout  time.Duration
	client   *http.Client
	logger   *slog.Logger
	onChange func(online bool)
}

type ProberOption func(*Prober)

func WithInterval(d time.Duration) ProberOption {
	return func(p *Prober) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithProbeTimeout(d time.Duration) ProberOption {
	return func(p *Prober) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithHTTPClient(c *http.Client) ProberOption {
	return func(p *Prober) {
		p.client = c
	}
}

func WithLogger(logger *slog.Logger) ProberOption {
	return func(p *Prober) {
		p.logger = logger
	}
}

// WithOnChange calls fn after every state transition.
func WithOnChange(fn func(online bool)) ProberOption {
	return func(p *Prober) {
		p.onChange = fn
	}
}

// NewProber starts offline; the first Check or Run decides the state.
func NewProber(url string, opts ...ProberOption) *Prober {
	p := &Prober{
		url:      url,
		interval: 15 * time.Second,
		timeout:  5 * time.Second,
		client:   &http.Client{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Check probes once and updates the state.
func (p *Prober) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	online := false
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err == nil {
		resp, err := p.client.Do(req)
		if err == nil {
			resp.Body.Close()
			online = resp.StatusCode < 500
		}
	}
	if p.set(online) {
		p.logger.InfoContext(ctx, "connectivity changed", "online", online, "url", p.url)
		if p.onChange != nil {
			p.onChange(online)
		}
	}
	return online
}

// Run probes until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	p.Check(ctx)
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			p.Check(ctx)
		}
	}
}
