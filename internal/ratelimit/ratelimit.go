// Package ratelimit throttles outbound HTTP requests made by handlers so a
// burst of vault changes cannot hammer an external service.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter applies a shared limit across all hosts and a separate limit per
// host. A non-positive rate disables that tier.
type Limiter struct {
	global  *rate.Limiter
	perHost sync.Map // host -> *rate.Limiter

	hostRate  rate.Limit
	hostBurst int
}

// New creates a limiter. Rates are requests per second.
func New(globalRate, hostRate float64) *Limiter {
	l := &Limiter{
		hostRate:  limitFor(hostRate),
		hostBurst: burstFor(hostRate),
	}
	if globalRate > 0 {
		l.global = rate.NewLimiter(rate.Limit(globalRate), burstFor(globalRate))
	}
	return l
}

func limitFor(r float64) rate.Limit {
	if r <= 0 {
		return rate.Inf
	}
	return rate.Limit(r)
}

// burstFor allows two seconds worth of requests, at least one.
func burstFor(r float64) int {
	b := int(r * 2)
	if b < 1 {
		b = 1
	}
	return b
}

// Wait blocks until a request to host is allowed or ctx is done.
func (l *Limiter) Wait(ctx context.Context, host string) error {
	if l.global != nil {
		if err := l.global.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}
	if err := l.hostLimiter(host).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit %s: %w", host, err)
	}
	return nil
}

func (l *Limiter) hostLimiter(host string) *rate.Limiter {
	host = strings.ToLower(host)
	if v, ok := l.perHost.Load(host); ok {
		return v.(*rate.Limiter)
	}
	actual, _ := l.perHost.LoadOrStore(host, rate.NewLimiter(l.hostRate, l.hostBurst))
	return actual.(*rate.Limiter)
}

// Transport is an http.RoundTripper that waits on a Limiter before each
// request.
type Transport struct {
	Limiter *Limiter
	Base    http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.Limiter.Wait(req.Context(), req.URL.Hostname()); err != nil {
		return nil, err
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// NewClient returns an HTTP client throttled by l.
func NewClient(l *Limiter, timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &Transport{Limiter: l},
		Timeout:   timeout,
	}
}
