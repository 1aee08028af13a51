// Package telemetry records HTTP and event metrics and serves them in the
// Prometheus text exposition format.
package telemetry

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/websocket"
)

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// histogram keeps non-cumulative bucket counts; export makes them cumulative.
type histogram struct {
	boundaries   []float64
	mu           sync.Mutex
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{boundaries: boundaries, bucketCounts: make([]int64, len(boundaries))}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	for {
		old := atomic.LoadUint64(&h.sum)
		if atomic.CompareAndSwapUint64(&h.sum, old, math.Float64bits(math.Float64frombits(old)+v)) {
			break
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 { return math.Float64frombits(atomic.LoadUint64(&h.sum)) }

func (h *histogram) cumulative() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int64, len(h.bucketCounts))
	var running int64
	for i, c := range h.bucketCounts {
		running += c
		out[i] = running
	}
	return out
}

type gauge struct {
	name string
	help string
	read func() int64
}

// Provider holds every metric the server exports. Safe for concurrent use.
type Provider struct {
	mu        sync.RWMutex
	durations map[string]*histogram // method|route|status
	events    map[string]*int64     // event type
	gauges    []gauge
	active    int64
}

func NewProvider() *Provider {
	return &Provider{
		durations: make(map[string]*histogram),
		events:    make(map[string]*int64),
	}
}

// RegisterGauge exports read() under name on every scrape.
func (p *Provider) RegisterGauge(name, help string, read func() int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gauges = append(p.gauges, gauge{name: name, help: help, read: read})
}

func labelsKey(method, route, status string) string {
	return method + "|" + route + "|" + status
}

func (p *Provider) observe(key string, seconds float64) {
	p.mu.RLock()
	h, ok := p.durations[key]
	p.mu.RUnlock()
	if !ok {
		p.mu.Lock()
		if h, ok = p.durations[key]; !ok {
			h = newHistogram(defaultDurationBuckets)
			p.durations[key] = h
		}
		p.mu.Unlock()
	}
	h.Observe(seconds)
}

// CountEvent increments the counter for one published event type.
func (p *Provider) CountEvent(eventType string) {
	p.mu.RLock()
	c, ok := p.events[eventType]
	p.mu.RUnlock()
	if !ok {
		p.mu.Lock()
		if c, ok = p.events[eventType]; !ok {
			c = new(int64)
			p.events[eventType] = c
		}
		p.mu.Unlock()
	}
	atomic.AddInt64(c, 1)
}

// EventCount returns how many events of eventType were counted.
func (p *Provider) EventCount(eventType string) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if c, ok := p.events[eventType]; ok {
		return atomic.LoadInt64(c)
	}
	return 0
}

// RequestCount returns the number of requests observed for one label set.
func (p *Provider) RequestCount(method, route string, status int) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if h, ok := p.durations[labelsKey(method, route, strconv.Itoa(status))]; ok {
		return h.Count()
	}
	return 0
}

// Middleware records request duration by route pattern.
func (p *Provider) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&p.active, 1)
			defer atomic.AddInt64(&p.active, -1)

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil && !c.Response().Committed {
				status = apperr.StatusOf(err)
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			p.observe(labelsKey(c.Request().Method, route, strconv.Itoa(status)), time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves /metrics.
func (p *Provider) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		p.mu.RLock()
		durations := make(map[string]*histogram, len(p.durations))
		for k, v := range p.durations {
			durations[k] = v
		}
		events := make(map[string]int64, len(p.events))
		for k, v := range p.events {
			events[k] = atomic.LoadInt64(v)
		}
		gauges := append([]gauge(nil), p.gauges...)
		p.mu.RUnlock()

		name := "http_server_request_duration_seconds"
		fmt.Fprintf(&b, "# HELP %s Duration of HTTP requests in seconds.\n", name)
		fmt.Fprintf(&b, "# TYPE %s histogram\n", name)
		for _, key := range sortedKeys(durations) {
			parts := strings.SplitN(key, "|", 3)
			labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
			writeHistogram(&b, name, labels, durations[key])
		}
		b.WriteByte('\n')

		b.WriteString("# HELP http_server_active_requests Number of in-flight HTTP requests.\n")
		b.WriteString("# TYPE http_server_active_requests gauge\n")
		fmt.Fprintf(&b, "http_server_active_requests %d\n\n", atomic.LoadInt64(&p.active))

		b.WriteString("# HELP medvault_events_published_total Events published to connected accounts.\n")
		b.WriteString("# TYPE medvault_events_published_total counter\n")
		for _, typ := range sortedKeys(events) {
			fmt.Fprintf(&b, "medvault_events_published_total{type=%q} %d\n", typ, events[typ])
		}
		b.WriteByte('\n')

		for _, g := range gauges {
			fmt.Fprintf(&b, "# HELP %s %s\n", g.name, g.help)
			fmt.Fprintf(&b, "# TYPE %s gauge\n", g.name)
			fmt.Fprintf(&b, "%s %d\n\n", g.name, g.read())
		}

		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
	}
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulative()
	total := h.Count()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, total)
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, total)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// countingPublisher counts every event before handing it on.
type countingPublisher struct {
	next websocket.Publisher
	p    *Provider
}

// CountingPublisher wraps next so each published event is counted by type.
func (p *Provider) CountingPublisher(next websocket.Publisher) websocket.Publisher {
	return countingPublisher{next: next, p: p}
}

func (c countingPublisher) Publish(ctx context.Context, event websocket.Event) error {
	c.p.CountEvent(event.Type)
	return c.next.Publish(ctx, event)
}
