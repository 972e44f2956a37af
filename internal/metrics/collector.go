// Package metrics exposes process counters in the Prometheus text format.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide registry.
var Collector = NewRegistry()

// Registry holds counters, gauges and histograms keyed by name and labels.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	help       map[string]string
	startTime  time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		help:       make(map[string]string),
		startTime:  time.Now(),
	}
}

// Counter only goes up.
type Counter struct {
	name   string
	labels string
	value  atomic.Int64
}

func (c *Counter) Inc() { c.value.Add(1) }
func (c *Counter) Add(n int64) { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

type Gauge struct {
	name   string
	labels string
	value  atomic.Int64
}

func (g *Gauge) Set(v int64) { g.value.Store(v) }
func (g *Gauge) Inc() { g.value.Add(1) }
func (g *Gauge) Dec() { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

type Histogram struct {
	name    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	bounds  []float64
	buckets []int64
}

// Observe records v in every bucket whose bound is >= v.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.buckets[i]++
		}
	}
}

// ObserveSince records the seconds elapsed since start.
func (h *Histogram) ObserveSince(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Labels renders label pairs as k="v",... in the given order.
func Labels(kv ...string) string {
	parts := make([]string, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		parts = append(parts, fmt.Sprintf("%s=%q", kv[i], kv[i+1]))
	}
	return strings.Join(parts, ",")
}

func key(name, labels string) string { return name + "{" + labels + "}" }

func (r *Registry) Counter(name, help, labels string) *Counter {
	k := key(name, labels)
	r.mu.RLock()
	c, ok := r.counters[k]
	r.mu.RUnlock()
	if ok {
		return c
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[k]; ok {
		return c
	}
	c = &Counter{name: name, labels: labels}
	r.counters[k] = c
	r.help[name] = help
	return c
}

func (r *Registry) Gauge(name, help, labels string) *Gauge {
	k := key(name, labels)
	r.mu.RLock()
	g, ok := r.gauges[k]
	r.mu.RUnlock()
	if ok {
		return g
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[k]; ok {
		return g
	}
	g = &Gauge{name: name, labels: labels}
	r.gauges[k] = g
	r.help[name] = help
	return g
}

func (r *Registry) Histogram(name, help, labels string, bounds []float64) *Histogram {
	k := key(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[k]; ok {
		return h
	}
	b := append([]float64(nil), bounds...)
	sort.Float64s(b)
	if len(b) == 0 || !math.IsInf(b[len(b)-1], 1) {
		b = append(b, math.Inf(1))
	}
	h := &Histogram{name: name, labels: labels, bounds: b, buckets: make([]int64, len(b))}
	r.histograms[k] = h
	r.help[name] = help
	return h
}

// Handler serves the registry in Prometheus text exposition format, sorted
// by metric name and labels.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, r.Render())
	}
}

func (r *Registry) Render() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "# HELP chatbridge_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE chatbridge_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "chatbridge_uptime_seconds %d\n", int64(time.Since(r.startTime).Seconds()))

	header := func(name, typ string, seen map[string]bool) {
		if seen[name] {
			return
		}
		seen[name] = true
		fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s %s\n", name, r.help[name], name, typ)
	}
	series := func(name, labels string) string {
		if labels == "" {
			return name
		}
		return name + "{" + labels + "}"
	}

	seen := map[string]bool{}
	for _, k := range sortedKeys(r.counters) {
		c := r.counters[k]
		header(c.name, "counter", seen)
		fmt.Fprintf(&sb, "%s %d\n", series(c.name, c.labels), c.Value())
	}
	for _, k := range sortedKeys(r.gauges) {
		g := r.gauges[k]
		header(g.name, "gauge", seen)
		fmt.Fprintf(&sb, "%s %d\n", series(g.name, g.labels), g.Value())
	}
	for _, k := range sortedKeys(r.histograms) {
		h := r.histograms[k]
		header(h.name, "histogram", seen)
		h.mu.Lock()
		sep := ""
		if h.labels != "" {
			sep = ","
		}
		for i, le := range h.bounds {
			bound := fmt.Sprintf("%g", le)
			if math.IsInf(le, 1) {
				bound = "+Inf"
			}
			fmt.Fprintf(&sb, "%s_bucket{%s%sle=%q} %d\n", h.name, h.labels, sep, bound, h.buckets[i])
		}
		fmt.Fprintf(&sb, "%s %d\n", series(h.name+"_count", h.labels), h.count)
		fmt.Fprintf(&sb, "%s %g\n", series(h.name+"_sum", h.labels), h.sum)
		h.mu.Unlock()
	}
	return sb.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Per-channel series used across the service.

func ActiveSessions(channel string) *Gauge {
	return Collector.Gauge("chatbridge_active_sessions", "Live authenticated sessions", Labels("channel", channel))
}

func FragmentsTotal(channel string) *Counter {
	return Collector.Counter("chatbridge_fragments_total", "Inbound fragments accepted for aggregation", Labels("channel", channel))
}

func BundlesTotal(channel string) *Counter {
	return Collector.Counter("chatbridge_bundles_total", "Bundles handed to the orchestrator", Labels("channel", channel))
}

func RepliesTotal(channel, status string) *Counter {
	return Collector.Counter("chatbridge_replies_total", "Replies by outcome", Labels("channel", channel, "status", status))
}

func ProcessLatency(channel string) *Histogram {
	return Collector.Histogram("chatbridge_process_seconds", "Bundle processing latency in seconds",
		Labels("channel", channel), []float64{0.5, 1, 2, 5, 10, 30, 60, 120})
}
