// Package metrics provides Prometheus-compatible metrics for keybridge.
//
// Features:
//   - Counters for packets, decode errors and handled dispatches
//   - Gauges for pressed keys, listeners and host connections
//   - Histograms for dispatch latency
//   - Optional HTTP endpoint for scraping
//   - Thread-safe operations
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType represents the type of metric.
type MetricType int

const (
	// TypeCounter is a monotonically increasing counter.
	TypeCounter MetricType = iota
	// TypeGauge is a value that can go up and down.
	TypeGauge
	// TypeHistogram is a distribution of values.
	TypeHistogram
)

// String returns the string representation of the metric type.
func (t MetricType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
	case TypeHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// Labels represents metric labels.
type Labels map[string]string

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// String renders labels in exposition format, sorted by name.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}

	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(l))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf(`%s="%s"`, k, labelEscaper.Replace(l[k])))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// with renders l plus one extra pair.
func (l Labels) with(k, v string) string {
	merged := make(Labels, len(l)+1)
	for lk, lv := range l {
		merged[lk] = lv
	}
	merged[k] = v
	return merged.String()
}

func (l Labels) clone() Labels {
	if l == nil {
		return nil
	}
	out := make(Labels, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels Labels
	value  atomic.Uint64
}

// NewCounter creates a new Counter.
func NewCounter(name, help string, labels Labels) *Counter {
	return &Counter{name: name, help: help, labels: labels.clone()}
}

// Inc increments the counter by 1.
func (c *Counter) Inc() {
	c.value.Add(1)
}

// Add adds the given value to the counter.
func (c *Counter) Add(v uint64) {
	c.value.Add(v)
}

// Value returns the current value.
func (c *Counter) Value() uint64 {
	return c.value.Load()
}

// Name returns the metric name.
func (c *Counter) Name() string {
	return c.name
}

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels Labels
	value  atomic.Int64
}

// NewGauge creates a new Gauge.
func NewGauge(name, help string, labels Labels) *Gauge {
	return &Gauge{name: name, help: help, labels: labels.clone()}
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(v int64) {
	g.value.Store(v)
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc() {
	g.value.Add(1)
}

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() {
	g.value.Add(-1)
}

// Value returns the current value.
func (g *Gauge) Value() int64 {
	return g.value.Load()
}

// Name returns the metric name.
func (g *Gauge) Name() string {
	return g.name
}

// Histogram tracks the distribution of values.
type Histogram struct {
	name    string
	help    string
	labels  Labels
	buckets []float64

	mu     sync.Mutex
	counts []uint64 // per bucket, last is +Inf
	sum    float64
	count  uint64
}

// DurationBuckets are buckets for duration histograms (in seconds). Listener
// dispatch is expected in the microsecond range.
var DurationBuckets = []float64{
	0.00001, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05, 0.1, 1,
}

// NewHistogram creates a new Histogram. Nil buckets means DurationBuckets.
func NewHistogram(name, help string, labels Labels, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = DurationBuckets
	}

	sorted := make([]float64, len(buckets))
	copy(sorted, buckets)
	sort.Float64s(sorted)

	return &Histogram{
		name:    name,
		help:    help,
		labels:  labels.clone(),
		buckets: sorted,
		counts:  make([]uint64, len(sorted)+1),
	}
}

// Observe records a value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += v
	h.count++
	// First bucket whose upper bound is >= v; le is inclusive.
	h.counts[sort.SearchFloat64s(h.buckets, v)]++
}

// ObserveDuration records a duration in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

// Name returns the metric name.
func (h *Histogram) Name() string {
	return h.name
}

// Count returns the count of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Sum returns the sum of observed values.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

// Mean returns the mean of observed values.
func (h *Histogram) Mean() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return 0
	}
	return h.sum / float64(h.count)
}

// Cumulative returns the cumulative count per bucket bound, +Inf last.
func (h *Histogram) Cumulative() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]uint64, len(h.counts))
	var running uint64
	for i, c := range h.counts {
		running += c
		out[i] = running
	}
	return out
}

// Registry holds all registered metrics. A metric is identified by its full
// name plus its label set, so one family can carry several label values.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram

	namespace string
	subsystem string
}

// NewRegistry creates a new Registry.
func NewRegistry(namespace, subsystem string) *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		namespace:  namespace,
		subsystem:  subsystem,
	}
}

func (r *Registry) fullName(name string) string {
	parts := make([]string, 0, 3)
	if r.namespace != "" {
		parts = append(parts, r.namespace)
	}
	if r.subsystem != "" {
		parts = append(parts, r.subsystem)
	}
	parts = append(parts, name)
	return strings.Join(parts, "_")
}

func (r *Registry) id(name string, labels Labels) string {
	return r.fullName(name) + labels.String()
}

// RegisterCounter returns the counter for name and labels, creating it on
// first use.
func (r *Registry) RegisterCounter(name, help string, labels Labels) *Counter {
	id := r.id(name, labels)

	r.mu.RLock()
	c, ok := r.counters[id]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[id]; ok {
		return c
	}
	c = NewCounter(r.fullName(name), help, labels)
	r.counters[id] = c
	return c
}

// RegisterGauge returns the gauge for name and labels, creating it on first
// use.
func (r *Registry) RegisterGauge(name, help string, labels Labels) *Gauge {
	id := r.id(name, labels)

	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[id]; ok {
		return g
	}
	g := NewGauge(r.fullName(name), help, labels)
	r.gauges[id] = g
	return g
}

// RegisterHistogram returns the histogram for name and labels, creating it
// on first use.
func (r *Registry) RegisterHistogram(name, help string, labels Labels, buckets []float64) *Histogram {
	id := r.id(name, labels)

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[id]; ok {
		return h
	}
	h := NewHistogram(r.fullName(name), help, labels, buckets)
	r.histograms[id] = h
	return h
}

// GetCounter returns a registered counter or nil.
func (r *Registry) GetCounter(name string, labels Labels) *Counter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[r.id(name, labels)]
}

// GetGauge returns a registered gauge or nil.
func (r *Registry) GetGauge(name string, labels Labels) *Gauge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gauges[r.id(name, labels)]
}

// GetHistogram returns a registered histogram or nil.
func (r *Registry) GetHistogram(name string, labels Labels) *Histogram {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.histograms[r.id(name, labels)]
}

func sortedIDs[T any](m map[string]T) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// family writes HELP and TYPE once per metric name.
type family struct {
	w    io.Writer
	last string
}

func (f *family) header(name, help string, t MetricType) {
	if name == f.last {
		return
	}
	f.last = name
	fmt.Fprintf(f.w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(f.w, "# TYPE %s %s\n", name, t)
}

// WritePrometheus writes metrics in Prometheus text format, sorted by name
// and labels.
func (r *Registry) WritePrometheus(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f := &family{w: w}
	for _, id := range sortedIDs(r.counters) {
		c := r.counters[id]
		f.header(c.name, c.help, TypeCounter)
		fmt.Fprintf(w, "%s%s %d\n", c.name, c.labels.String(), c.Value())
	}

	for _, id := range sortedIDs(r.gauges) {
		g := r.gauges[id]
		f.header(g.name, g.help, TypeGauge)
		fmt.Fprintf(w, "%s%s %d\n", g.name, g.labels.String(), g.Value())
	}

	for _, id := range sortedIDs(r.histograms) {
		h := r.histograms[id]
		f.header(h.name, h.help, TypeHistogram)

		cumulative := h.Cumulative()
		for i, bound := range h.buckets {
			fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, h.labels.with("le", formatBound(bound)), cumulative[i])
		}
		fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, h.labels.with("le", "+Inf"), cumulative[len(h.buckets)])
		fmt.Fprintf(w, "%s_sum%s %g\n", h.name, h.labels.String(), h.Sum())
		if _, err := fmt.Fprintf(w, "%s_count%s %d\n", h.name, h.labels.String(), h.Count()); err != nil {
			return err
		}
	}
	return nil
}

func formatBound(b float64) string {
	return fmt.Sprintf("%g", b)
}

// WriteJSON writes metrics as a JSON object keyed by name plus labels.
func (r *Registry) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r.Snapshot())
}

// Snapshot returns current values keyed by name plus labels. Histograms
// contribute _count, _sum and _mean entries.
func (r *Registry) Snapshot() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[string]any, len(r.counters)+len(r.gauges)+3*len(r.histograms))
	for id, c := range r.counters {
		snapshot[id] = c.Value()
	}
	for id, g := range r.gauges {
		snapshot[id] = g.Value()
	}
	for _, h := range r.histograms {
		labels := h.labels.String()
		snapshot[h.name+"_count"+labels] = h.Count()
		snapshot[h.name+"_sum"+labels] = h.Sum()
		snapshot[h.name+"_mean"+labels] = h.Mean()
	}
	return snapshot
}

// Reset zeroes every metric.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.counters {
		c.value.Store(0)
	}
	for _, g := range r.gauges {
		g.value.Store(0)
	}
	for _, h := range r.histograms {
		h.mu.Lock()
		h.sum = 0
		h.count = 0
		clear(h.counts)
		h.mu.Unlock()
	}
}

// HTTPHandler serves the text format, or JSON when the client asks for it.
func (r *Registry) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if strings.Contains(req.Header.Get("Accept"), "application/json") {
			w.Header().Set("Content-Type", "application/json")
			r.WriteJSON(w)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.WritePrometheus(w)
	})
}

var (
	defaultMu       sync.RWMutex
	defaultRegistry = NewRegistry("keybridge", "")
)

// Default returns the process-wide registry.
func Default() *Registry {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRegistry
}

// SetDefault replaces the process-wide registry.
func SetDefault(r *Registry) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = r
}
