package metrics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/prompb"
)

// DefaultTimeout bounds a single remote write request.
const DefaultTimeout = 30 * time.Second

// PushConfig configures a PushRegistry.
type PushConfig struct {
	// URL is the base URL of the remote write endpoint, e.g. http://localhost:8428.
	URL string
	// Prefix is prepended to every metric name, joined with an underscore.
	Prefix   string
	Job      string
	Instance string
	Timeout  time.Duration
}

// PushRegistry implements Registry for one-shot CLI runs. Instruments record
// into an in-memory buffer; Push sends the current value of every series in
// a single remote write request.
type PushRegistry struct {
	url        string
	httpClient *http.Client
	prefix     string
	job        string
	instance   string
	now        func() time.Time

	mu     sync.Mutex
	series map[string]*series
}

type series struct {
	name   string
	labels map[string]string
	value  float64
}

// NewPushRegistry creates a PushRegistry that writes to cfg.URL.
func NewPushRegistry(cfg PushConfig) *PushRegistry {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &PushRegistry{
		url:        strings.TrimSuffix(cfg.URL, "/") + "/api/v1/write",
		httpClient: &http.Client{Timeout: timeout},
		prefix:     cfg.Prefix,
		job:        cfg.Job,
		instance:   cfg.Instance,
		now:        time.Now,
		series:     make(map[string]*series),
	}
}

// NewGauge implements Registry.
func (r *PushRegistry) NewGauge(opts prometheus.GaugeOpts) (Gauge, error) {
	return pushGauge{r: r, name: opts.Name}, nil
}

// NewGaugeVec implements Registry.
func (r *PushRegistry) NewGaugeVec(opts prometheus.GaugeOpts, labels []string) (GaugeVec, error) {
	return pushVec{r: r, name: opts.Name, labels: labels}, nil
}

// NewCounter implements Registry.
func (r *PushRegistry) NewCounter(opts prometheus.CounterOpts) (Counter, error) {
	return pushCounter{r: r, name: opts.Name}, nil
}

// NewCounterVec implements Registry.
func (r *PushRegistry) NewCounterVec(opts prometheus.CounterOpts, labels []string) (CounterVec, error) {
	return pushCounterVec{pushVec{r: r, name: opts.Name, labels: labels}}, nil
}

func (r *PushRegistry) record(name string, labels map[string]string, fn func(old float64) float64) {
	key := seriesKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.series[key]
	if !ok {
		copied := make(map[string]string, len(labels))
		for k, v := range labels {
			copied[k] = v
		}
		s = &series{name: name, labels: copied}
		r.series[key] = s
	}
	s.value = fn(s.value)
}

// Len reports how many series are buffered.
func (r *PushRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.series)
}

// Push sends every buffered series. It is a no-op when nothing was recorded.
func (r *PushRegistry) Push(ctx context.Context) error {
	r.mu.Lock()
	ts := make([]prompb.TimeSeries, 0, len(r.series))
	keys := make([]string, 0, len(r.series))
	for k := range r.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	stamp := r.now().UnixMilli()
	for _, k := range keys {
		s := r.series[k]
		ts = append(ts, r.toTimeSeries(s, stamp))
	}
	r.mu.Unlock()

	if len(ts) == 0 {
		return nil
	}

	data, err := proto.Marshal(&prompb.WriteRequest{Timeseries: ts})
	if err != nil {
		return fmt.Errorf("marshaling write request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(snappy.Encode(nil, data)))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (r *PushRegistry) toTimeSeries(s *series, stamp int64) prompb.TimeSeries {
	name := s.name
	if r.prefix != "" {
		name = r.prefix + "_" + name
	}
	labels := []prompb.Label{{Name: "__name__", Value: name}}
	if r.job != "" {
		labels = append(labels, prompb.Label{Name: "job", Value: r.job})
	}
	if r.instance != "" {
		labels = append(labels, prompb.Label{Name: "instance", Value: r.instance})
	}
	for _, k := range sortedKeys(s.labels) {
		labels = append(labels, prompb.Label{Name: k, Value: s.labels[k]})
	}
	return prompb.TimeSeries{
		Labels:  labels,
		Samples: []prompb.Sample{{Value: s.value, Timestamp: stamp}},
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// seriesKey is stable regardless of map iteration order.
func seriesKey(name string, labels map[string]string) string {
	var b strings.Builder
	b.WriteString(name)
	for _, k := range sortedKeys(labels) {
		b.WriteString("|")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(labels[k])
	}
	return b.String()
}

type pushGauge struct {
	r      *PushRegistry
	name   string
	labels map[string]string
}

func (g pushGauge) Set(v float64) {
	g.r.record(g.name, g.labels, func(float64) float64 { return v })
}

type pushCounter struct {
	r      *PushRegistry
	name   string
	labels map[string]string
}

func (c pushCounter) Inc() { c.Add(1) }

func (c pushCounter) Add(v float64) {
	c.r.record(c.name, c.labels, func(old float64) float64 { return old + v })
}

// Series state lives in the registry, so vectors only carry the name.
type pushVec struct {
	r      *PushRegistry
	name   string
	labels []string
}

func (v pushVec) With(l prometheus.Labels) Gauge {
	return pushGauge{r: v.r, name: v.name, labels: l}
}

type pushCounterVec struct{ pushVec }

func (v pushCounterVec) With(l prometheus.Labels) Counter {
	return pushCounter{r: v.r, name: v.name, labels: l}
}
