package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultCaptureLimit bounds the records kept per execution.
const DefaultCaptureLimit = 1000

// Record is one captured log line.
type Record struct {
	Time       time.Time      `json:"time"`
	Level      string         `json:"level"`
	Message    string         `json:"message"`
	Execution  string         `json:"execution"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Collector keeps the log records of running executions. Child executions
// ("exec-001/create-tmp-table") are filed under their root execution.
type Collector struct {
	limit int

	mu      sync.RWMutex
	records map[string][]Record
	dropped map[string]int
}

// NewCollector returns a collector keeping at most limit records per
// execution. A non-positive limit uses DefaultCaptureLimit.
func NewCollector(limit int) *Collector {
	if limit <= 0 {
		limit = DefaultCaptureLimit
	}
	return &Collector{
		limit:   limit,
		records: make(map[string][]Record),
		dropped: make(map[string]int),
	}
}

// Root returns the root execution of a possibly nested execution name.
func Root(execution string) string {
	root, _, _ := strings.Cut(execution, "/")
	return root
}

// Logger wraps base so that everything it logs is also captured for
// execution. It fits statemachine.WithLoggerFactory.
func (c *Collector) Logger(base *slog.Logger, execution string) *slog.Logger {
	return slog.New(&captureHandler{
		next:      base.Handler(),
		collector: c,
		execution: execution,
	})
}

func (c *Collector) add(r Record) {
	root := Root(r.Execution)
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.records[root]) >= c.limit {
		c.dropped[root]++
		return
	}
	c.records[root] = append(c.records[root], r)
}

// Records returns a copy of the records of a root execution and the number
// dropped once the limit was reached.
func (c *Collector) Records(execution string) ([]Record, int) {
	root := Root(execution)
	c.mu.RLock()
	defer c.mu.RUnlock()
	recs := c.records[root]
	if recs == nil {
		return nil, c.dropped[root]
	}
	out := make([]Record, len(recs))
	copy(out, recs)
	return out, c.dropped[root]
}

// Forget discards the records of a root execution.
func (c *Collector) Forget(execution string) {
	root := Root(execution)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, root)
	delete(c.dropped, root)
}

// captureHandler passes records through to next and copies them into the
// collector regardless of next's level.
type captureHandler struct {
	next      slog.Handler
	collector *Collector
	execution string
	attrs     []slog.Attr
	group     string
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(ctx context.Context, r slog.Record) error {
	rec := Record{
		Time:       r.Time,
		Level:      r.Level.String(),
		Message:    r.Message,
		Execution:  h.execution,
		Attributes: make(map[string]any, len(h.attrs)+r.NumAttrs()),
	}
	for _, a := range h.attrs {
		rec.Attributes[a.Key] = value(a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.Attributes[h.key(a.Key)] = value(a.Value)
		return true
	})
	h.collector.add(rec)

	if !h.next.Enabled(ctx, r.Level) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	all := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	all = append(all, h.attrs...)
	for _, a := range attrs {
		all = append(all, slog.Attr{Key: h.key(a.Key), Value: a.Value})
	}
	c := *h
	c.next = h.next.WithAttrs(attrs)
	c.attrs = all
	return &c
}

func (h *captureHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.next = h.next.WithGroup(name)
	c.group = h.key(name)
	return &c
}

func (h *captureHandler) key(k string) string {
	if h.group == "" {
		return k
	}
	return h.group + "." + k
}

// value converts a slog value into something encoding/json renders well.
func value(v slog.Value) any {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindGroup:
		group := make(map[string]any)
		for _, a := range v.Group() {
			group[a.Key] = value(a.Value)
		}
		return group
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return v.Any()
	default:
		return v.Any()
	}
}
