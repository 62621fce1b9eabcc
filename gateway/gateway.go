// Package gateway is the single dispatch point workflow steps use to reach
// the execution log, the query engine and the partition catalog.
//
// Every operation has a typed method and is also reachable by name through
// Dispatch with a JSON payload:
//
//	LogWrite              insert an execution log row if absent
//	LogUpdate             move a row to a terminal status
//	QuerySubmit           start a query, returning its execution id
//	QueryPoll             read a query's status, logging it once it succeeded
//	PartitionBatchUpdate  add or drop every partition under a location and prefix
//	DateTransform         derive a partition date from a timestamp
//	InputFormat           project a job descriptor onto query template fields
//
// All operations are synchronous.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nomis52/deltaetl/catalog"
	"github.com/nomis52/deltaetl/execlog"
	"github.com/nomis52/deltaetl/objstore"
)

// API names accepted by Dispatch.
const (
	APILogWrite             = "LogWrite"
	APILogUpdate            = "LogUpdate"
	APIQuerySubmit          = "QuerySubmit"
	APIQueryPoll            = "QueryPoll"
	APIPartitionBatchUpdate = "PartitionBatchUpdate"
	APIDateTransform        = "DateTransform"
	APIInputFormat          = "InputFormat"
)

var (
	// ErrUnknownAPI is returned by Dispatch for unrecognised API names.
	ErrUnknownAPI = errors.New("unknown api")
	// ErrBadPayload is returned when a payload cannot be decoded or is incomplete.
	ErrBadPayload = errors.New("bad payload")
)

type handlerFunc func(ctx context.Context, payload []byte) (any, error)

// Gateway performs named operations on behalf of workflow steps.
type Gateway struct {
	logs     execlog.Store
	engine   catalog.Engine
	objects  *objstore.Store
	logger   *slog.Logger
	now      func() time.Time
	handlers map[string]handlerFunc
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger.With("component", "gateway")
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

// New builds a Gateway.
func New(logs execlog.Store, engine catalog.Engine, objects *objstore.Store, opts ...Option) *Gateway {
	g := &Gateway{
		logs:    logs,
		engine:  engine,
		objects: objects,
		logger:  slog.Default().With("component", "gateway"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.handlers = map[string]handlerFunc{
		APILogWrite:             handle(g.LogWrite),
		APILogUpdate:            handle(g.LogUpdate),
		APIQuerySubmit:          handle(g.QuerySubmit),
		APIQueryPoll:            handle(g.QueryPoll),
		APIPartitionBatchUpdate: handle(g.PartitionBatchUpdate),
		APIDateTransform:        handle(g.DateTransform),
		APIInputFormat:          handle(g.InputFormat),
	}
	return g
}

// APIs returns the names Dispatch accepts, sorted.
func (g *Gateway) APIs() []string {
	names := make([]string, 0, len(g.handlers))
	for name := range g.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the operation named api with a JSON payload and returns the
// JSON encoded response.
func (g *Gateway) Dispatch(ctx context.Context, api string, payload []byte) ([]byte, error) {
	h, ok := g.handlers[api]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAPI, api)
	}
	g.logger.Debug("dispatching", "api", api)
	resp, err := h(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", api, err)
	}
	return json.Marshal(resp)
}

func handle[Req, Resp any](fn func(context.Context, Req) (Resp, error)) handlerFunc {
	return func(ctx context.Context, payload []byte) (any, error) {
		var req Req
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
			}
		}
		return fn(ctx, req)
	}
}
