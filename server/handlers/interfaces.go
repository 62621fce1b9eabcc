// Package handlers provides HTTP handlers for the deltaetl server.
//
// Each handler is in its own file and implements http.Handler.
// Handlers use interfaces to access server dependencies, avoiding
// circular imports.
package handlers

import (
	"context"

	"github.com/nomis52/deltaetl/app"
	"github.com/nomis52/deltaetl/config"
	"github.com/nomis52/deltaetl/execlog"
	"github.com/nomis52/deltaetl/logging"
	"github.com/nomis52/deltaetl/server/runner"
)

// ConfigProvider provides access to the current configuration.
type ConfigProvider interface {
	Config() config.Config
}

// Reloader can reload its configuration.
type Reloader interface {
	Reload() (ReloadResponse, error)
}

// ExecutionRunner starts executions and reports on them.
type ExecutionRunner interface {
	Start(req app.StartRequest) (runner.Execution, error)
	Live() []runner.Execution
	History() []runner.Execution
	Get(name string) (runner.Execution, error)
	Logs(name string) ([]logging.Record, error)
}

// LogReader reads the execution log.
type LogReader interface {
	ListByExecution(ctx context.Context, executionName string) ([]execlog.Entry, error)
	ListByPipeline(ctx context.Context, indexKey string, limit int) ([]execlog.Entry, error)
}

// TokenResolver completes callback tokens.
type TokenResolver interface {
	Resolve(ctx context.Context, token string, result any) error
	Fail(ctx context.Context, token, cause string) error
}
