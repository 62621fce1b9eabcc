// Package types provides shared types for the server package and its subpackages.
package types

import (
	"time"

	"github.com/nomis52/deltaetl/buildinfo"
)

// ServerProperties holds metadata about the running server instance.
type ServerProperties struct {
	Build     buildinfo.Properties `json:"build"`
	StartedAt time.Time            `json:"started_at"`
	Hostname  string               `json:"hostname"`
}

// PipelineStatus describes one configured pipeline.
type PipelineStatus struct {
	ID       string     `json:"id"`
	Type     string     `json:"type"`
	Schedule string     `json:"schedule,omitempty"`
	NextRun  *time.Time `json:"next_run,omitempty"`
}

// Status is the body of GET /status.
type Status struct {
	Server    ServerProperties `json:"server"`
	Running   int              `json:"running"`
	Pipelines []PipelineStatus `json:"pipelines"`
}
