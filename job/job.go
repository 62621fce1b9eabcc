// Package job defines the job descriptor every pipeline execution carries
// and the helpers that derive query text and partition dates from it.
package job

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/nomis52/deltaetl/objstore"
)

// Pipeline types.
const (
	TypeProcessor = "processor"
	TypeMerger    = "merger"
	TypeArchiver  = "archiver"
)

// Merge drop locations.
const (
	DropLocationBackup = "backup"
	DropLocationDelta  = "delta"
)

// Default query templates. Fields come from QueryInput.
const (
	DefaultCreateTmpTable = "CREATE EXTERNAL TABLE IF NOT EXISTS {{.Database}}.{{.TmpTable}} (line string) " +
		"PARTITIONED BY ({{.PartitionKey}} string) LOCATION '{{.Location}}'"
	DefaultInsert       = "INSERT INTO {{.Database}}.{{.Table}} SELECT * FROM {{.Database}}.{{.TmpTable}}"
	DefaultDropTmpTable = "DROP TABLE IF EXISTS {{.Database}}.{{.TmpTable}}"
)

// Queries holds the SQL templates of a processor pipeline.
type Queries struct {
	CreateTmpTable string   `json:"createTmpTable,omitempty" yaml:"create_tmp_table"`
	Insert         string   `json:"insert,omitempty" yaml:"insert"`
	DropTmpTable   string   `json:"dropTmpTable,omitempty" yaml:"drop_tmp_table"`
	Aggregations   []string `json:"aggregations,omitempty" yaml:"aggregations"`
}

// Descriptor is the input of one pipeline execution. It does not change
// while the execution runs.
type Descriptor struct {
	PipelineID    string `json:"pipelineId" yaml:"id"`
	Type          string `json:"type" yaml:"type"`
	ExecutionName string `json:"executionName" yaml:"-"`
	ScheduleType  string `json:"scheduleType" yaml:"schedule_type"`
	SourceType    string `json:"sourceType" yaml:"source_type"`

	// SrcPath is the staging prefix for a processor and the live delta
	// prefix for a merger or archiver.
	SrcPath string `json:"srcPath" yaml:"src_path"`
	// ArchivePath is where migrated objects land.
	ArchivePath string `json:"archivePath" yaml:"archive_path"`
	// MergePath holds merged files before they return to SrcPath.
	MergePath string `json:"mergePath,omitempty" yaml:"merge_path"`
	// BackupPath receives the pre-merge originals. Defaults to ArchivePath/backup.
	BackupPath string `json:"backupPath,omitempty" yaml:"backup_path"`
	// LocationRoot is prepended to object prefixes in query text, e.g. "s3://logs".
	LocationRoot string `json:"locationRoot,omitempty" yaml:"location_root"`

	Database     string `json:"database" yaml:"database"`
	Table        string `json:"table" yaml:"table"`
	PartitionKey string `json:"partitionKey" yaml:"partition_key"`

	// Timestamp is the scheduled time of the execution (RFC 3339).
	Timestamp string `json:"timestamp,omitempty" yaml:"-"`
	// DateFormat renders the partition date, strftime or Go layout.
	DateFormat string `json:"dateFormat,omitempty" yaml:"date_format"`
	// IntervalDays offsets Timestamp when computing the partition date.
	IntervalDays int `json:"intervalDays" yaml:"interval_days"`

	Workgroup      string `json:"workgroup,omitempty" yaml:"workgroup"`
	OutputLocation string `json:"outputLocation,omitempty" yaml:"output_location"`

	Queries           Queries  `json:"queries,omitempty" yaml:"queries"`
	EnrichmentPlugins []string `json:"enrichmentPlugins,omitempty" yaml:"enrichment_plugins"`

	// MergeDropLocation selects which prefix the merger's pre-merge
	// partition drop is scoped to: "backup" or "delta".
	MergeDropLocation string `json:"mergeDropLocation,omitempty" yaml:"merge_drop_location"`
	// Compression of merged files: "none", "gzip" or "zstd".
	Compression string `json:"compression,omitempty" yaml:"compression"`
}

// Validate checks the fields every pipeline type needs.
func (d Descriptor) Validate() error {
	switch d.Type {
	case TypeProcessor, TypeMerger, TypeArchiver:
	default:
		return fmt.Errorf("pipeline %q: unknown type %q", d.PipelineID, d.Type)
	}
	if d.PipelineID == "" {
		return fmt.Errorf("pipeline id is required")
	}
	if d.SrcPath == "" {
		return fmt.Errorf("pipeline %q: src_path is required", d.PipelineID)
	}
	if d.ArchivePath == "" {
		return fmt.Errorf("pipeline %q: archive_path is required", d.PipelineID)
	}
	if d.PartitionKey == "" {
		return fmt.Errorf("pipeline %q: partition_key is required", d.PipelineID)
	}
	if d.Database == "" || d.Table == "" {
		return fmt.Errorf("pipeline %q: database and table are required", d.PipelineID)
	}
	switch d.MergeDropLocation {
	case "", DropLocationBackup, DropLocationDelta:
	default:
		return fmt.Errorf("pipeline %q: merge_drop_location must be backup or delta", d.PipelineID)
	}
	switch d.Compression {
	case "", "none", "gzip", "zstd":
	default:
		return fmt.Errorf("pipeline %q: unknown compression %q", d.PipelineID, d.Compression)
	}
	return nil
}

// WithDefaults fills optional fields.
func (d Descriptor) WithDefaults() Descriptor {
	if d.DateFormat == "" {
		d.DateFormat = "%Y-%m-%d"
	}
	if d.BackupPath == "" {
		d.BackupPath = objstore.Join(d.ArchivePath, "backup")
	}
	if d.MergePath == "" {
		d.MergePath = objstore.Join("merge", d.PipelineID)
	}
	if d.MergeDropLocation == "" {
		d.MergeDropLocation = DropLocationBackup
	}
	if d.Compression == "" {
		d.Compression = "none"
	}
	if d.Queries.CreateTmpTable == "" {
		d.Queries.CreateTmpTable = DefaultCreateTmpTable
	}
	if d.Queries.Insert == "" {
		d.Queries.Insert = DefaultInsert
	}
	if d.Queries.DropTmpTable == "" {
		d.Queries.DropTmpTable = DefaultDropTmpTable
	}
	return d
}

// ExecutionArchivePath is the execution-scoped archive folder of a processor run.
func (d Descriptor) ExecutionArchivePath() string {
	return objstore.Join(d.ArchivePath, d.ExecutionName)
}

// PartitionPrefix renders "key=value" for a partition date.
func (d Descriptor) PartitionPrefix(date string) string {
	return d.PartitionKey + "=" + date
}

// QueryInput is the projection of a Descriptor used by query templates.
type QueryInput struct {
	ExecutionName  string `json:"executionName"`
	Database       string `json:"database"`
	Table          string `json:"table"`
	TmpTable       string `json:"tmpTable"`
	PartitionKey   string `json:"partitionKey"`
	PartitionDate  string `json:"partitionDate,omitempty"`
	Location       string `json:"location"`
	Workgroup      string `json:"workgroup"`
	OutputLocation string `json:"outputLocation"`
}

var nonIdent = regexp.MustCompile(`[^A-Za-z0-9_]`)

// TmpTableName derives a temporary table name from an execution name.
func TmpTableName(executionName string) string {
	return "tmp_" + strings.ToLower(nonIdent.ReplaceAllString(executionName, "_"))
}

// Render executes a query template against in.
func Render(tmpl string, in QueryInput) (string, error) {
	t, err := template.New("query").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parsing query template: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, in); err != nil {
		return "", fmt.Errorf("rendering query template: %w", err)
	}
	return buf.String(), nil
}
