package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nomis52/deltaetl/catalog"
	"github.com/nomis52/deltaetl/execlog"
	"github.com/nomis52/deltaetl/job"
	"github.com/nomis52/deltaetl/objstore"
)

// LogWriteResponse reports whether a row was inserted.
type LogWriteResponse struct {
	Created bool `json:"created"`
}

// LogWrite inserts e unless its key already exists.
func (g *Gateway) LogWrite(ctx context.Context, e execlog.Entry) (LogWriteResponse, error) {
	created, err := g.logs.PutIfAbsent(ctx, e)
	if err != nil {
		return LogWriteResponse{}, err
	}
	return LogWriteResponse{Created: created}, nil
}

// LogUpdateRequest moves a row to a terminal status.
type LogUpdateRequest struct {
	ExecutionName string         `json:"executionName"`
	TaskID        string         `json:"taskId"`
	Status        execlog.Status `json:"status"`
	StateName     string         `json:"stateName,omitempty"`
	Payload       string         `json:"payload,omitempty"`
}

// LogUpdateResponse is empty; success is the absence of an error.
type LogUpdateResponse struct{}

// LogUpdate implements the LogUpdate API.
func (g *Gateway) LogUpdate(ctx context.Context, req LogUpdateRequest) (LogUpdateResponse, error) {
	err := g.logs.Update(ctx, req.ExecutionName, req.TaskID, execlog.Update{
		Status:    req.Status,
		StateName: req.StateName,
		Payload:   req.Payload,
	})
	return LogUpdateResponse{}, err
}

// QuerySubmitRequest starts a query.
type QuerySubmitRequest struct {
	SQL            string `json:"sql"`
	Workgroup      string `json:"workgroup"`
	OutputLocation string `json:"outputLocation"`
}

// QuerySubmitResponse carries the query execution id.
type QuerySubmitResponse struct {
	ExecutionID string `json:"executionId"`
}

// QuerySubmit implements the QuerySubmit API.
func (g *Gateway) QuerySubmit(ctx context.Context, req QuerySubmitRequest) (QuerySubmitResponse, error) {
	if strings.TrimSpace(req.SQL) == "" {
		return QuerySubmitResponse{}, fmt.Errorf("%w: sql is required", ErrBadPayload)
	}
	id, err := g.engine.Submit(ctx, req.SQL, req.Workgroup, req.OutputLocation)
	if err != nil {
		return QuerySubmitResponse{}, err
	}
	g.logger.Info("query submitted", "query_id", id, "workgroup", req.Workgroup)
	return QuerySubmitResponse{ExecutionID: id}, nil
}

// QueryPollRequest reads a query's status. When Log is set and the query has
// succeeded, a Succeeded row keyed by the query id is written.
type QueryPollRequest struct {
	ExecutionID string         `json:"executionId"`
	Log         *execlog.Entry `json:"log,omitempty"`
}

// QueryPollResponse carries the query status.
type QueryPollResponse struct {
	Status catalog.QueryStatus `json:"status"`
}

// QueryPoll implements the QueryPoll API.
func (g *Gateway) QueryPoll(ctx context.Context, req QueryPollRequest) (QueryPollResponse, error) {
	st, err := g.engine.Poll(ctx, req.ExecutionID)
	if err != nil {
		return QueryPollResponse{}, err
	}
	if st.State == catalog.QuerySucceeded && req.Log != nil {
		e := *req.Log
		e.TaskID = st.ID
		e.API = APIQueryPoll
		e.Status = execlog.StatusSucceeded
		e.Payload = st.SQL
		e.EndTime = g.now().UTC().Format(execlog.TimeFormat)
		if _, err := g.logs.PutIfAbsent(ctx, e); err != nil {
			return QueryPollResponse{}, fmt.Errorf("logging query %s: %w", st.ID, err)
		}
	}
	return QueryPollResponse{Status: st}, nil
}

// Partition actions.
const (
	ActionAdd  = "ADD"
	ActionDrop = "DROP"
)

// PartitionBatchUpdateRequest adds or drops every partition found under
// Location whose path starts with PartitionPrefix. A DROP never removes a
// partition named in Keep.
type PartitionBatchUpdateRequest struct {
	Action          string   `json:"action"`
	Database        string   `json:"database"`
	Table           string   `json:"table"`
	Location        string   `json:"location"`
	PartitionPrefix string   `json:"partitionPrefix"`
	Keep            []string `json:"keep,omitempty"`
}

// PartitionBatchUpdateResponse lists the matched partitions and how many
// changed the catalog.
type PartitionBatchUpdateResponse struct {
	Action     string   `json:"action"`
	Partitions []string `json:"partitions"`
	Changed    int      `json:"changed"`
}

// PartitionBatchUpdate implements the PartitionBatchUpdate API. ADD discovers
// partitions from the objects under the location; DROP discovers them from
// the catalog, since the objects may already have moved away.
func (g *Gateway) PartitionBatchUpdate(ctx context.Context, req PartitionBatchUpdateRequest) (PartitionBatchUpdateResponse, error) {
	if req.Database == "" || req.Table == "" || req.Location == "" {
		return PartitionBatchUpdateResponse{}, fmt.Errorf("%w: database, table and location are required", ErrBadPayload)
	}

	var (
		parts []catalog.Partition
		err   error
	)
	switch strings.ToUpper(req.Action) {
	case ActionAdd:
		parts, err = g.partitionsFromObjects(ctx, req.Location, req.PartitionPrefix)
	case ActionDrop:
		parts, err = g.partitionsFromCatalog(ctx, req)
	default:
		return PartitionBatchUpdateResponse{}, fmt.Errorf("%w: action must be ADD or DROP, got %q", ErrBadPayload, req.Action)
	}
	if err != nil {
		return PartitionBatchUpdateResponse{}, err
	}

	resp := PartitionBatchUpdateResponse{Action: strings.ToUpper(req.Action), Partitions: make([]string, len(parts))}
	for i, p := range parts {
		resp.Partitions[i] = p.Name()
	}
	if len(parts) == 0 {
		return resp, nil
	}

	if resp.Action == ActionAdd {
		resp.Changed, err = g.engine.AddPartitions(ctx, req.Database, req.Table, parts)
	} else {
		resp.Changed, err = g.engine.DropPartitions(ctx, req.Database, req.Table, parts)
	}
	if err != nil {
		return PartitionBatchUpdateResponse{}, err
	}
	g.logger.Info("partitions updated",
		"action", resp.Action,
		"table", req.Database+"."+req.Table,
		"matched", len(parts),
		"changed", resp.Changed,
	)
	return resp, nil
}

func (g *Gateway) partitionsFromObjects(ctx context.Context, location, prefix string) ([]catalog.Partition, error) {
	objs, err := g.objects.List(ctx, objstore.Prefix(location)+prefix, -1)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]catalog.Partition)
	for _, obj := range objs {
		values, dir, ok := catalog.ParsePartitionPath(objstore.Rel(location, obj.Key))
		if !ok {
			continue
		}
		p := catalog.Partition{Location: objstore.Join(location, dir), Values: values}
		seen[p.Name()] = p
	}
	return sortedPartitions(seen), nil
}

func (g *Gateway) partitionsFromCatalog(ctx context.Context, req PartitionBatchUpdateRequest) ([]catalog.Partition, error) {
	all, err := g.engine.ListPartitions(ctx, req.Database, req.Table)
	if err != nil {
		return nil, err
	}
	keep := make(map[string]bool, len(req.Keep))
	for _, name := range req.Keep {
		keep[name] = true
	}
	under := objstore.Prefix(req.Location)
	seen := make(map[string]catalog.Partition)
	for _, p := range all {
		if keep[p.Name()] {
			continue
		}
		loc := objstore.Prefix(p.Location)
		if !strings.HasPrefix(loc, under) {
			continue
		}
		if !strings.HasPrefix(strings.TrimPrefix(loc, under), req.PartitionPrefix) {
			continue
		}
		seen[p.Name()] = p
	}
	return sortedPartitions(seen), nil
}

func sortedPartitions(m map[string]catalog.Partition) []catalog.Partition {
	parts := make([]catalog.Partition, 0, len(m))
	for _, p := range m {
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Name() < parts[j].Name() })
	return parts
}

// DateTransformRequest derives a partition date.
type DateTransformRequest struct {
	Timestamp    string `json:"timestamp"`
	Format       string `json:"format"`
	IntervalDays int    `json:"intervalDays"`
}

// DateTransformResponse carries the rendered date.
type DateTransformResponse struct {
	Date string `json:"date"`
}

// DateTransform implements the DateTransform API.
func (g *Gateway) DateTransform(ctx context.Context, req DateTransformRequest) (DateTransformResponse, error) {
	if req.Format == "" {
		req.Format = "%Y-%m-%d"
	}
	date, err := job.PartitionDate(req.Timestamp, req.Format, req.IntervalDays)
	if err != nil {
		return DateTransformResponse{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return DateTransformResponse{Date: date}, nil
}

// InputFormatRequest carries the descriptor and the location the query
// templates should point at.
type InputFormatRequest struct {
	Metadata      job.Descriptor `json:"metadata"`
	Location      string         `json:"location"`
	PartitionDate string         `json:"partitionDate,omitempty"`
}

// InputFormat implements the InputFormat API.
func (g *Gateway) InputFormat(ctx context.Context, req InputFormatRequest) (job.QueryInput, error) {
	d := req.Metadata
	if d.ExecutionName == "" {
		return job.QueryInput{}, fmt.Errorf("%w: metadata.executionName is required", ErrBadPayload)
	}
	location := req.Location
	if d.LocationRoot != "" {
		location = strings.TrimSuffix(d.LocationRoot, "/") + "/" + strings.TrimPrefix(location, "/")
	}
	return job.QueryInput{
		ExecutionName:  d.ExecutionName,
		Database:       d.Database,
		Table:          d.Table,
		TmpTable:       job.TmpTableName(d.ExecutionName),
		PartitionKey:   d.PartitionKey,
		PartitionDate:  req.PartitionDate,
		Location:       location,
		Workgroup:      d.Workgroup,
		OutputLocation: d.OutputLocation,
	}, nil
}
