package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/deltaetl/catalog"
	"github.com/nomis52/deltaetl/execlog"
	"github.com/nomis52/deltaetl/job"
	"github.com/nomis52/deltaetl/objstore"
)

type fixture struct {
	gw      *Gateway
	logs    execlog.Store
	engine  *catalog.MemoryEngine
	objects *objstore.Store
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()

	logs, err := execlog.OpenDocstore(ctx, "mem://log")
	require.NoError(t, err)
	t.Cleanup(func() { logs.Close() })

	objects, err := objstore.Open(ctx, "mem://")
	require.NoError(t, err)
	t.Cleanup(func() { objects.Close() })

	engine := catalog.NewMemoryEngine()
	now := func() time.Time { return time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC) }
	return fixture{
		gw:      New(logs, engine, objects, WithClock(now)),
		logs:    logs,
		engine:  engine,
		objects: objects,
	}
}

func (f fixture) put(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		require.NoError(t, f.objects.WriteAll(context.Background(), k, []byte("x")))
	}
}

func TestDispatchUnknownAPI(t *testing.T) {
	f := newFixture(t)
	_, err := f.gw.Dispatch(context.Background(), "Nope", nil)
	assert.ErrorIs(t, err, ErrUnknownAPI)

	_, err = f.gw.Dispatch(context.Background(), APIDateTransform, []byte("{not json"))
	assert.ErrorIs(t, err, ErrBadPayload)

	assert.Equal(t, []string{
		APIDateTransform, APIInputFormat, APILogUpdate, APILogWrite,
		APIPartitionBatchUpdate, APIQueryPoll, APIQuerySubmit,
	}, f.gw.APIs())
}

func TestDispatchLogWriteAndUpdate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	entry := execlog.Entry{ExecutionName: "exec-001", TaskID: execlog.MainTaskID, API: "workflow start", PipelineID: "app1"}
	payload, err := json.Marshal(entry)
	require.NoError(t, err)

	for i, want := range []bool{true, false} {
		out, err := f.gw.Dispatch(ctx, APILogWrite, payload)
		require.NoError(t, err, "write %d", i)
		var resp LogWriteResponse
		require.NoError(t, json.Unmarshal(out, &resp))
		assert.Equal(t, want, resp.Created)
	}

	upd, err := json.Marshal(LogUpdateRequest{ExecutionName: "exec-001", TaskID: execlog.MainTaskID, Status: execlog.StatusSucceeded})
	require.NoError(t, err)
	_, err = f.gw.Dispatch(ctx, APILogUpdate, upd)
	require.NoError(t, err)

	got, err := f.logs.Get(ctx, "exec-001", execlog.MainTaskID)
	require.NoError(t, err)
	assert.Equal(t, execlog.StatusSucceeded, got.Status)
}

func TestQuerySubmitAndPoll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.gw.QuerySubmit(ctx, QuerySubmitRequest{})
	assert.ErrorIs(t, err, ErrBadPayload)

	sub, err := f.gw.QuerySubmit(ctx, QuerySubmitRequest{SQL: "SELECT 1", Workgroup: "primary"})
	require.NoError(t, err)
	require.NotEmpty(t, sub.ExecutionID)

	poll, err := f.gw.QueryPoll(ctx, QueryPollRequest{
		ExecutionID: sub.ExecutionID,
		Log:         &execlog.Entry{ExecutionName: "exec-001-query", PipelineID: "app1"},
	})
	require.NoError(t, err)
	assert.Equal(t, catalog.QuerySucceeded, poll.Status.State)

	row, err := f.logs.Get(ctx, "exec-001-query", sub.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execlog.StatusSucceeded, row.Status)
	assert.Equal(t, "SELECT 1", row.Payload)
}

func TestPartitionBatchUpdate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.put(t,
		"delta/app1/dt=2024-01-01/a.gz",
		"delta/app1/dt=2024-01-01/b.gz",
		"delta/app1/dt=2024-01-02/c.gz",
		"delta/app1/README",
	)

	add := PartitionBatchUpdateRequest{Action: "ADD", Database: "logs", Table: "delta", Location: "delta/app1", PartitionPrefix: "dt=2024-01-01"}

	resp, err := f.gw.PartitionBatchUpdate(ctx, add)
	require.NoError(t, err)
	assert.Equal(t, []string{"dt=2024-01-01"}, resp.Partitions)
	assert.Equal(t, 1, resp.Changed)

	before, err := f.engine.ListPartitions(ctx, "logs", "delta")
	require.NoError(t, err)

	resp, err = f.gw.PartitionBatchUpdate(ctx, add)
	require.NoError(t, err)
	assert.Equal(t, 0, resp.Changed)

	after, err := f.engine.ListPartitions(ctx, "logs", "delta")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	require.Len(t, after, 1)
	assert.Equal(t, "delta/app1/dt=2024-01-01", after[0].Location)

	all := PartitionBatchUpdateRequest{Action: "ADD", Database: "logs", Table: "delta", Location: "delta/app1"}
	resp, err = f.gw.PartitionBatchUpdate(ctx, all)
	require.NoError(t, err)
	assert.Equal(t, []string{"dt=2024-01-01", "dt=2024-01-02"}, resp.Partitions)
	assert.Equal(t, 1, resp.Changed)

	drop := add
	drop.Action = "DROP"
	resp, err = f.gw.PartitionBatchUpdate(ctx, drop)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Changed)

	resp, err = f.gw.PartitionBatchUpdate(ctx, drop)
	require.NoError(t, err)
	assert.Equal(t, 0, resp.Changed)
	assert.Empty(t, resp.Partitions)

	// Dropping under another location leaves delta partitions alone.
	other := drop
	other.Location = "archive/app1/backup"
	other.PartitionPrefix = "dt=2024-01-02"
	resp, err = f.gw.PartitionBatchUpdate(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, 0, resp.Changed)

	remaining, err := f.engine.ListPartitions(ctx, "logs", "delta")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "dt=2024-01-02", remaining[0].Name())

	kept := drop
	kept.PartitionPrefix = ""
	kept.Keep = []string{"dt=2024-01-02"}
	resp, err = f.gw.PartitionBatchUpdate(ctx, kept)
	require.NoError(t, err)
	assert.Equal(t, 0, resp.Changed)
	assert.Empty(t, resp.Partitions)
	remaining, err = f.engine.ListPartitions(ctx, "logs", "delta")
	require.NoError(t, err)
	require.Len(t, remaining, 1)

	_, err = f.gw.PartitionBatchUpdate(ctx, PartitionBatchUpdateRequest{Action: "MERGE", Database: "logs", Table: "delta", Location: "x"})
	assert.ErrorIs(t, err, ErrBadPayload)
}

func TestDateTransform(t *testing.T) {
	f := newFixture(t)
	out, err := f.gw.Dispatch(context.Background(), APIDateTransform,
		[]byte(`{"timestamp":"2024-01-02T03:00:00Z","format":"%Y-%m-%d","intervalDays":-1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"date":"2024-01-01"}`, string(out))

	_, err = f.gw.DateTransform(context.Background(), DateTransformRequest{Timestamp: "soon"})
	assert.ErrorIs(t, err, ErrBadPayload)
}

func TestInputFormat(t *testing.T) {
	f := newFixture(t)
	in, err := f.gw.InputFormat(context.Background(), InputFormatRequest{
		Metadata: job.Descriptor{
			ExecutionName: "exec-001",
			Database:      "logs",
			Table:         "delta",
			PartitionKey:  "dt",
			LocationRoot:  "s3://bucket/",
			Workgroup:     "primary",
		},
		Location: "archive/app1/exec-001",
	})
	require.NoError(t, err)
	assert.Equal(t, job.QueryInput{
		ExecutionName: "exec-001",
		Database:      "logs",
		Table:         "delta",
		TmpTable:      "tmp_exec_001",
		PartitionKey:  "dt",
		Location:      "s3://bucket/archive/app1/exec-001",
		Workgroup:     "primary",
	}, in)

	_, err = f.gw.InputFormat(context.Background(), InputFormatRequest{})
	assert.ErrorIs(t, err, ErrBadPayload)
}
