package scan

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/nomis52/deltaetl/callback"
	"github.com/nomis52/deltaetl/objstore"
	"github.com/nomis52/deltaetl/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/pubsub/mempubsub"
)

type fixture struct {
	objects *objstore.Store
	tokens  *callback.Registry
	queue   *queue.Queue
	scanner *Scanner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	objects, err := objstore.Open(ctx, "mem://")
	require.NoError(t, err)
	t.Cleanup(func() { objects.Close() })

	tokens, err := callback.Open(ctx, "mem://tokens", callback.WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { tokens.Close() })

	topic := mempubsub.NewTopic()
	dlqTopic := mempubsub.NewTopic()
	q := queue.New("copy", topic, mempubsub.NewSubscription(topic, time.Minute),
		dlqTopic, mempubsub.NewSubscription(dlqTopic, time.Minute))
	t.Cleanup(func() { q.Close(context.Background()) })

	return &fixture{
		objects: objects,
		tokens:  tokens,
		queue:   q,
		scanner: NewScanner(objects, tokens),
	}
}

func (f *fixture) put(t *testing.T, key, data string) {
	t.Helper()
	require.NoError(t, f.objects.WriteAll(context.Background(), key, []byte(data)))
}

func (f *fixture) read(t *testing.T, key string) string {
	t.Helper()
	data, err := f.objects.ReadAll(context.Background(), key)
	require.NoError(t, err)
	return string(data)
}

func (f *fixture) keys(t *testing.T, prefix string) []string {
	t.Helper()
	objs, err := f.objects.List(context.Background(), prefix, -1)
	require.NoError(t, err)
	var keys []string
	for _, o := range objs {
		keys = append(keys, o.Key)
	}
	return keys
}

// runConsumer runs a consumer and dead-letter watcher until the test ends.
func (f *fixture) runConsumer(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)
	go func() {
		NewConsumer(f.objects, f.tokens, f.queue, WithConcurrency(2)).Run(ctx)
		done <- struct{}{}
	}()
	go func() {
		NewDeadLetterWatcher(f.queue, f.tokens, nil).Run(ctx)
		done <- struct{}{}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		<-done
	})
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func objs(sizes ...int64) []objstore.Object {
	out := make([]objstore.Object, len(sizes))
	for i, s := range sizes {
		out[i] = objstore.Object{Key: "src/" + string(rune('a'+i)), Size: s}
	}
	return out
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name    string
		objects []objstore.Object
		opts    Options
		want    []int
	}{
		{
			name:    "split by count",
			objects: objs(1, 1, 1, 1, 1),
			opts:    Options{MaxObjectsPerTask: 2, MaxBytesPerTask: 100},
			want:    []int{2, 2, 1},
		},
		{
			name:    "split by bytes",
			objects: objs(40, 40, 40),
			opts:    Options{MaxObjectsPerTask: 10, MaxBytesPerTask: 100},
			want:    []int{2, 1},
		},
		{
			name:    "oversized object alone",
			objects: objs(10, 500, 10),
			opts:    Options{MaxObjectsPerTask: 10, MaxBytesPerTask: 100},
			want:    []int{1, 1, 1},
		},
		{
			name: "merge groups by partition",
			objects: []objstore.Object{
				{Key: "src/dt=1/a", Size: 1},
				{Key: "src/dt=1/b", Size: 1},
				{Key: "src/dt=2/a", Size: 1},
			},
			opts: Options{Merge: true, MaxObjectsPerTask: 10, MaxBytesPerTask: 100},
			want: []int{2, 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []int
			for _, b := range plan("src", tt.objects, tt.opts) {
				got = append(got, len(b))
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTaskDestination(t *testing.T) {
	task := Task{SrcPrefix: "delta/app1", DstPrefix: "archive/app1/exec-001"}

	task.Options.KeepPrefix = true
	assert.Equal(t, "archive/app1/exec-001/dt=2024-01-01/a.gz", task.Destination("delta/app1/dt=2024-01-01/a.gz"))

	task.Options.KeepPrefix = false
	assert.Equal(t, "archive/app1/exec-001/a.gz", task.Destination("delta/app1/dt=2024-01-01/a.gz"))
}

func TestMergedKeyIsDeterministic(t *testing.T) {
	a := Task{
		SrcPrefix: "delta/app1",
		DstPrefix: "merge/app1",
		Sources:   []objstore.Object{{Key: "delta/app1/dt=1/x.log"}, {Key: "delta/app1/dt=1/y.log"}},
		Options:   Options{Compression: CompressionZstd},
	}
	b := a
	b.Sources = []objstore.Object{a.Sources[1], a.Sources[0]}

	assert.Equal(t, a.MergedKey(), b.MergedKey())
	assert.Regexp(t, `^merge/app1/dt=1/merged-[0-9a-f-]{36}\.zst$`, a.MergedKey())

	a.Options.Compression = CompressionNone
	assert.Regexp(t, `\.log$`, a.MergedKey())
}

func TestMergedExt(t *testing.T) {
	tests := []struct {
		name        string
		compression string
		key         string
		want        string
	}{
		{name: "plain log", compression: CompressionNone, key: "dt=1/a.log", want: ".log"},
		{name: "gzipped log", compression: CompressionNone, key: "dt=1/a.log.gz", want: ".log"},
		{name: "zstd log", compression: CompressionNone, key: "dt=1/a.log.zst", want: ".log"},
		{name: "bare gzip", compression: CompressionNone, key: "dt=1/a.gz", want: ""},
		{name: "no extension", compression: CompressionNone, key: "dt=1/a", want: ""},
		{name: "gzip output", compression: CompressionGzip, key: "dt=1/a.log", want: ".gz"},
		{name: "zstd output", compression: CompressionZstd, key: "dt=1/a.log.gz", want: ".zst"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mergedExt(tt.compression, tt.key))
		})
	}
}

func TestScanEmptySourceEnqueuesNothing(t *testing.T) {
	f := newFixture(t)
	f.put(t, "delta/app10/dt=1/a", "not under delta/app1")

	res, err := f.scanner.Scan(testContext(t), Request{
		ExecutionID: "exec-001",
		SrcPath:     "delta/app1",
		DstPath:     "archive/app1",
		Queue:       f.queue,
	})
	require.NoError(t, err)
	assert.False(t, res.HasObjects)
	assert.Empty(t, res.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = f.queue.Receive(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScanRejectsUnknownPlugin(t *testing.T) {
	f := newFixture(t)
	f.put(t, "delta/app1/a", "x")

	_, err := f.scanner.Scan(testContext(t), Request{
		SrcPath: "delta/app1",
		DstPath: "archive/app1",
		Queue:   f.queue,
		Options: Options{EnrichmentPlugins: []string{"geoip"}},
	})
	assert.ErrorContains(t, err, `unknown enrichment plugin "geoip"`)
}

func TestScanMigratesAndResolvesToken(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t)
	for _, name := range []string{"a.gz", "b.gz", "c.gz"} {
		f.put(t, "delta/app1/dt=2024-01-01/"+name, name)
	}
	f.runConsumer(t)

	res, err := f.scanner.Scan(ctx, Request{
		ExecutionID: "exec-001",
		StateName:   "Migrate objects to archive",
		SrcPath:     "delta/app1",
		DstPath:     "archive/app1/exec-001",
		Queue:       f.queue,
		Options:     Options{KeepPrefix: true, DeleteOnSuccess: true, MaxObjectsPerTask: 2},
	})
	require.NoError(t, err)
	assert.True(t, res.HasObjects)
	assert.Equal(t, 3, res.Objects)
	assert.Equal(t, 2, res.Batches)

	out, err := f.tokens.Wait(ctx, res.Token)
	require.NoError(t, err)
	require.NoError(t, out.Err())
	assert.JSONEq(t, `{"hasObjects":true}`, string(out.Result))

	assert.Equal(t, []string{
		"archive/app1/exec-001/dt=2024-01-01/a.gz",
		"archive/app1/exec-001/dt=2024-01-01/b.gz",
		"archive/app1/exec-001/dt=2024-01-01/c.gz",
	}, f.keys(t, "archive/"))
	assert.Empty(t, f.keys(t, "delta/"))
	assert.Equal(t, "b.gz", f.read(t, "archive/app1/exec-001/dt=2024-01-01/b.gz"))
}

func TestRedeliveredBatchCountsOnce(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t)
	f.put(t, "delta/app1/a", "a")
	f.put(t, "delta/app1/b", "b")

	res, err := f.scanner.Scan(ctx, Request{
		ExecutionID: "exec-002",
		SrcPath:     "delta/app1",
		DstPath:     "archive/app1",
		Queue:       f.queue,
		Options:     Options{KeepPrefix: true, DeleteOnSuccess: true, MaxObjectsPerTask: 1},
	})
	require.NoError(t, err)
	require.Equal(t, 2, res.Batches)

	var msgs []*queue.Message
	for len(msgs) < 2 {
		batch, err := f.queue.Receive(ctx, 2)
		require.NoError(t, err)
		msgs = append(msgs, batch...)
	}

	c := NewConsumer(f.objects, f.tokens, f.queue)
	c.Handle(ctx, msgs[0])

	// The same batch again, its source already deleted.
	require.NoError(t, f.queue.Send(ctx, msgs[0].Body, msgs[0].Metadata))
	dup, err := f.queue.Receive(ctx, 1)
	require.NoError(t, err)
	c.Handle(ctx, dup[0])

	rec, err := f.tokens.Get(ctx, res.Token)
	require.NoError(t, err)
	assert.Equal(t, callback.StatusPending, rec.Status)
	assert.Equal(t, 1, rec.Outstanding())

	c.Handle(ctx, msgs[1])

	rec, err = f.tokens.Get(ctx, res.Token)
	require.NoError(t, err)
	assert.Equal(t, callback.StatusSucceeded, rec.Status)
	assert.Equal(t, []string{"archive/app1/a", "archive/app1/b"}, f.keys(t, "archive/"))
}

func TestDeadLetteredBatchFailsToken(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t)
	f.put(t, "delta/app1/a", "a")

	res, err := f.scanner.Scan(ctx, Request{
		ExecutionID: "exec-003",
		SrcPath:     "delta/app1",
		DstPath:     "archive/app1",
		Queue:       f.queue,
		Options:     Options{KeepPrefix: true},
	})
	require.NoError(t, err)

	// The source vanishes and the destination was never written, so every
	// delivery fails.
	require.NoError(t, f.objects.Delete(ctx, "delta/app1/a"))
	f.runConsumer(t)

	out, err := f.tokens.Wait(ctx, res.Token)
	require.NoError(t, err)
	assert.Equal(t, callback.StatusFailed, out.Status)
	assert.Contains(t, out.Error, "dead-lettered after 3 attempts")
	assert.ErrorIs(t, out.Err(), callback.ErrCallbackFailed)
}

func TestMergeCompression(t *testing.T) {
	gz := func(s string) string {
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		w.Write([]byte(s))
		w.Close()
		return buf.String()
	}

	tests := []struct {
		name        string
		compression string
		decode      func(t *testing.T, data []byte) string
	}{
		{
			name:        "none",
			compression: CompressionNone,
			decode:      func(t *testing.T, data []byte) string { return string(data) },
		},
		{
			name:        "gzip",
			compression: CompressionGzip,
			decode: func(t *testing.T, data []byte) string {
				r, err := gzip.NewReader(bytes.NewReader(data))
				require.NoError(t, err)
				out, err := io.ReadAll(r)
				require.NoError(t, err)
				return string(out)
			},
		},
		{
			name:        "zstd",
			compression: CompressionZstd,
			decode: func(t *testing.T, data []byte) string {
				d, err := zstd.NewReader(nil)
				require.NoError(t, err)
				defer d.Close()
				out, err := d.DecodeAll(data, nil)
				require.NoError(t, err)
				return string(out)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := testContext(t)
			f := newFixture(t)
			f.put(t, "delta/app1/dt=1/a", gz("line1\nline2\n"))
			f.put(t, "delta/app1/dt=1/b", "line3")

			task := Task{
				ID:        "t-0",
				SrcPrefix: "delta/app1",
				DstPrefix: "merge/app1",
				Sources: []objstore.Object{
					{Key: "delta/app1/dt=1/a"},
					{Key: "delta/app1/dt=1/b"},
				},
				Options: Options{Merge: true, Compression: tt.compression},
			}
			c := NewConsumer(f.objects, f.tokens, f.queue)
			require.NoError(t, c.Process(ctx, task))

			data, err := f.objects.ReadAll(ctx, task.MergedKey())
			require.NoError(t, err)
			assert.Equal(t, "line1\nline2\nline3\n", tt.decode(t, data))
			assert.Len(t, f.keys(t, "delta/"), 2, "sources kept without DeleteOnSuccess")
		})
	}
}

func TestEnrichers(t *testing.T) {
	chain, err := DefaultEnrichers().Resolve([]string{"gzip", "gunzip"})
	require.NoError(t, err)

	key, data, err := enrich(chain, "dt=1/a.log", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "dt=1/a.log", key)
	assert.Equal(t, "hello", string(data))

	_, err = DefaultEnrichers().Resolve([]string{"nope"})
	assert.Error(t, err)
}
