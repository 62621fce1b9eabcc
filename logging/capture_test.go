package logging

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBase(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func TestCollectorCapturesAndPassesThrough(t *testing.T) {
	var buf bytes.Buffer
	c := NewCollector(0)
	logger := c.Logger(newBase(&buf), "exec-001")

	logger.Debug("not written but captured")
	logger.Info("scan started", "objects", 3, "elapsed", 2*time.Second, "error", errors.New("boom"))

	recs, dropped := c.Records("exec-001")
	require.Len(t, recs, 2)
	assert.Zero(t, dropped)
	assert.Equal(t, "DEBUG", recs[0].Level)
	assert.Equal(t, "scan started", recs[1].Message)
	assert.Equal(t, int64(3), recs[1].Attributes["objects"])
	assert.Equal(t, "2s", recs[1].Attributes["elapsed"])
	assert.Equal(t, "boom", recs[1].Attributes["error"])

	assert.NotContains(t, buf.String(), "not written")
	assert.Contains(t, buf.String(), "scan started")
}

func TestCollectorFilesChildrenUnderRoot(t *testing.T) {
	c := NewCollector(0)
	base := newBase(&bytes.Buffer{})

	c.Logger(base, "exec-001").Info("parent")
	c.Logger(base, "exec-001/insert-into-delta-from-tmp-table").Info("child")
	c.Logger(base, "exec-002").Info("other")

	recs, _ := c.Records("exec-001")
	require.Len(t, recs, 2)
	assert.Equal(t, "exec-001/insert-into-delta-from-tmp-table", recs[1].Execution)

	c.Forget("exec-001")
	recs, _ = c.Records("exec-001")
	assert.Empty(t, recs)
	recs, _ = c.Records("exec-002")
	assert.Len(t, recs, 1)
}

func TestCollectorWithAttrsAndGroups(t *testing.T) {
	c := NewCollector(0)
	logger := c.Logger(newBase(&bytes.Buffer{}), "exec-001").
		With("state", "Wait for migration").
		WithGroup("batch").
		With("id", 7)

	logger.Info("batch done", "objects", 2)

	recs, _ := c.Records("exec-001")
	require.Len(t, recs, 1)
	assert.Equal(t, "Wait for migration", recs[0].Attributes["state"])
	assert.Equal(t, int64(7), recs[0].Attributes["batch.id"])
	assert.Equal(t, int64(2), recs[0].Attributes["batch.objects"])
}

func TestCollectorLimit(t *testing.T) {
	c := NewCollector(3)
	logger := c.Logger(newBase(&bytes.Buffer{}), "exec-001")
	for i := 0; i < 5; i++ {
		logger.Info(fmt.Sprintf("line %d", i))
	}

	recs, dropped := c.Records("exec-001")
	assert.Len(t, recs, 3)
	assert.Equal(t, 2, dropped)
	assert.Equal(t, "line 2", recs[2].Message)
}

func TestCollectorConcurrent(t *testing.T) {
	c := NewCollector(0)
	base := newBase(&bytes.Buffer{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger := c.Logger(base, fmt.Sprintf("exec-%d/child", i%2))
			for j := 0; j < 20; j++ {
				logger.Info("tick", "j", j)
			}
		}(i)
	}
	wg.Wait()

	for _, exec := range []string{"exec-0", "exec-1"} {
		recs, _ := c.Records(exec)
		assert.Len(t, recs, 100, exec)
	}
}

func TestRecordsReturnsCopy(t *testing.T) {
	c := NewCollector(0)
	c.Logger(newBase(&bytes.Buffer{}), "exec-001").Info("original")

	recs, _ := c.Records("exec-001")
	recs[0].Message = "changed"

	again, _ := c.Records("exec-001")
	assert.Equal(t, "original", again[0].Message)
}
