// Package scan implements the scan/migrate worker: a Scanner lists a source
// prefix and fans the listing out as task batches on a queue, a Consumer
// copies or merges each batch and reports completion against the callback
// token shared by all batches, and a DeadLetterWatcher fails the token of any
// batch that exhausted its deliveries.
package scan

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/nomis52/deltaetl/objstore"
)

const (
	DefaultMaxObjectsPerTask = 100
	DefaultMaxBytesPerTask   = 128 << 20
)

// Merge compression modes.
const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
)

// Options control how a listing is migrated.
type Options struct {
	// KeepPrefix keeps each key's path relative to the source prefix.
	// Otherwise only the base name is kept.
	KeepPrefix bool `json:"keepPrefix"`
	// Merge concatenates the objects of each partition directory.
	Merge           bool `json:"merge"`
	DeleteOnSuccess bool `json:"deleteOnSuccess"`
	// MaxRecords bounds the listing; -1 or 0 lists everything.
	MaxRecords        int      `json:"maxRecords"`
	MaxObjectsPerTask int      `json:"maxObjectsPerTask"`
	MaxBytesPerTask   int64    `json:"maxBytesPerTask"`
	Compression       string   `json:"compression,omitempty"`
	SourceType        string   `json:"sourceType,omitempty"`
	EnrichmentPlugins []string `json:"enrichmentPlugins,omitempty"`
}

func (o Options) withDefaults() Options {
	if o.MaxRecords == 0 {
		o.MaxRecords = -1
	}
	if o.MaxObjectsPerTask <= 0 {
		o.MaxObjectsPerTask = DefaultMaxObjectsPerTask
	}
	if o.MaxBytesPerTask <= 0 {
		o.MaxBytesPerTask = DefaultMaxBytesPerTask
	}
	if o.Compression == "" {
		o.Compression = CompressionNone
	}
	return o
}

// Task is the body of one queue message.
type Task struct {
	// ID identifies the batch within its token. Redelivered copies share it.
	ID          string            `json:"id"`
	Token       string            `json:"token"`
	ExecutionID string            `json:"executionId"`
	SrcPrefix   string            `json:"srcPrefix"`
	DstPrefix   string            `json:"dstPrefix"`
	Sources     []objstore.Object `json:"sources"`
	Options     Options           `json:"options"`
}

// Destination returns where a copied source key lands.
func (t Task) Destination(key string) string {
	if t.Options.KeepPrefix {
		return objstore.Join(t.DstPrefix, objstore.Rel(t.SrcPrefix, key))
	}
	return objstore.Join(t.DstPrefix, path.Base(key))
}

// MergedKey returns the destination of a merge task. It depends only on the
// source keys, so a redelivered task overwrites its own earlier output.
func (t Task) MergedKey() string {
	keys := make([]string, len(t.Sources))
	for i, s := range t.Sources {
		keys[i] = s.Key
	}
	sort.Strings(keys)
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(strings.Join(keys, "\n")))

	dir := path.Dir(objstore.Rel(t.SrcPrefix, keys[0]))
	if dir == "." {
		dir = ""
	}
	return objstore.Join(t.DstPrefix, dir, "merged-"+id.String()+mergedExt(t.Options.Compression, keys[0]))
}

func mergedExt(compression, firstKey string) string {
	switch compression {
	case CompressionGzip:
		return ".gz"
	case CompressionZstd:
		return ".zst"
	}
	// Merged output is decoded, so a compression suffix on the source no
	// longer applies; the extension beneath it does.
	key := strings.TrimSuffix(strings.TrimSuffix(firstKey, ".gz"), ".zst")
	return path.Ext(key)
}

// plan splits a listing into batches. Merge batches never span partition
// directories. An object larger than maxBytes gets a batch of its own.
func plan(srcPrefix string, objects []objstore.Object, opts Options) [][]objstore.Object {
	groups := [][]objstore.Object{objects}
	if opts.Merge {
		groups = groupByDir(srcPrefix, objects)
	}

	var batches [][]objstore.Object
	for _, group := range groups {
		var cur []objstore.Object
		var size int64
		for _, o := range group {
			if len(cur) > 0 && (len(cur) >= opts.MaxObjectsPerTask || size+o.Size > opts.MaxBytesPerTask) {
				batches = append(batches, cur)
				cur, size = nil, 0
			}
			cur = append(cur, o)
			size += o.Size
		}
		if len(cur) > 0 {
			batches = append(batches, cur)
		}
	}
	return batches
}

func groupByDir(srcPrefix string, objects []objstore.Object) [][]objstore.Object {
	index := map[string]int{}
	var groups [][]objstore.Object
	for _, o := range objects {
		dir := path.Dir(objstore.Rel(srcPrefix, o.Key))
		i, ok := index[dir]
		if !ok {
			i = len(groups)
			index[dir] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], o)
	}
	return groups
}

func batchID(token string, n int) string {
	return fmt.Sprintf("%s-%04d", token, n)
}
