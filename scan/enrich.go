package scan

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Enricher rewrites an object's bytes while it is migrated.
type Enricher struct {
	Name  string
	Apply func(data []byte) ([]byte, error)
	// Rename maps the destination key. Nil keeps it.
	Rename func(key string) string
}

// Enrichers is a set of enrichers by name.
type Enrichers map[string]Enricher

// DefaultEnrichers returns the built-in enrichers.
func DefaultEnrichers() Enrichers {
	return Enrichers{
		"gunzip": {
			Name:   "gunzip",
			Apply:  gunzip,
			Rename: func(key string) string { return strings.TrimSuffix(key, ".gz") },
		},
		"gzip": {
			Name:  "gzip",
			Apply: gzipBytes,
			Rename: func(key string) string {
				if strings.HasSuffix(key, ".gz") {
					return key
				}
				return key + ".gz"
			},
		},
	}
}

// Resolve returns the enrichers for names in order.
func (e Enrichers) Resolve(names []string) ([]Enricher, error) {
	out := make([]Enricher, 0, len(names))
	for _, n := range names {
		enr, ok := e[n]
		if !ok {
			return nil, fmt.Errorf("unknown enrichment plugin %q (known: %s)", n, strings.Join(e.names(), ", "))
		}
		out = append(out, enr)
	}
	return out, nil
}

func (e Enrichers) names() []string {
	names := make([]string, 0, len(e))
	for n := range e {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func enrich(chain []Enricher, key string, data []byte) (string, []byte, error) {
	for _, enr := range chain {
		var err error
		if data, err = enr.Apply(data); err != nil {
			return "", nil, fmt.Errorf("%s %s: %w", enr.Name, key, err)
		}
		if enr.Rename != nil {
			key = enr.Rename(key)
		}
	}
	return key, data, nil
}

// gunzip leaves data that is not gzip encoded untouched.
func gunzip(data []byte) ([]byte, error) {
	if !isGzip(data) {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func gzipBytes(data []byte) ([]byte, error) {
	if isGzip(data) {
		return data, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
