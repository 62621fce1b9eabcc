package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nomis52/deltaetl/callback"
	"github.com/nomis52/deltaetl/objstore"
	"github.com/nomis52/deltaetl/queue"
)

// Metadata keys set on every task message.
const (
	MetadataToken     = "token"
	MetadataExecution = "execution"
	MetadataBatch     = "batch"
)

// Request is one scan of SrcPath into DstPath.
type Request struct {
	ExecutionID string
	StateName   string
	SrcPath     string
	DstPath     string
	Queue       *queue.Queue
	Options     Options
}

// Result reports what a scan enqueued. Token is empty when nothing was found.
type Result struct {
	HasObjects bool   `json:"hasObjects"`
	Token      string `json:"token,omitempty"`
	Batches    int    `json:"batches"`
	Objects    int    `json:"objects"`
	Bytes      int64  `json:"bytes"`
}

// Scanner lists source prefixes and enqueues task batches.
type Scanner struct {
	objects   *objstore.Store
	tokens    *callback.Registry
	enrichers Enrichers
	logger    *slog.Logger
}

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// WithScannerLogger sets the logger.
func WithScannerLogger(logger *slog.Logger) ScannerOption {
	return func(s *Scanner) {
		s.logger = logger
	}
}

// WithScannerEnrichers replaces the enrichers plugin names are checked against.
func WithScannerEnrichers(e Enrichers) ScannerOption {
	return func(s *Scanner) {
		s.enrichers = e
	}
}

// NewScanner creates a Scanner.
func NewScanner(objects *objstore.Store, tokens *callback.Registry, opts ...ScannerOption) *Scanner {
	s := &Scanner{
		objects:   objects,
		tokens:    tokens,
		enrichers: DefaultEnrichers(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scanner")
	return s
}

// Scan lists req.SrcPath and enqueues one task per batch, all sharing one
// callback token. The token is armed with the batch count before the first
// message is sent. When the listing is empty nothing is enqueued and no
// token is created.
func (s *Scanner) Scan(ctx context.Context, req Request) (Result, error) {
	opts := req.Options.withDefaults()
	if req.Queue == nil {
		return Result{}, fmt.Errorf("scan %s: no queue", req.SrcPath)
	}
	if _, err := s.enrichers.Resolve(opts.EnrichmentPlugins); err != nil {
		return Result{}, fmt.Errorf("scan %s: %w", req.SrcPath, err)
	}

	listed, err := s.objects.List(ctx, objstore.Prefix(req.SrcPath), opts.MaxRecords)
	if err != nil {
		return Result{}, fmt.Errorf("scan %s: %w", req.SrcPath, err)
	}
	objects := listed[:0]
	var size int64
	for _, o := range listed {
		if strings.HasSuffix(o.Key, "/") {
			continue
		}
		objects = append(objects, o)
		size += o.Size
	}

	logger := s.logger.With("execution", req.ExecutionID, "state", req.StateName, "src", req.SrcPath, "dst", req.DstPath)
	if len(objects) == 0 {
		logger.Info("no objects to migrate")
		return Result{}, nil
	}

	batches := plan(req.SrcPath, objects, opts)
	token, err := s.tokens.Create(ctx, req.ExecutionID, req.StateName)
	if err != nil {
		return Result{}, fmt.Errorf("scan %s: %w", req.SrcPath, err)
	}
	if err := s.tokens.Arm(ctx, token, len(batches)); err != nil {
		return Result{}, fmt.Errorf("scan %s: %w", req.SrcPath, err)
	}

	for i, batch := range batches {
		task := Task{
			ID:          batchID(token, i),
			Token:       token,
			ExecutionID: req.ExecutionID,
			SrcPrefix:   req.SrcPath,
			DstPrefix:   req.DstPath,
			Sources:     batch,
			Options:     opts,
		}
		if err := s.send(ctx, req.Queue, task); err != nil {
			if ferr := s.tokens.Fail(ctx, token, err.Error()); ferr != nil {
				logger.Error("failing token after enqueue error", "token", token, "error", ferr)
			}
			return Result{}, fmt.Errorf("scan %s: %w", req.SrcPath, err)
		}
	}

	logger.Info("enqueued migration",
		"token", token,
		"queue", req.Queue.Name(),
		"objects", len(objects),
		"batches", len(batches),
		"bytes", size,
	)
	return Result{
		HasObjects: true,
		Token:      token,
		Batches:    len(batches),
		Objects:    len(objects),
		Bytes:      size,
	}, nil
}

func (s *Scanner) send(ctx context.Context, q *queue.Queue, t Task) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding task %s: %w", t.ID, err)
	}
	return q.Send(ctx, body, map[string]string{
		MetadataToken:     t.Token,
		MetadataExecution: t.ExecutionID,
		MetadataBatch:     t.ID,
	})
}
