package execlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"gocloud.dev/docstore"
	_ "gocloud.dev/docstore/awsdynamodb"
	"gocloud.dev/docstore/memdocstore"
	"gocloud.dev/gcerrors"

	"github.com/nomis52/deltaetl/retry"
)

const maxRevisionConflicts = 5

// entryDoc is the docstore representation of an Entry.
type entryDoc struct {
	ExecutionName    string `docstore:"executionName"`
	TaskID           string `docstore:"taskId"`
	API              string `docstore:"api"`
	Payload          string `docstore:"payload"`
	PipelineID       string `docstore:"pipelineId"`
	ScheduleType     string `docstore:"scheduleType"`
	StateMachineName string `docstore:"stateMachineName"`
	StateName        string `docstore:"stateName"`
	PipelineIndexKey string `docstore:"pipelineIndexKey"`
	Status           string `docstore:"status"`
	StartTime        string `docstore:"startTime"`
	EndTime          string `docstore:"endTime"`

	DocstoreRevision interface{}
}

func toDoc(e Entry) *entryDoc {
	return &entryDoc{
		ExecutionName:    e.ExecutionName,
		TaskID:           e.TaskID,
		API:              e.API,
		Payload:          e.Payload,
		PipelineID:       e.PipelineID,
		ScheduleType:     e.ScheduleType,
		StateMachineName: e.StateMachineName,
		StateName:        e.StateName,
		PipelineIndexKey: e.PipelineIndexKey,
		Status:           string(e.Status),
		StartTime:        e.StartTime,
		EndTime:          e.EndTime,
	}
}

func (d *entryDoc) entry() Entry {
	return Entry{
		ExecutionName:    d.ExecutionName,
		TaskID:           d.TaskID,
		API:              d.API,
		Payload:          d.Payload,
		PipelineID:       d.PipelineID,
		ScheduleType:     d.ScheduleType,
		StateMachineName: d.StateMachineName,
		StateName:        d.StateName,
		PipelineIndexKey: d.PipelineIndexKey,
		Status:           Status(d.Status),
		StartTime:        d.StartTime,
		EndTime:          d.EndTime,
	}
}

// entryKey derives the composite key used by the in-memory driver. Other
// drivers take the key from the collection URL.
func entryKey(doc docstore.Document) interface{} {
	switch d := doc.(type) {
	case *entryDoc:
		return d.ExecutionName + "/" + d.TaskID
	case map[string]interface{}:
		return fmt.Sprint(d["executionName"]) + "/" + fmt.Sprint(d["taskId"])
	default:
		return nil
	}
}

// DocstoreStore is a Store backed by a gocloud.dev docstore collection.
type DocstoreStore struct {
	coll *docstore.Collection
	now  func() time.Time
}

// OpenDocstore opens a collection by URL. "mem://" URLs get an in-memory
// collection keyed by (executionName, taskId).
func OpenDocstore(ctx context.Context, url string) (*DocstoreStore, error) {
	var (
		coll *docstore.Collection
		err  error
	)
	if strings.HasPrefix(url, "mem://") {
		coll, err = memdocstore.OpenCollectionWithKeyFunc(entryKey, nil)
	} else {
		coll, err = docstore.OpenCollection(ctx, url)
	}
	if err != nil {
		return nil, fmt.Errorf("opening execution log collection %q: %w", url, err)
	}
	return &DocstoreStore{coll: coll, now: time.Now}, nil
}

// PutIfAbsent implements Store.
func (s *DocstoreStore) PutIfAbsent(ctx context.Context, e Entry) (bool, error) {
	e, err := e.Normalize(s.now())
	if err != nil {
		return false, err
	}
	if err := s.coll.Create(ctx, toDoc(e)); err != nil {
		if gcerrors.Code(err) == gcerrors.AlreadyExists {
			return false, nil
		}
		return false, classify(fmt.Errorf("creating %s/%s: %w", e.ExecutionName, e.TaskID, err))
	}
	return true, nil
}

// Update implements Store. Concurrent writers are serialised by the
// document revision.
func (s *DocstoreStore) Update(ctx context.Context, executionName, taskID string, u Update) error {
	for i := 0; i < maxRevisionConflicts; i++ {
		doc := &entryDoc{ExecutionName: executionName, TaskID: taskID}
		if err := s.coll.Get(ctx, doc); err != nil {
			if gcerrors.Code(err) == gcerrors.NotFound {
				return fmt.Errorf("%w: %s/%s", ErrNotFound, executionName, taskID)
			}
			return classify(fmt.Errorf("reading %s/%s: %w", executionName, taskID, err))
		}

		next, changed, err := u.apply(doc.entry(), s.now())
		if err != nil || !changed {
			return err
		}

		err = s.coll.Update(ctx, doc, docstore.Mods{
			"status":    string(next.Status),
			"endTime":   next.EndTime,
			"stateName": next.StateName,
			"payload":   next.Payload,
		})
		if err == nil {
			return nil
		}
		if gcerrors.Code(err) != gcerrors.FailedPrecondition {
			return classify(fmt.Errorf("updating %s/%s: %w", executionName, taskID, err))
		}
	}
	return retry.Transient(fmt.Errorf("updating %s/%s: too many concurrent writers", executionName, taskID))
}

// Get implements Store.
func (s *DocstoreStore) Get(ctx context.Context, executionName, taskID string) (Entry, error) {
	doc := &entryDoc{ExecutionName: executionName, TaskID: taskID}
	if err := s.coll.Get(ctx, doc); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return Entry{}, fmt.Errorf("%w: %s/%s", ErrNotFound, executionName, taskID)
		}
		return Entry{}, classify(err)
	}
	return doc.entry(), nil
}

// ListByExecution implements Store.
func (s *DocstoreStore) ListByExecution(ctx context.Context, executionName string) ([]Entry, error) {
	entries, err := s.query(ctx, "executionName", executionName)
	if err != nil {
		return nil, err
	}
	sortByStart(entries, false)
	return entries, nil
}

// ListByPipeline implements Store.
func (s *DocstoreStore) ListByPipeline(ctx context.Context, indexKey string, limit int) ([]Entry, error) {
	entries, err := s.query(ctx, "pipelineIndexKey", indexKey)
	if err != nil {
		return nil, err
	}
	sortByStart(entries, true)
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *DocstoreStore) query(ctx context.Context, field, value string) ([]Entry, error) {
	iter := s.coll.Query().Where(docstore.FieldPath(field), "=", value).Get(ctx)
	defer iter.Stop()

	var entries []Entry
	for {
		var doc entryDoc
		err := iter.Next(ctx, &doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, classify(fmt.Errorf("querying %s=%q: %w", field, value, err))
		}
		entries = append(entries, doc.entry())
	}
	return entries, nil
}

// Close implements Store.
func (s *DocstoreStore) Close() error {
	return s.coll.Close()
}

// classify marks throttling, timeouts and driver-internal failures as
// transient.
func classify(err error) error {
	switch gcerrors.Code(err) {
	case gcerrors.ResourceExhausted, gcerrors.DeadlineExceeded, gcerrors.Internal:
		return retry.Transient(err)
	default:
		return err
	}
}
