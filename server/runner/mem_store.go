package runner

import (
	"sync"

	"github.com/nomis52/deltaetl/logging"
)

// MemoryStore keeps the last maxCount executions in memory.
type MemoryStore struct {
	maxCount int

	mu   sync.Mutex
	runs []record
}

// NewMemoryStore creates a store keeping at most maxCount executions. A
// non-positive maxCount keeps defaultHistorySize.
func NewMemoryStore(maxCount int) *MemoryStore {
	if maxCount <= 0 {
		maxCount = defaultHistorySize
	}
	return &MemoryStore{maxCount: maxCount}
}

// History implements Store.
func (s *MemoryStore) History() []Execution {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]Execution, len(s.runs))
	for i, r := range s.runs {
		result[i] = r.Execution
	}
	return result
}

// Logs implements Store.
func (s *MemoryStore) Logs(name string) ([]logging.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.runs {
		if r.Name == name {
			logs := make([]logging.Record, len(r.Logs))
			copy(logs, r.Logs)
			return logs, true
		}
	}
	return nil, false
}

// Save implements Store.
func (s *MemoryStore) Save(e Execution, logs []logging.Record, dropped int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs = append([]record{{Execution: e, Logs: logs, DroppedLogs: dropped}}, s.runs...)
	if len(s.runs) > s.maxCount {
		s.runs = s.runs[:s.maxCount]
	}
	return nil
}
