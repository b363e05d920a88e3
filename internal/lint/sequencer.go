package lint

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/pitabwire/portico/model"
)

// Sequencer orders concurrent lint runs for the same editing key (an API
// being edited, usually). Begin hands out increasing sequence numbers and
// Commit rejects a result older than the last one accepted, so a slow run
// finishing late cannot overwrite a newer result.
type Sequencer struct {
	mu        sync.Mutex
	next      uint64
	committed *lru.LRU[string, committedRun]
}

type committedRun struct {
	seq    uint64
	result model.LintRunResult
}

// NewSequencer tracks at most size keys; a key idle for longer than ttl is
// forgotten.
func NewSequencer(size int, ttl time.Duration) *Sequencer {
	if size <= 0 {
		size = 1024
	}
	return &Sequencer{committed: lru.NewLRU[string, committedRun](size, nil, ttl)}
}

// Begin returns the sequence number of a new run. Numbers are unique across
// keys.
func (s *Sequencer) Begin() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return s.next
}

// Commit records result as the latest for key and returns the result it
// replaces. When a newer run has already committed, nothing is recorded, ok
// is false and previous is that newer result.
func (s *Sequencer) Commit(key string, seq uint64, result model.LintRunResult) (previous model.LintRunResult, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, found := s.committed.Get(key)
	if found && last.seq > seq {
		return last.result, false
	}
	result.Sequence = seq
	s.committed.Add(key, committedRun{seq: seq, result: result})
	return last.result, true
}

// Latest returns the last committed result for key.
func (s *Sequencer) Latest(key string) (model.LintRunResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.committed.Get(key)
	return last.result, ok
}
