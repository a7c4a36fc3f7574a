package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xxxsen/mathimport/internal/model"
	appErr "github.com/xxxsen/mathimport/internal/pkg/errors"
)

type State string

const (
	StateExtracting State = "extracting"
	StateConverting State = "converting"
	StateStaged     State = "staged"
	StateConfirmed  State = "confirmed"
	StateExpired    State = "expired"
)

const defaultTTL = 30 * time.Minute

func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateExpired
}

// Snapshot is a detached copy of a session; callers may keep it after the
// session is destroyed.
type Snapshot struct {
	ID       string
	Source   string
	State    State
	Segments []model.Segment
	Degraded []model.DegradedEmbedding
	Results  map[int]model.ConversionResult
	Failures map[int]string
	Ctime    time.Time
	Deadline time.Time
}

// Pending returns the indexes that still lack a result, in order.
func (s *Snapshot) Pending() []int {
	out := make([]int, 0)
	for _, seg := range s.Segments {
		if _, ok := s.Results[seg.Index]; !ok {
			out = append(out, seg.Index)
		}
	}
	return out
}

type entry struct {
	mu       sync.Mutex
	id       string
	source   string
	state    State
	segments []model.Segment
	degraded []model.DegradedEmbedding
	results  map[int]model.ConversionResult
	failures map[int]string
	ctime    time.Time
	deadline time.Time
}

// Store keeps every live conversion session in memory, keyed by id.
// Each session has its own lock; the map lock only guards membership.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	ttl      time.Duration
	now      func() time.Time
}

func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{
		sessions: make(map[string]*entry),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Create opens a new session in the extracting state and returns its id.
func (s *Store) Create(source string) string {
	now := s.now()
	e := &entry{
		id:       uuid.NewString(),
		source:   source,
		state:    StateExtracting,
		results:  make(map[int]model.ConversionResult),
		failures: make(map[int]string),
		ctime:    now,
		deadline: now.Add(s.ttl),
	}
	s.mu.Lock()
	s.sessions[e.id] = e
	s.mu.Unlock()
	return e.id
}

// acquire returns the live session locked. Expired sessions are removed on sight.
func (s *Store) acquire(id string) (*entry, error) {
	s.mu.RLock()
	e := s.sessions[id]
	s.mu.RUnlock()
	if e == nil {
		return nil, fmt.Errorf("%w: %s", appErr.ErrSessionNotFound, id)
	}
	e.mu.Lock()
	if e.state.Terminal() {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", appErr.ErrSessionNotFound, id)
	}
	if !s.now().Before(e.deadline) {
		e.state = StateExpired
		e.mu.Unlock()
		s.remove(id, e)
		return nil, fmt.Errorf("%w: %s", appErr.ErrSessionNotFound, id)
	}
	return e, nil
}

func (s *Store) remove(id string, e *entry) {
	s.mu.Lock()
	if s.sessions[id] == e {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
}

// BeginConversion attaches the extracted segments and moves the session to converting.
func (s *Store) BeginConversion(id string, segments []model.Segment, degraded []model.DegradedEmbedding) error {
	e, err := s.acquire(id)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	if e.state != StateExtracting {
		return fmt.Errorf("%w: begin conversion in %s", appErr.ErrInvalidState, e.state)
	}
	for i, seg := range segments {
		if seg.Index != i {
			return fmt.Errorf("%w: segment index %d at position %d", appErr.ErrInvalid, seg.Index, i)
		}
		if !seg.Kind.Valid() {
			return fmt.Errorf("%w: segment %d has kind %q", appErr.ErrInvalid, i, seg.Kind)
		}
	}
	e.segments = segments
	e.degraded = degraded
	e.state = StateConverting
	return nil
}

// Record stores the single result for a segment. A second result for the
// same index is rejected with ErrDuplicateResult.
func (s *Store) Record(id string, result model.ConversionResult) error {
	e, err := s.acquire(id)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	if e.state != StateConverting {
		return fmt.Errorf("%w: record in %s", appErr.ErrInvalidState, e.state)
	}
	idx := result.SegmentIndex
	if idx < 0 || idx >= len(e.segments) {
		return fmt.Errorf("%w: segment index %d out of range", appErr.ErrInvalid, idx)
	}
	if _, ok := e.results[idx]; ok {
		return fmt.Errorf("%w: segment %d", appErr.ErrDuplicateResult, idx)
	}
	if err := result.Validate(e.segments[idx].Kind); err != nil {
		return fmt.Errorf("%w: segment %d: %v", appErr.ErrInvalid, idx, err)
	}
	e.results[idx] = result
	delete(e.failures, idx)
	return nil
}

// RecordFailure marks a segment whose conversion hit a hard error. The
// segment stays without a result until a retry records one.
func (s *Store) RecordFailure(id string, index int, reason string) error {
	e, err := s.acquire(id)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	if e.state != StateConverting {
		return fmt.Errorf("%w: record failure in %s", appErr.ErrInvalidState, e.state)
	}
	if index < 0 || index >= len(e.segments) {
		return fmt.Errorf("%w: segment index %d out of range", appErr.ErrInvalid, index)
	}
	if _, ok := e.results[index]; ok {
		return fmt.Errorf("%w: segment %d", appErr.ErrDuplicateResult, index)
	}
	e.failures[index] = reason
	return nil
}

// Segment returns a copy of one segment, used to re-run a failed conversion.
func (s *Store) Segment(id string, index int) (model.Segment, error) {
	e, err := s.acquire(id)
	if err != nil {
		return model.Segment{}, err
	}
	defer e.mu.Unlock()
	if index < 0 || index >= len(e.segments) {
		return model.Segment{}, fmt.Errorf("%w: segment %d", appErr.ErrNotFound, index)
	}
	return e.segments[index], nil
}

// FallbackImage returns the retained image of a formula that fell back.
func (s *Store) FallbackImage(id string, index int) (*model.FallbackImage, error) {
	e, err := s.acquire(id)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	res, ok := e.results[index]
	if !ok || res.Status != model.StatusFallback || res.Fallback == nil || len(res.Fallback.Data) == 0 {
		return nil, fmt.Errorf("%w: no fallback image for segment %d", appErr.ErrNotFound, index)
	}
	fb := *res.Fallback
	return &fb, nil
}

// Finalize moves a fully converted session to staged and returns its entries
// in index order. It fails with ErrIncompleteSession while any segment lacks
// a result. Calling it again on a staged session returns the same entries.
func (s *Store) Finalize(id string) ([]model.FinalEntry, error) {
	e, err := s.acquire(id)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	switch e.state {
	case StateConverting:
		if missing := len(e.segments) - len(e.results); missing > 0 {
			return nil, fmt.Errorf("%w: %d of %d segments without result", appErr.ErrIncompleteSession, missing, len(e.segments))
		}
		e.state = StateStaged
	case StateStaged:
	default:
		return nil, fmt.Errorf("%w: finalize in %s", appErr.ErrInvalidState, e.state)
	}
	return e.entries(), nil
}

func (e *entry) entries() []model.FinalEntry {
	out := make([]model.FinalEntry, 0, len(e.segments))
	for _, seg := range e.segments {
		out = append(out, model.FinalEntry{Segment: seg, Result: e.results[seg.Index]})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Segment.Index < out[j].Segment.Index
	})
	return out
}

func (s *Store) Snapshot(id string) (*Snapshot, error) {
	e, err := s.acquire(id)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	snap := &Snapshot{
		ID:       e.id,
		Source:   e.source,
		State:    e.state,
		Segments: append([]model.Segment(nil), e.segments...),
		Degraded: append([]model.DegradedEmbedding(nil), e.degraded...),
		Results:  make(map[int]model.ConversionResult, len(e.results)),
		Failures: make(map[int]string, len(e.failures)),
		Ctime:    e.ctime,
		Deadline: e.deadline,
	}
	for k, v := range e.results {
		snap.Results[k] = v
	}
	for k, v := range e.failures {
		snap.Failures[k] = v
	}
	return snap, nil
}

// Complete hands the staged entries to fn and destroys the session once fn
// succeeds. The session lock is held throughout, so a concurrent confirm or
// expire waits and then sees the session gone.
func (s *Store) Complete(id string, fn func(entries []model.FinalEntry) error) error {
	e, err := s.acquire(id)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	if e.state != StateStaged {
		return fmt.Errorf("%w: confirm in %s", appErr.ErrInvalidState, e.state)
	}
	if err := fn(e.entries()); err != nil {
		return err
	}
	e.state = StateConfirmed
	s.remove(id, e)
	return nil
}

// Expire destroys a session in any non-terminal state.
func (s *Store) Expire(id string) error {
	e, err := s.acquire(id)
	if err != nil {
		return err
	}
	e.state = StateExpired
	e.mu.Unlock()
	s.remove(id, e)
	return nil
}

// Sweep expires every session whose deadline has passed and returns how many were removed.
func (s *Store) Sweep() int {
	now := s.now()
	s.mu.RLock()
	ids := make([]string, 0)
	for id, e := range s.sessions {
		if !now.Before(e.deadline) {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()
	removed := 0
	for _, id := range ids {
		s.mu.RLock()
		e := s.sessions[id]
		s.mu.RUnlock()
		if e == nil {
			continue
		}
		e.mu.Lock()
		if e.state.Terminal() {
			e.mu.Unlock()
			continue
		}
		e.state = StateExpired
		e.mu.Unlock()
		s.remove(id, e)
		removed++
	}
	return removed
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
