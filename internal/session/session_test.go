package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/mathimport/internal/model"
	appErr "github.com/xxxsen/mathimport/internal/pkg/errors"
)

func testSegments() []model.Segment {
	return []model.Segment{
		{Index: 0, Kind: model.KindText, Text: "f(x)=x^2"},
		{Index: 1, Kind: model.KindFormulaImage, Data: []byte("wmf")},
		{Index: 2, Kind: model.KindContentImage, Data: []byte("png")},
	}
}

func textResult() model.ConversionResult {
	return model.ConversionResult{SegmentIndex: 0, Status: model.StatusUnconverted, Text: "f(x)=x^2"}
}

func fallbackResult() model.ConversionResult {
	return model.ConversionResult{
		SegmentIndex: 1,
		Status:       model.StatusFallback,
		Fallback:     &model.FallbackImage{Data: []byte("raster"), ContentType: "image/png", Source: []byte("wmf")},
	}
}

func imageResult() model.ConversionResult {
	return model.ConversionResult{
		SegmentIndex: 2,
		Status:       model.StatusConverted,
		Reference:    &model.StorageReference{ContentHash: "h", Key: "h.png", URL: "https://cdn/h.png"},
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(ttl time.Duration) (*Store, *clock) {
	c := &clock{now: time.Unix(1700000000, 0)}
	s := NewStore(ttl)
	s.now = c.Now
	return s, c
}

func TestSessionLifecycle(t *testing.T) {
	s, _ := newTestStore(time.Minute)
	id := s.Create("paper.docx")
	other := s.Create("paper.docx")
	require.NotEqual(t, id, other)

	snap, err := s.Snapshot(id)
	require.NoError(t, err)
	require.Equal(t, StateExtracting, snap.State)

	require.ErrorIs(t, s.Record(id, textResult()), appErr.ErrInvalidState)
	require.NoError(t, s.BeginConversion(id, testSegments(), nil))
	require.ErrorIs(t, s.BeginConversion(id, testSegments(), nil), appErr.ErrInvalidState)

	require.NoError(t, s.Record(id, imageResult()))
	require.NoError(t, s.Record(id, textResult()))
	_, err = s.Finalize(id)
	require.ErrorIs(t, err, appErr.ErrIncompleteSession)

	require.NoError(t, s.Record(id, fallbackResult()))
	entries, err := s.Finalize(id)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		require.Equal(t, i, e.Segment.Index)
		require.Equal(t, i, e.Result.SegmentIndex)
	}
	again, err := s.Finalize(id)
	require.NoError(t, err)
	require.Equal(t, entries, again)

	fb, err := s.FallbackImage(id, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("raster"), fb.Data)
	require.Equal(t, []byte("wmf"), fb.Source)
	_, err = s.FallbackImage(id, 2)
	require.ErrorIs(t, err, appErr.ErrNotFound)

	require.ErrorIs(t, s.Record(id, textResult()), appErr.ErrInvalidState)

	var persisted []model.FinalEntry
	require.NoError(t, s.Complete(id, func(entries []model.FinalEntry) error {
		persisted = entries
		return nil
	}))
	require.Len(t, persisted, 3)
	_, err = s.Finalize(id)
	require.ErrorIs(t, err, appErr.ErrSessionNotFound)
	require.Equal(t, 1, s.Len())
}

func TestRecordRejectsDuplicatesAndInvalid(t *testing.T) {
	s, _ := newTestStore(time.Minute)
	id := s.Create("")
	require.NoError(t, s.BeginConversion(id, testSegments(), nil))

	require.NoError(t, s.Record(id, textResult()))
	require.ErrorIs(t, s.Record(id, textResult()), appErr.ErrDuplicateResult)
	require.True(t, appErr.IsContractViolation(s.Record(id, textResult())))

	wrongKind := model.ConversionResult{SegmentIndex: 2, Status: model.StatusFallback, Fallback: &model.FallbackImage{Data: []byte("x")}}
	require.ErrorIs(t, s.Record(id, wrongKind), appErr.ErrInvalid)
	require.ErrorIs(t, s.Record(id, model.ConversionResult{SegmentIndex: 9, Status: model.StatusUnconverted}), appErr.ErrInvalid)
}

func TestRecordFallbackWithoutImage(t *testing.T) {
	s, _ := newTestStore(time.Minute)
	id := s.Create("")
	require.NoError(t, s.BeginConversion(id, testSegments(), nil))

	bare := model.ConversionResult{SegmentIndex: 1, Status: model.StatusFallback, Fallback: &model.FallbackImage{}}
	require.ErrorIs(t, s.Record(id, bare), appErr.ErrInvalid)

	bare.Fallback.Reason = "empty metafile"
	require.NoError(t, s.Record(id, bare))
	_, err := s.FallbackImage(id, 1)
	require.ErrorIs(t, err, appErr.ErrNotFound)
}

func TestBeginConversionValidatesSegments(t *testing.T) {
	s, _ := newTestStore(time.Minute)
	id := s.Create("")
	err := s.BeginConversion(id, []model.Segment{{Index: 1, Kind: model.KindText}}, nil)
	require.ErrorIs(t, err, appErr.ErrInvalid)
}

func TestConcurrentRecordKeepsOneResultPerIndex(t *testing.T) {
	s, _ := newTestStore(time.Minute)
	id := s.Create("")
	segments := make([]model.Segment, 50)
	for i := range segments {
		segments[i] = model.Segment{Index: i, Kind: model.KindText, Text: "t"}
	}
	require.NoError(t, s.BeginConversion(id, segments, nil))

	var wg sync.WaitGroup
	var mu sync.Mutex
	dups := 0
	for round := 0; round < 2; round++ {
		for i := range segments {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := s.Record(id, model.ConversionResult{SegmentIndex: i, Status: model.StatusUnconverted, Text: "t"})
				if errors.Is(err, appErr.ErrDuplicateResult) {
					mu.Lock()
					dups++
					mu.Unlock()
					return
				}
				require.NoError(t, err)
			}(i)
		}
	}
	wg.Wait()
	require.Equal(t, len(segments), dups)
	entries, err := s.Finalize(id)
	require.NoError(t, err)
	require.Len(t, entries, len(segments))
}

func TestFailureThenRetry(t *testing.T) {
	s, _ := newTestStore(time.Minute)
	id := s.Create("")
	require.NoError(t, s.BeginConversion(id, testSegments(), nil))
	require.NoError(t, s.Record(id, textResult()))
	require.NoError(t, s.Record(id, fallbackResult()))
	require.NoError(t, s.RecordFailure(id, 2, "storage unavailable"))

	snap, err := s.Snapshot(id)
	require.NoError(t, err)
	require.Equal(t, []int{2}, snap.Pending())
	require.Equal(t, "storage unavailable", snap.Failures[2])
	_, err = s.Finalize(id)
	require.ErrorIs(t, err, appErr.ErrIncompleteSession)

	seg, err := s.Segment(id, 2)
	require.NoError(t, err)
	require.Equal(t, model.KindContentImage, seg.Kind)
	require.NoError(t, s.Record(id, imageResult()))
	snap, err = s.Snapshot(id)
	require.NoError(t, err)
	require.Empty(t, snap.Failures)
	_, err = s.Finalize(id)
	require.NoError(t, err)
}

func TestExpiry(t *testing.T) {
	s, c := newTestStore(time.Minute)
	id := s.Create("")
	require.NoError(t, s.BeginConversion(id, testSegments(), nil))
	c.Advance(time.Minute)
	_, err := s.Finalize(id)
	require.ErrorIs(t, err, appErr.ErrSessionNotFound)
	require.Zero(t, s.Len())

	id = s.Create("")
	require.NoError(t, s.Expire(id))
	require.ErrorIs(t, s.Expire(id), appErr.ErrSessionNotFound)
	_, err = s.FallbackImage(id, 1)
	require.True(t, appErr.IsSessionNotFound(err))
}

func TestSweep(t *testing.T) {
	s, c := newTestStore(time.Minute)
	old := s.Create("")
	c.Advance(40 * time.Second)
	fresh := s.Create("")
	c.Advance(30 * time.Second)

	require.Equal(t, 1, s.Sweep())
	_, err := s.Snapshot(old)
	require.ErrorIs(t, err, appErr.ErrSessionNotFound)
	_, err = s.Snapshot(fresh)
	require.NoError(t, err)
	require.Zero(t, s.Sweep())
}

func TestCompleteKeepsSessionWhenPersistFails(t *testing.T) {
	s, _ := newTestStore(time.Minute)
	id := s.Create("")
	require.NoError(t, s.BeginConversion(id, testSegments()[:1], nil))
	require.NoError(t, s.Record(id, textResult()))
	require.ErrorIs(t, s.Complete(id, func([]model.FinalEntry) error { return nil }), appErr.ErrInvalidState)
	_, err := s.Finalize(id)
	require.NoError(t, err)

	boom := errors.New("db down")
	require.ErrorIs(t, s.Complete(id, func([]model.FinalEntry) error { return boom }), boom)
	snap, err := s.Snapshot(id)
	require.NoError(t, err)
	require.Equal(t, StateStaged, snap.State)
	require.NoError(t, s.Complete(id, func([]model.FinalEntry) error { return nil }))
	require.ErrorIs(t, s.Complete(id, func([]model.FinalEntry) error { return nil }), appErr.ErrSessionNotFound)
}
