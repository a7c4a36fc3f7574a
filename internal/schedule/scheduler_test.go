package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingJob struct {
	name  string
	runs  atomic.Int32
	block chan struct{}
	err   error
}

func (j *countingJob) Name() string { return j.name }

func (j *countingJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	if j.block != nil {
		<-j.block
	}
	return j.err
}

func TestAddJob(t *testing.T) {
	s := NewCronScheduler()
	require.NoError(t, s.AddJob(&countingJob{name: "a"}, "*/5 * * * *"))
	require.NoError(t, s.AddJob(&countingJob{name: "b"}, "*/10 * * * * *"))
	require.Error(t, s.AddJob(&countingJob{name: "a"}, "* * * * *"))
	require.Error(t, s.AddJob(&countingJob{name: "c"}, "not a spec"))
	require.True(t, s.Next("a").IsZero())

	s.Start(context.Background())
	require.False(t, s.Next("a").IsZero())
	require.True(t, s.Next("missing").IsZero())
	require.NoError(t, s.Stop(context.Background()))
}

func TestWrapSkipsOverlappingRuns(t *testing.T) {
	s := NewCronScheduler()
	job := &countingJob{name: "slow", block: make(chan struct{})}
	fn := s.wrap(job)

	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	require.Eventually(t, func() bool { return job.runs.Load() == 1 }, time.Second, time.Millisecond)
	fn()
	require.Equal(t, int32(1), job.runs.Load())
	close(job.block)
	<-done

	job.block = nil
	job.err = errors.New("boom")
	fn()
	require.Equal(t, int32(2), job.runs.Load())
}
