package job

import (
	"context"
)

type Sweeper interface {
	Sweep(ctx context.Context) int
}

// SessionSweepJob expires conversion sessions whose deadline has passed.
// Lookups already reject expired sessions; the sweep releases their memory.
type SessionSweepJob struct {
	sweeper Sweeper
}

func NewSessionSweepJob(sweeper Sweeper) *SessionSweepJob {
	return &SessionSweepJob{sweeper: sweeper}
}

func (j *SessionSweepJob) Name() string {
	return "session_sweep"
}

func (j *SessionSweepJob) Run(ctx context.Context) error {
	if j.sweeper == nil {
		return nil
	}
	_ = j.sweeper.Sweep(ctx)
	return nil
}
