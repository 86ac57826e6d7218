package jobs

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/cord-im/go-cord/config"
	"github.com/cord-im/go-cord/ids"
	"github.com/cord-im/go-cord/internal/test"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type manualClock struct {
	nowMs uint64
}

func (c *manualClock) CurrentTimeMs() uint64  { return c.nowMs }
func (c *manualClock) CurrentTimeSec() uint64 { return c.nowMs / 1000 }
func (c *manualClock) Now() time.Time         { return time.UnixMilli(int64(c.nowMs)) }

func newTestRunner(t *testing.T, maxAttempts int) (*Runner, *manualClock) {
	c := config.NewConfig(
		config.WithLoggingPrefix("jobs-test"),
		config.WithJobMaxAttempts(maxAttempts),
		config.WithJobBackoffInitialMs(100),
		config.WithJobBackoffMaxMs(1000),
	)
	d := test.NewTestDatabase(c)
	cl := &manualClock{nowMs: 1_000_000}
	r, err := NewRunner(c, d, cl)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, r.Shutdown())
		require.NoError(t, d.Shutdown())
	})
	return r, cl
}

func schedule(t *testing.T, r *Runner, kind int, threadID string, details interface{}) string {
	var jobID string
	require.NoError(t, r.db.Run("schedule", func() error {
		var err error
		jobID, err = r.Schedule(kind, threadID, details)
		return err
	}))
	return jobID
}

func jobState(t *testing.T, r *Runner, jobID string) *Job {
	var job *Job
	require.NoError(t, r.db.Run("get job", func() error {
		var err error
		job, err = r.Get(jobID)
		return err
	}))
	require.NotNil(t, job)
	return job
}

func TestJobSucceeds(t *testing.T) {
	r, _ := newTestRunner(t, 3)
	threadID := ids.NewGroupID()

	ran := 0
	r.RegisterHandler(KindInvite, func(job *Job) error {
		details := &InviteDetails{}
		require.NoError(t, job.DecodeDetails(details))
		require.Equal(t, threadID, details.GroupID)
		ran++
		return nil
	})

	jobID := schedule(t, r, KindInvite, threadID, &InviteDetails{GroupID: threadID, MemberID: "m"})
	require.NoError(t, r.Drain())

	require.Equal(t, 1, ran)
	require.Equal(t, StateSucceeded, jobState(t, r, jobID).State)
}

func TestJobRetriesWithBackoff(t *testing.T) {
	r, cl := newTestRunner(t, 5)
	threadID := ids.NewGroupID()

	attempts := 0
	r.RegisterHandler(KindInvite, func(job *Job) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	jobID := schedule(t, r, KindInvite, threadID, &InviteDetails{GroupID: threadID, MemberID: "m"})

	require.NoError(t, r.Drain())
	require.Equal(t, 1, attempts)
	job := jobState(t, r, jobID)
	require.Equal(t, StateRetrying, job.State)
	require.Greater(t, job.NextRunAtMs, cl.nowMs)

	// not due yet
	require.NoError(t, r.Drain())
	require.Equal(t, 1, attempts)

	cl.nowMs += 10_000
	require.NoError(t, r.Drain())
	cl.nowMs += 10_000
	require.NoError(t, r.Drain())

	require.Equal(t, 3, attempts)
	require.Equal(t, StateSucceeded, jobState(t, r, jobID).State)
}

func TestJobFailsAfterMaxAttempts(t *testing.T) {
	r, cl := newTestRunner(t, 2)
	threadID := ids.NewGroupID()

	failures := 0
	r.RegisterHandler(KindInvite, func(job *Job) error {
		return errors.New("permanent")
	})
	r.RegisterFailureHandler(KindInvite, func(job *Job) error {
		failures++
		return nil
	})

	jobID := schedule(t, r, KindInvite, threadID, &InviteDetails{GroupID: threadID, MemberID: "m"})

	require.NoError(t, r.Drain())
	cl.nowMs += 60_000
	require.NoError(t, r.Drain())

	job := jobState(t, r, jobID)
	require.Equal(t, StateFailed, job.State)
	require.Equal(t, 2, job.Attempts)
	require.Equal(t, "permanent", job.LastError)
	require.Equal(t, 1, failures)
}

func TestClaimedJobNotRerunByConcurrentDrain(t *testing.T) {
	r, _ := newTestRunner(t, 3)
	threadID := ids.NewGroupID()

	ran := 0
	r.RegisterHandler(KindPendingRemoval, func(job *Job) error {
		ran++
		require.Equal(t, StateRunning, jobState(t, r, job.ID).State)
		// a drain racing the in-flight job must not claim it again
		require.NoError(t, r.Drain())
		return nil
	})

	jobID := schedule(t, r, KindPendingRemoval, threadID, &PendingRemovalDetails{GroupID: threadID})
	require.NoError(t, r.Drain())

	require.Equal(t, 1, ran)
	require.Equal(t, StateSucceeded, jobState(t, r, jobID).State)
}

func TestRunningJobsRequeuedOnStart(t *testing.T) {
	r, _ := newTestRunner(t, 3)
	threadID := ids.NewGroupID()

	jobID := schedule(t, r, KindLeave, threadID, &LeaveDetails{GroupID: threadID})
	// simulate a crash mid-run: the claim flipped the state but the process died
	require.NoError(t, r.db.Run("orphan job", func() error {
		_, err := r.db.Tx.Exec("UPDATE _jobs SET state = ? WHERE id = ?", StateRunning, jobID)
		return err
	}))

	require.NoError(t, r.Drain())
	require.Equal(t, StateRunning, jobState(t, r, jobID).State)

	ran := 0
	r.RegisterHandler(KindLeave, func(job *Job) error {
		ran++
		return nil
	})
	require.NoError(t, r.recoverInFlight())
	require.NoError(t, r.Drain())
	require.Equal(t, 1, ran)
	require.Equal(t, StateSucceeded, jobState(t, r, jobID).State)
}

func TestJobsSurviveReopen(t *testing.T) {
	c := config.NewConfig(config.WithLoggingPrefix("jobs-test"))
	d := test.NewTestDatabase(c)
	cl := &manualClock{nowMs: 1_000_000}
	r, err := NewRunner(c, d, cl)
	require.NoError(t, err)

	threadID := ids.NewGroupID()
	require.NoError(t, r.db.Run("schedule", func() error {
		_, err := r.Schedule(KindLeave, threadID, &LeaveDetails{GroupID: threadID})
		return err
	}))

	// a second runner over the same database sees the pending job
	r2, err := NewRunner(c, d, cl)
	require.NoError(t, err)
	ran := 0
	r2.RegisterHandler(KindLeave, func(job *Job) error {
		ran++
		return nil
	})
	require.NoError(t, r2.Drain())
	require.Equal(t, 1, ran)
	require.NoError(t, d.Shutdown())
}
