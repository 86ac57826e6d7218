// Package jobs is the durable background-job runner network-visible side effects are
// deferred onto. Jobs are scheduled inside the same transaction as the local mutation
// they follow, survive restarts, and retry independently with exponential backoff and
// a bounded attempt count. A job moves pending -> running -> retrying(n) -> succeeded
// | failed; in-flight jobs are never forcibly cancelled, and any left in running at
// startup are requeued.
package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/cord-im/go-cord/clock"
	"github.com/cord-im/go-cord/config"
	"github.com/cord-im/go-cord/internal/db"
	"github.com/cord-im/go-cord/migration"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// job kinds
	KindInvite = iota + 1
	KindPromote
	KindPendingRemoval
	KindLeave
	KindKeyDistribution

	// job states
	StatePending   = 0
	StateRetrying  = 1
	StateSucceeded = 2
	StateFailed    = 3
	StateRunning   = 4
)

type Job struct {
	ID          string `db:"id"`
	Kind        int    `db:"kind"`
	ThreadID    string `db:"thread_id"`
	Details     []byte `db:"details"`
	State       int    `db:"state"`
	Attempts    int    `db:"attempts"`
	NextRunAtMs uint64 `db:"next_run_at_ms"`
	LastError   string `db:"last_error"`
	CreatedAtMs uint64 `db:"created_at_ms"`
}

func (j *Job) DecodeDetails(v interface{}) error {
	return cbor.Unmarshal(j.Details, v)
}

// InviteDetails carries everything needed to retry delivering an invitation.
type InviteDetails struct {
	GroupID           string `cbor:"g"`
	MemberID          string `cbor:"m"`
	Token             []byte `cbor:"t"`
	ChangeTimestampMs uint64 `cbor:"ts"`
}

type PromoteDetails struct {
	GroupID           string `cbor:"g"`
	MemberID          string `cbor:"m"`
	ChangeTimestampMs uint64 `cbor:"ts"`
}

type PendingRemovalDetails struct {
	GroupID        string   `cbor:"g"`
	MemberIDs      []string `cbor:"m"`
	RemoveMessages bool     `cbor:"rm"`
}

type LeaveDetails struct {
	GroupID string `cbor:"g"`
}

type KeyDistributionDetails struct {
	GroupID   string   `cbor:"g"`
	MemberIDs []string `cbor:"m"`
}

type (
	Handler        func(job *Job) error
	FailureHandler func(job *Job) error
)

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.MigrateNoLock("_jobs", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _jobs (
						id STRING PRIMARY KEY,
						kind INTEGER NOT NULL,
						thread_id STRING NOT NULL,
						details BLOB NOT NULL,
						state INTEGER NOT NULL DEFAULT 0,
						attempts INTEGER NOT NULL DEFAULT 0,
						next_run_at_ms INTEGER NOT NULL,
						last_error STRING NOT NULL DEFAULT '',
						created_at_ms INTEGER NOT NULL
					);
					CREATE INDEX jobs_due_idx on _jobs (state, next_run_at_ms);
					CREATE INDEX jobs_thread_id_idx on _jobs (thread_id);
					`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	return d, nil
}

type Runner struct {
	config          *config.Config
	log             *zap.SugaredLogger
	clock           clock.Clock
	db              *database
	handlers        map[int]Handler
	failureHandlers map[int]FailureHandler
	handlerLock     sync.Mutex
	wake            chan bool
	cancelFunc      context.CancelFunc
	finished        sync.WaitGroup
}

func NewRunner(c *config.Config, internalDB *db.Database, cl clock.Clock) (*Runner, error) {
	d, err := newDatabase(internalDB)
	if err != nil {
		return nil, fmt.Errorf("jobs: error making runner: %w", err)
	}
	return &Runner{
		config:          c,
		log:             c.Logger("jobs"),
		clock:           cl,
		db:              d,
		handlers:        make(map[int]Handler),
		failureHandlers: make(map[int]FailureHandler),
		wake:            make(chan bool, 100),
	}, nil
}

// RegisterHandler installs the function a kind's jobs run. Handlers execute outside
// the runner's bookkeeping transactions and open their own as needed.
func (r *Runner) RegisterHandler(kind int, h Handler) {
	r.handlerLock.Lock()
	defer r.handlerLock.Unlock()
	r.handlers[kind] = h
}

// RegisterFailureHandler installs a hook invoked once when a kind's job exhausts
// its attempts.
func (r *Runner) RegisterFailureHandler(kind int, h FailureHandler) {
	r.handlerLock.Lock()
	defer r.handlerLock.Unlock()
	r.failureHandlers[kind] = h
}

// Schedule inserts a job inside the caller's open transaction, so a job exists
// exactly when the mutation it follows committed. The runner wakes after commit.
func (r *Runner) Schedule(kind int, threadID string, details interface{}) (string, error) {
	detailBytes, err := cbor.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("jobs: error encoding details: %w", err)
	}
	now := r.clock.CurrentTimeMs()
	job := &Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		ThreadID:    threadID,
		Details:     detailBytes,
		State:       StatePending,
		NextRunAtMs: now,
		CreatedAtMs: now,
	}
	if _, err := r.db.Tx.NamedExec(`
		INSERT INTO _jobs (id, kind, thread_id, details, state, attempts, next_run_at_ms, last_error, created_at_ms)
		VALUES (:id, :kind, :thread_id, :details, :state, :attempts, :next_run_at_ms, :last_error, :created_at_ms)`, job); err != nil {
		return "", err
	}
	r.db.AfterCommit(func() {
		select {
		case r.wake <- true:
		default:
		}
	})
	return job.ID, nil
}

func (r *Runner) Start() error {
	if err := r.recoverInFlight(); err != nil {
		return err
	}
	ctx, cancelFunc := context.WithCancel(context.Background())
	r.cancelFunc = cancelFunc
	r.finished.Add(1)
	go func() {
		defer r.finished.Done()
		tick := time.NewTicker(time.Duration(r.config.JobTickMs) * time.Millisecond)
		defer tick.Stop()
		for {
			if err := r.runDue(); err != nil {
				r.log.Warnf("error running due jobs %#v", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-r.wake:
			case <-tick.C:
			}
		}
	}()
	return nil
}

func (r *Runner) Shutdown() error {
	if r.cancelFunc != nil {
		r.cancelFunc()
		r.finished.Wait()
		r.cancelFunc = nil
	}
	return nil
}

// Drain runs due jobs until none remain runnable. Used by tests and by callers
// who need the queue settled before proceeding.
func (r *Runner) Drain() error {
	for {
		ran, err := r.runDueOnce()
		if err != nil {
			return err
		}
		if !ran {
			return nil
		}
	}
}

func (r *Runner) runDue() error {
	for {
		ran, err := r.runDueOnce()
		if err != nil || !ran {
			return err
		}
	}
}

// recoverInFlight requeues jobs a previous process claimed but never finished.
func (r *Runner) recoverInFlight() error {
	return r.db.Run("recover in-flight jobs", func() error {
		_, err := r.db.Tx.Exec("UPDATE _jobs SET state = ? WHERE state = ?", StatePending, StateRunning)
		return err
	})
}

func (r *Runner) runDueOnce() (bool, error) {
	var job *Job
	if err := r.db.Run("claim due job", func() error {
		j := &Job{}
		err := r.db.Tx.Get(j, `
			SELECT * FROM _jobs WHERE state IN (?, ?) AND next_run_at_ms <= ?
			ORDER BY next_run_at_ms, created_at_ms LIMIT 1`,
			StatePending, StateRetrying, r.clock.CurrentTimeMs())
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		// the claim is the state flip; a concurrent claimer selecting on
		// pending/retrying can no longer see this job
		if _, err := r.db.Tx.Exec("UPDATE _jobs SET state = ? WHERE id = ?", StateRunning, j.ID); err != nil {
			return err
		}
		job = j
		return nil
	}); err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	r.handlerLock.Lock()
	handler, ok := r.handlers[job.Kind]
	failureHandler := r.failureHandlers[job.Kind]
	r.handlerLock.Unlock()
	if !ok {
		return false, fmt.Errorf("jobs: no handler registered for kind %d", job.Kind)
	}

	runErr := handler(job)
	if runErr == nil {
		return true, r.db.Run("complete job", func() error {
			_, err := r.db.Tx.Exec("UPDATE _jobs SET state = ?, last_error = '' WHERE id = ?", StateSucceeded, job.ID)
			return err
		})
	}

	job.Attempts++
	r.log.Warnf("job %s kind=%d attempt=%d failed: %s", job.ID, job.Kind, job.Attempts, runErr)
	if job.Attempts >= r.config.JobMaxAttempts {
		if err := r.db.Run("fail job", func() error {
			_, err := r.db.Tx.Exec(
				"UPDATE _jobs SET state = ?, attempts = ?, last_error = ? WHERE id = ?",
				StateFailed, job.Attempts, runErr.Error(), job.ID)
			return err
		}); err != nil {
			return true, err
		}
		if failureHandler != nil {
			if err := failureHandler(job); err != nil {
				r.log.Warnf("failure handler for job %s errored: %#v", job.ID, err)
			}
		}
		return true, nil
	}

	nextAt := r.clock.CurrentTimeMs() + uint64(r.delayFor(job.Attempts)/time.Millisecond)
	return true, r.db.Run("reschedule job", func() error {
		_, err := r.db.Tx.Exec(
			"UPDATE _jobs SET state = ?, attempts = ?, next_run_at_ms = ?, last_error = ? WHERE id = ?",
			StateRetrying, job.Attempts, nextAt, runErr.Error(), job.ID)
		return err
	})
}

func (r *Runner) delayFor(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(r.config.JobBackoffInitialMs) * time.Millisecond
	b.MaxInterval = time.Duration(r.config.JobBackoffMaxMs) * time.Millisecond
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	delay := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// Get returns a job by id inside the caller's transaction.
func (r *Runner) Get(id string) (*Job, error) {
	j := &Job{}
	err := r.db.Tx.Get(j, "SELECT * FROM _jobs WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

// ForThread returns a thread's jobs, optionally filtered by kind (0 for all).
func (r *Runner) ForThread(threadID string, kind int) ([]*Job, error) {
	out := make([]*Job, 0)
	if kind == 0 {
		if err := r.db.Tx.Select(&out,
			"SELECT * FROM _jobs WHERE thread_id = ? ORDER BY created_at_ms, id", threadID); err != nil {
			return nil, err
		}
		return out, nil
	}
	if err := r.db.Tx.Select(&out,
		"SELECT * FROM _jobs WHERE thread_id = ? AND kind = ? ORDER BY created_at_ms, id", threadID, kind); err != nil {
		return nil, err
	}
	return out, nil
}

// WipeThread drops a thread's jobs as part of a full group-data wipe.
func (r *Runner) WipeThread(threadID string) error {
	_, err := r.db.Tx.Exec("DELETE FROM _jobs WHERE thread_id = ?", threadID)
	return err
}
