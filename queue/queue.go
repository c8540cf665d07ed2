// Package queue serializes webhook-triggered builds per repository. Bursts
// of triggers are collapsed by a debounce window and a newer build always
// supersedes the one in flight.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oar-cd/hoist/domain"
	"github.com/oar-cd/hoist/logging"
)

const DefaultDebounce = 10 * time.Second

var ErrClosed = errors.New("build queue is closed")

// RunFunc builds and deploys one job. It must return promptly once ctx is
// cancelled.
type RunFunc func(ctx context.Context, repo domain.Repo, job domain.BuildJob) error

// Queue holds one debounce timer and at most one running build per
// repository. All state lives behind a single mutex.
type Queue struct {
	debounce time.Duration
	run      RunFunc
	// OnChange receives a copy of a job after every state change. It is
	// called without the queue lock held.
	OnChange func(domain.BuildJob)

	mu     sync.Mutex
	repos  map[string]*repoState
	jobs   map[uuid.UUID]*domain.BuildJob
	closed bool
	wg     sync.WaitGroup
}

type repoState struct {
	config   domain.Repo
	timer    *time.Timer
	pending  *domain.BuildJob
	building *domain.BuildJob
	cancel   context.CancelFunc
	// done is closed when the running build's goroutine returns.
	done chan struct{}
	// gen counts triggers; a timer only fires for the trigger that armed it.
	gen uint64
}

func New(debounce time.Duration, run RunFunc) *Queue {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Queue{
		debounce: debounce,
		run:      run,
		repos:    map[string]*repoState{},
		jobs:     map[uuid.UUID]*domain.BuildJob{},
	}
}

// Trigger enqueues a build of revision and restarts the repository's
// debounce window. A job still waiting in the window is superseded.
func (q *Queue) Trigger(repo domain.Repo, revision string) (domain.BuildJob, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return domain.BuildJob{}, ErrClosed
	}

	var changed []domain.BuildJob
	rs := q.repo(repo.Name)
	rs.config = repo
	if rs.pending != nil {
		rs.pending.State = domain.JobSuperseded
		changed = append(changed, *rs.pending)
	}
	job := domain.NewBuildJob(repo.Name, revision)
	q.jobs[job.ID] = job
	rs.pending = job
	changed = append(changed, *job)

	if rs.timer != nil {
		rs.timer.Stop()
	}
	rs.gen++
	name, gen := repo.Name, rs.gen
	rs.timer = time.AfterFunc(q.debounce, func() { q.fire(name, gen) })
	snapshot := *job
	q.mu.Unlock()

	slog.Info("Build queued", "layer", "queue", "repository", repo.Name, "revision", revision,
		"job", job.ID.String(), "debounce", q.debounce)
	q.notify(changed...)
	return snapshot, nil
}

func (q *Queue) repo(name string) *repoState {
	rs, ok := q.repos[name]
	if !ok {
		rs = &repoState{}
		q.repos[name] = rs
	}
	return rs
}

// fire promotes the pending job once the debounce window armed by trigger
// gen elapsed. A timer that already fired when a later trigger stopped it
// finds a newer gen and leaves the window to its successor.
func (q *Queue) fire(name string, gen uint64) {
	q.mu.Lock()
	rs := q.repos[name]
	if q.closed || rs == nil || rs.pending == nil || rs.gen != gen {
		q.mu.Unlock()
		return
	}
	job := rs.pending
	rs.pending = nil
	rs.timer = nil

	var changed []domain.BuildJob
	previous := rs.done
	if rs.building != nil {
		rs.building.State = domain.JobSuperseded
		changed = append(changed, *rs.building)
		rs.cancel()
		slog.Info("Superseding running build", "layer", "queue", "repository", name,
			"job", rs.building.ID.String(), "by", job.ID.String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	job.State = domain.JobBuilding
	rs.building = job
	rs.cancel = cancel
	rs.done = done
	changed = append(changed, *job)
	config := rs.config
	q.wg.Add(1)
	q.mu.Unlock()

	q.notify(changed...)
	go q.execute(ctx, rs, config, job, previous, done)
}

func (q *Queue) execute(ctx context.Context, rs *repoState, repo domain.Repo, job *domain.BuildJob, previous, done chan struct{}) {
	defer q.wg.Done()
	defer close(done)

	// The superseded build may still be touching hosts; never overlap it.
	if previous != nil {
		<-previous
	}

	var err error
	if ctx.Err() == nil {
		snapshot := q.snapshot(job)
		slog.Info("Build started", "layer", "queue", "repository", snapshot.Repo,
			"revision", snapshot.Revision, "job", snapshot.ID.String())
		err = q.run(ctx, repo, snapshot)
	}

	q.mu.Lock()
	if job.State == domain.JobBuilding {
		job.State = domain.JobDone
		job.Err = err
	}
	if rs.building == job {
		rs.building = nil
		rs.cancel()
		rs.cancel = nil
	}
	final := *job
	q.mu.Unlock()

	switch {
	case final.State == domain.JobSuperseded:
		slog.Info("Build superseded", "layer", "queue", "repository", final.Repo, "job", final.ID.String())
	case err != nil:
		logging.OperationFailed("queue", "build", err, "repository", final.Repo, "revision", final.Revision)
	default:
		slog.Info("Build finished", "layer", "queue", "repository", final.Repo, "job", final.ID.String())
	}
	q.notify(final)
}

func (q *Queue) snapshot(job *domain.BuildJob) domain.BuildJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return *job
}

func (q *Queue) notify(jobs ...domain.BuildJob) {
	if q.OnChange == nil {
		return
	}
	for _, job := range jobs {
		q.OnChange(job)
	}
}

// Job returns a copy of the job with id.
func (q *Queue) Job(id uuid.UUID) (domain.BuildJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return domain.BuildJob{}, false
	}
	return *job, true
}

// Jobs returns copies of all jobs seen since start, oldest first.
func (q *Queue) Jobs() []domain.BuildJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.BuildJob, 0, len(q.jobs))
	for _, job := range q.jobs {
		out = append(out, *job)
	}
	slices.SortStableFunc(out, func(a, b domain.BuildJob) int {
		return a.EnqueuedAt.Compare(b.EnqueuedAt)
	})
	return out
}

// Close stops all debounce timers, cancels running builds and waits for
// them to return. Pending jobs are superseded.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.wg.Wait()
		return
	}
	q.closed = true
	var changed []domain.BuildJob
	for _, rs := range q.repos {
		if rs.timer != nil {
			rs.timer.Stop()
			rs.timer = nil
		}
		if rs.pending != nil {
			rs.pending.State = domain.JobSuperseded
			changed = append(changed, *rs.pending)
			rs.pending = nil
		}
		if rs.cancel != nil {
			rs.cancel()
		}
	}
	q.mu.Unlock()

	q.notify(changed...)
	q.wg.Wait()
}
