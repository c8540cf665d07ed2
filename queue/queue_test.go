package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oar-cd/hoist/domain"
)

const window = 40 * time.Millisecond

var citadel = domain.Repo{Name: "acme/citadel", Branch: "main", Target: "staging-1"}

type recorder struct {
	mu   sync.Mutex
	runs []string
}

func (r *recorder) add(rev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, rev)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.runs...)
}

func TestQueue_DebounceCollapsesBurst(t *testing.T) {
	rec := &recorder{}
	q := New(window, func(_ context.Context, _ domain.Repo, job domain.BuildJob) error {
		rec.add(job.Revision)
		return nil
	})
	defer q.Close()

	first, err := q.Trigger(citadel, "aaa")
	require.NoError(t, err)
	second, err := q.Trigger(citadel, "bbb")
	require.NoError(t, err)
	last, err := q.Trigger(citadel, "ccc")
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, last.State)

	require.Eventually(t, func() bool {
		job, _ := q.Job(last.ID)
		return job.State == domain.JobDone
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"ccc"}, rec.list())
	for _, id := range []domain.BuildJob{first, second} {
		job, ok := q.Job(id.ID)
		require.True(t, ok)
		assert.Equal(t, domain.JobSuperseded, job.State)
	}
}

func TestQueue_NewerBuildCancelsRunningOne(t *testing.T) {
	var (
		started      = make(chan string, 4)
		oldCancelled atomic.Bool
		oldReturned  atomic.Bool
		overlapped   atomic.Bool
	)
	q := New(window, func(ctx context.Context, _ domain.Repo, job domain.BuildJob) error {
		started <- job.Revision
		if job.Revision == "old" {
			<-ctx.Done()
			oldCancelled.Store(true)
			time.Sleep(20 * time.Millisecond)
			oldReturned.Store(true)
			return ctx.Err()
		}
		if !oldReturned.Load() {
			overlapped.Store(true)
		}
		return nil
	})
	defer q.Close()

	old, err := q.Trigger(citadel, "old")
	require.NoError(t, err)
	assert.Equal(t, "old", <-started)

	next, err := q.Trigger(citadel, "new")
	require.NoError(t, err)
	assert.Equal(t, "new", <-started)

	require.Eventually(t, func() bool {
		job, _ := q.Job(next.ID)
		return job.State == domain.JobDone
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, oldCancelled.Load())
	assert.False(t, overlapped.Load(), "new build started before the superseded one returned")
	job, _ := q.Job(old.ID)
	assert.Equal(t, domain.JobSuperseded, job.State)
	job, _ = q.Job(next.ID)
	assert.NoError(t, job.Err)
}

func TestQueue_RepositoriesAreIndependent(t *testing.T) {
	release := make(chan struct{})
	var running atomic.Int32
	q := New(window, func(_ context.Context, _ domain.Repo, _ domain.BuildJob) error {
		running.Add(1)
		<-release
		return nil
	})

	_, err := q.Trigger(citadel, "aaa")
	require.NoError(t, err)
	_, err = q.Trigger(domain.Repo{Name: "acme/gate"}, "bbb")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return running.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	close(release)
	q.Close()

	for _, job := range q.Jobs() {
		assert.Equal(t, domain.JobDone, job.State)
	}
}

func TestQueue_StaleTimerLeavesWindowToLatestTrigger(t *testing.T) {
	rec := &recorder{}
	q := New(time.Hour, func(_ context.Context, _ domain.Repo, job domain.BuildJob) error {
		rec.add(job.Revision)
		return nil
	})
	defer q.Close()

	_, err := q.Trigger(citadel, "aaa")
	require.NoError(t, err)
	latest, err := q.Trigger(citadel, "bbb")
	require.NoError(t, err)

	// The first window's timer already fired when the second trigger
	// stopped it, and now gets the lock.
	q.fire(citadel.Name, 1)

	assert.Never(t, func() bool { return len(rec.list()) > 0 }, 5*window, 5*time.Millisecond)
	job, ok := q.Job(latest.ID)
	require.True(t, ok)
	assert.Equal(t, domain.JobQueued, job.State)

	q.fire(citadel.Name, 2)
	require.Eventually(t, func() bool {
		job, _ := q.Job(latest.ID)
		return job.State == domain.JobDone
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"bbb"}, rec.list())
}

func TestQueue_RecordsBuildFailure(t *testing.T) {
	boom := errors.Join(domain.ErrBuild, errors.New("dockerfile not found"))
	q := New(window, func(context.Context, domain.Repo, domain.BuildJob) error { return boom })
	defer q.Close()

	job, err := q.Trigger(citadel, "aaa")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, _ := q.Job(job.ID)
		return j.State == domain.JobDone
	}, 2*time.Second, 5*time.Millisecond)
	j, _ := q.Job(job.ID)
	assert.ErrorIs(t, j.Err, domain.ErrBuild)
}

func TestQueue_PassesRepositoryConfig(t *testing.T) {
	got := make(chan domain.Repo, 1)
	q := New(window, func(_ context.Context, repo domain.Repo, _ domain.BuildJob) error {
		got <- repo
		return nil
	})
	defer q.Close()

	_, err := q.Trigger(citadel, "aaa")
	require.NoError(t, err)

	select {
	case repo := <-got:
		assert.Equal(t, citadel, repo)
	case <-time.After(2 * time.Second):
		t.Fatal("build never ran")
	}
}

func TestQueue_CloseCancelsAndWaits(t *testing.T) {
	var (
		started  = make(chan struct{})
		once     sync.Once
		returned atomic.Bool
	)
	q := New(window, func(ctx context.Context, _ domain.Repo, _ domain.BuildJob) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		returned.Store(true)
		return ctx.Err()
	})

	_, err := q.Trigger(citadel, "aaa")
	require.NoError(t, err)
	<-started

	pending, err := q.Trigger(citadel, "bbb")
	require.NoError(t, err)

	q.Close()
	assert.True(t, returned.Load())

	job, _ := q.Job(pending.ID)
	assert.Equal(t, domain.JobSuperseded, job.State)

	_, err = q.Trigger(citadel, "ccc")
	assert.ErrorIs(t, err, ErrClosed)
	q.Close()
}

func TestQueue_OnChangeSeesLifecycle(t *testing.T) {
	var (
		mu     sync.Mutex
		states []domain.JobState
	)
	q := New(window, func(context.Context, domain.Repo, domain.BuildJob) error { return nil })
	q.OnChange = func(job domain.BuildJob) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, job.State)
	}

	_, err := q.Trigger(citadel, "aaa")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 3
	}, 2*time.Second, 5*time.Millisecond)
	q.Close()

	assert.Equal(t, []domain.JobState{domain.JobQueued, domain.JobBuilding, domain.JobDone}, states)
}

func TestNew_DefaultDebounce(t *testing.T) {
	q := New(0, nil)
	assert.Equal(t, DefaultDebounce, q.debounce)
}
