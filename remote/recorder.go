package remote

import (
	"context"
	"io"
	"sync"
)

// Recorder captures mutating commands instead of running them. Queries
// go to the wrapped executor when there is one, so a dry run plans
// against the real remote state.
type Recorder struct {
	inner Executor

	// QueryFunc answers queries when there is no inner executor.
	QueryFunc func(cmd string) (Result, error)

	mu       sync.Mutex
	commands []string
}

// NewRecorder wraps inner, which may be nil.
func NewRecorder(inner Executor) *Recorder {
	return &Recorder{inner: inner}
}

func (r *Recorder) Query(ctx context.Context, cmd string) (Result, error) {
	if r.inner != nil {
		return r.inner.Query(ctx, cmd)
	}
	if r.QueryFunc != nil {
		return r.QueryFunc(cmd)
	}
	return Result{}, nil
}

func (r *Recorder) Run(_ context.Context, cmd string) (Result, error) {
	r.record(cmd)
	return Result{}, nil
}

// Stream records cmd without reading stdin; the producer must stop when
// its reader is closed.
func (r *Recorder) Stream(_ context.Context, cmd string, _ io.Reader, _, _ io.Writer) error {
	r.record(cmd)
	return nil
}

func (r *Recorder) record(cmd string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, cmd)
}

// Commands returns the recorded mutating commands in order.
func (r *Recorder) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

func (r *Recorder) Close() error {
	if r.inner != nil {
		return r.inner.Close()
	}
	return nil
}
