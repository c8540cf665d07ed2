// Package lock implements the per-target deployment lock. The lock is a
// directory created with mkdir on the target, which is atomic on POSIX
// filesystems; an owner record inside identifies the holder.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oar-cd/hoist/domain"
	"github.com/oar-cd/hoist/remote"
)

const ownerFile = "owner"

// Scope is the unit of mutual exclusion: one app on one host.
type Scope struct {
	App  string
	Host string
}

func (s Scope) String() string {
	return s.App + "@" + s.Host
}

// Owner is the record stored inside a held lock.
type Owner struct {
	Scope      string    `json:"scope"`
	Holder     string    `json:"holder"`
	Hostname   string    `json:"hostname"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
	TTLSeconds int64     `json:"ttl_seconds"`
}

// TTL returns the lease duration.
func (o Owner) TTL() time.Duration {
	return time.Duration(o.TTLSeconds) * time.Second
}

// Expired reports whether the lease ran out before now.
func (o Owner) Expired(now time.Time) bool {
	if o.TTLSeconds <= 0 || o.AcquiredAt.IsZero() {
		return false
	}
	return now.After(o.AcquiredAt.Add(o.TTL()))
}

// Handle proves a successful Acquire and is required to Release.
type Handle struct {
	Scope Scope
	Owner Owner
	dir   string
}

// BusyError reports that another holder owns the scope.
type BusyError struct {
	Scope Scope
	Owner Owner
}

func (e *BusyError) Error() string {
	if e.Owner.Holder == "" {
		return fmt.Sprintf("%s is locked by an unknown holder", e.Scope)
	}
	return fmt.Sprintf("%s is locked by %s (pid %d) since %s",
		e.Scope, e.Owner.Hostname, e.Owner.PID, e.Owner.AcquiredAt.Format(time.RFC3339))
}

func newBusyError(scope Scope, owner *Owner) *BusyError {
	busy := &BusyError{Scope: scope}
	if owner != nil {
		busy.Owner = *owner
	}
	return busy
}

func (e *BusyError) Unwrap() error {
	return domain.ErrLockContention
}

// Manager acquires and releases locks under root on one target.
type Manager struct {
	exec     remote.Executor
	root     string
	ttl      time.Duration
	hostname string
	pid      int

	now   func() time.Time
	alive func(pid int) bool
}

// NewManager returns a manager for locks under root.
func NewManager(exec remote.Executor, root string, ttl time.Duration) *Manager {
	hostname, _ := os.Hostname()
	return &Manager{
		exec:     exec,
		root:     root,
		ttl:      ttl,
		hostname: hostname,
		pid:      os.Getpid(),
		now:      time.Now,
		alive:    processAlive,
	}
}

func (m *Manager) dir(app string) string {
	return path.Join(m.root, app+".lock")
}

// Acquire takes the lock for scope or returns a *BusyError. An expired
// lock is reclaimed once; a live one is never waited on.
func (m *Manager) Acquire(ctx context.Context, scope Scope) (*Handle, error) {
	dir := m.dir(scope.App)
	if _, err := m.exec.Run(ctx, "mkdir -p "+remote.Quote(m.root)); err != nil {
		return nil, fmt.Errorf("create lock root %s: %w", m.root, err)
	}

	created, err := m.mkdir(ctx, dir)
	if err != nil {
		return nil, err
	}
	if !created {
		owner, err := m.readOwner(ctx, dir)
		if err != nil {
			return nil, err
		}
		if owner == nil || !owner.Expired(m.now()) {
			busy := newBusyError(scope, owner)
			slog.Info("Deployment lock busy", "layer", "lock", "scope", scope.String(), "holder", busy.Owner.Holder)
			return nil, busy
		}

		slog.Warn("Reclaiming expired deployment lock",
			"layer", "lock", "scope", scope.String(),
			"holder", owner.Holder, "acquired_at", owner.AcquiredAt)
		current, err := m.reclaim(ctx, dir, *owner)
		if err != nil {
			return nil, err
		}
		if current != nil {
			return nil, newBusyError(scope, current)
		}
		if created, err = m.mkdir(ctx, dir); err != nil {
			return nil, err
		}
		if !created {
			current, _ := m.readOwner(ctx, dir)
			return nil, newBusyError(scope, current)
		}
	}

	owner := Owner{
		Scope:      scope.String(),
		Holder:     uuid.NewString(),
		Hostname:   m.hostname,
		PID:        m.pid,
		AcquiredAt: m.now().UTC(),
		TTLSeconds: int64(m.ttl / time.Second),
	}
	if err := m.writeOwner(ctx, dir, owner); err != nil {
		_, _ = m.exec.Run(context.WithoutCancel(ctx), "rm -rf "+remote.Quote(dir))
		return nil, err
	}

	slog.Debug("Deployment lock acquired", "layer", "lock", "scope", scope.String(), "holder", owner.Holder)
	return &Handle{Scope: scope, Owner: owner, dir: dir}, nil
}

// mkdir reports whether this call created dir.
func (m *Manager) mkdir(ctx context.Context, dir string) (bool, error) {
	_, err := m.exec.Run(ctx, "mkdir "+remote.Quote(dir))
	if err == nil {
		return true, nil
	}
	if exitErr, ok := remote.IsExit(err); ok && strings.Contains(exitErr.Stderr, "exists") {
		return false, nil
	}
	return false, fmt.Errorf("create lock %s: %w", dir, err)
}

// reclaim moves the expired lock aside. The move is checked against the
// owner that was seen expired: when another reclaimer already replaced
// the lock, it is put back and its owner returned.
func (m *Manager) reclaim(ctx context.Context, dir string, expired Owner) (*Owner, error) {
	stale := dir + ".stale." + uuid.NewString()
	if _, err := m.exec.Run(ctx, "mv "+remote.Quote(dir)+" "+remote.Quote(stale)); err != nil {
		if _, ok := remote.IsExit(err); ok {
			// Someone else moved it first; the retried mkdir decides.
			return nil, nil
		}
		return nil, fmt.Errorf("reclaim lock %s: %w", dir, err)
	}

	moved, err := m.readOwner(ctx, stale)
	if err != nil {
		return nil, err
	}
	if moved == nil || moved.Holder != expired.Holder {
		restore := "test ! -e " + remote.Quote(dir) + " && mv " + remote.Quote(stale) + " " + remote.Quote(dir)
		if _, err := m.exec.Run(context.WithoutCancel(ctx), restore); err != nil {
			slog.Error("Failed to restore a live lock moved during reclaim",
				"layer", "lock", "path", dir, "moved_to", stale, "error", err)
		}
		if moved == nil {
			moved = &Owner{}
		}
		return moved, nil
	}

	if _, err := m.exec.Run(ctx, "rm -rf "+remote.Quote(stale)); err != nil {
		slog.Warn("Failed to remove reclaimed lock", "layer", "lock", "path", stale, "error", err)
	}
	return nil, nil
}

func (m *Manager) writeOwner(ctx context.Context, dir string, owner Owner) error {
	data, err := json.Marshal(owner)
	if err != nil {
		return err
	}
	file := path.Join(dir, ownerFile)
	tmp := file + ".tmp"
	cmd := "cat > " + remote.Quote(tmp) + " && mv " + remote.Quote(tmp) + " " + remote.Quote(file)
	if err := m.exec.Stream(ctx, cmd, strings.NewReader(string(data)), nil, nil); err != nil {
		return fmt.Errorf("write lock owner %s: %w", file, err)
	}
	return nil
}

// readOwner returns nil when the lock does not exist or holds no
// readable owner record yet.
func (m *Manager) readOwner(ctx context.Context, dir string) (*Owner, error) {
	res, err := m.exec.Query(ctx, "cat "+remote.Quote(path.Join(dir, ownerFile)))
	if err != nil {
		if _, ok := remote.IsExit(err); ok {
			return nil, nil
		}
		return nil, fmt.Errorf("read lock owner in %s: %w", dir, err)
	}
	var owner Owner
	if err := json.Unmarshal([]byte(res.Stdout), &owner); err != nil {
		slog.Warn("Unreadable lock owner record", "layer", "lock", "path", dir, "error", err)
		return nil, nil
	}
	return &owner, nil
}

// Release removes the lock if and only if h still holds it. Releasing
// twice, or after the lock was reclaimed by someone else, is a no-op.
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	owner, err := m.readOwner(ctx, h.dir)
	if err != nil {
		return err
	}
	if owner == nil {
		return nil
	}
	if owner.Holder != h.Owner.Holder {
		slog.Warn("Lock now held by another deployer, leaving it in place",
			"layer", "lock", "scope", h.Scope.String(), "holder", owner.Holder)
		return nil
	}
	if _, err := m.exec.Run(ctx, "rm -rf "+remote.Quote(h.dir)); err != nil {
		return fmt.Errorf("release lock %s: %w", h.dir, err)
	}
	slog.Debug("Deployment lock released", "layer", "lock", "scope", h.Scope.String())
	return nil
}

// Inspect returns the current owner of app's lock, or nil when free.
func (m *Manager) Inspect(ctx context.Context, app string) (*Owner, bool, error) {
	dir := m.dir(app)
	owner, err := m.readOwner(ctx, dir)
	if err != nil || owner != nil {
		return owner, owner != nil, err
	}
	// A directory without an owner record is still held.
	_, err = m.exec.Query(ctx, "test -d "+remote.Quote(dir))
	if err == nil {
		return nil, true, nil
	}
	if _, ok := remote.IsExit(err); ok {
		return nil, false, nil
	}
	return nil, false, err
}

// ErrHolderAlive is returned by ForceRelease when the recorded holder
// process is still running on this machine.
var ErrHolderAlive = errors.New("lock holder is still running")

// ForceRelease removes app's lock regardless of holder, unless the holder
// is a live process on this machine.
func (m *Manager) ForceRelease(ctx context.Context, app string) error {
	dir := m.dir(app)
	owner, err := m.readOwner(ctx, dir)
	if err != nil {
		return err
	}
	if owner != nil && owner.Hostname == m.hostname && owner.PID > 0 && m.alive(owner.PID) {
		return fmt.Errorf("%w: %w: pid %d on %s", domain.ErrLockContention, ErrHolderAlive, owner.PID, owner.Hostname)
	}
	if _, err := m.exec.Run(ctx, "rm -rf "+remote.Quote(dir)); err != nil {
		return fmt.Errorf("force release lock %s: %w", dir, err)
	}
	slog.Warn("Deployment lock force released", "layer", "lock", "app", app)
	return nil
}
