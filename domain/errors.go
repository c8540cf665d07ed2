package domain

import "errors"

// Error kinds. Callers wrap a cause with one of these using
// fmt.Errorf("%w: %w", kind, cause) and test with errors.Is.
var (
	// ErrConfig indicates a malformed target, group or request. Raised
	// before any remote host is contacted.
	ErrConfig = errors.New("configuration error")

	// ErrAuth indicates the remote host rejected our credentials.
	ErrAuth = errors.New("authentication rejected")

	// ErrLockContention indicates another deployer holds the scope.
	ErrLockContention = errors.New("deployment lock held")

	// ErrBuild indicates the artifact could not be built locally.
	ErrBuild = errors.New("build failed")

	// ErrSmokeTest indicates the built artifact exited during the
	// local observation window.
	ErrSmokeTest = errors.New("smoke test failed")

	// ErrTransport indicates the push or a remote command failed at
	// the channel level.
	ErrTransport = errors.New("transport failure")

	// ErrHealthTimeout indicates the candidate produced no positive
	// health signal before the deadline.
	ErrHealthTimeout = errors.New("health check timed out")

	// ErrUnhealthy indicates a definitive negative health signal.
	ErrUnhealthy = errors.New("candidate unhealthy")

	// ErrSwap indicates a remote command failed while swapping.
	ErrSwap = errors.New("swap failure")

	// ErrRollback indicates the previous state could not be restored.
	// This is the only fatal kind.
	ErrRollback = errors.New("rollback failure")

	// ErrCancelled indicates a build or pipeline was superseded or
	// interrupted before any remote mutation.
	ErrCancelled = errors.New("cancelled")
)

var kindNames = []struct {
	name string
	kind error
}{
	{"config", ErrConfig},
	{"auth", ErrAuth},
	{"lock_contention", ErrLockContention},
	{"build", ErrBuild},
	{"smoke_test", ErrSmokeTest},
	{"transport", ErrTransport},
	{"health_timeout", ErrHealthTimeout},
	{"unhealthy", ErrUnhealthy},
	{"swap", ErrSwap},
	{"rollback", ErrRollback},
	{"cancelled", ErrCancelled},
}

// KindName returns the stable name of an error kind, or "" for unknown errors.
func KindName(kind error) string {
	for _, k := range kindNames {
		if k.kind == kind {
			return k.name
		}
	}
	return ""
}

// KindByName is the inverse of KindName.
func KindByName(name string) error {
	for _, k := range kindNames {
		if k.name == name {
			return k.kind
		}
	}
	return nil
}
