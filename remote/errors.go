package remote

import (
	"errors"
	"fmt"
	"strings"

	"github.com/oar-cd/hoist/domain"
)

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Command string
	Result
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(e.Stdout)
	}
	if msg == "" {
		return fmt.Sprintf("command exited with status %d", e.ExitCode)
	}
	return fmt.Sprintf("command exited with status %d: %s", e.ExitCode, msg)
}

// IsExit reports whether err is a non-zero exit rather than a channel failure.
func IsExit(err error) (*ExitError, bool) {
	var exitErr *ExitError
	ok := errors.As(err, &exitErr)
	return exitErr, ok
}

// transportErr marks a failure of the channel itself.
func transportErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrTransport, op, err)
}
