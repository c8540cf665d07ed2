// Package remote runs shell commands on deployment targets.
package remote

import (
	"context"
	"io"
	"strings"

	"github.com/oar-cd/hoist/domain"
)

// Executor runs commands on one target. Query is for read-only commands,
// Run for commands that change remote state; a Recorder relies on that
// split to produce dry-run plans.
type Executor interface {
	Query(ctx context.Context, cmd string) (Result, error)
	Run(ctx context.Context, cmd string) (Result, error)
	Stream(ctx context.Context, cmd string, stdin io.Reader, stdout, stderr io.Writer) error
	Close() error
}

// Dialer opens an Executor for a target.
type Dialer interface {
	Dial(ctx context.Context, target domain.Target) (Executor, error)
}

// Result is the captured output of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Quote wraps s in single quotes for POSIX shells.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, needsQuote) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./:=@,+%", r)
}

// Join quotes each argument and joins them into one command line.
func Join(args ...string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}
