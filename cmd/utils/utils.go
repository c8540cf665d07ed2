// Package utils provides utility functions for CLI commands in hoist.
package utils

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oar-cd/hoist/app"
	"github.com/oar-cd/hoist/cmd/output"
	"github.com/oar-cd/hoist/domain"
)

// ExitError carries the process exit status for a failed command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode maps an error onto the process exit status: 2 when a target
// needs manual intervention, 1 for any other failure.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if errors.Is(err, domain.ErrRollback) {
		return 2
	}
	return 1
}

// HandleCommandError provides consistent error handling for CLI commands
func HandleCommandError(cmd *cobra.Command, operation string, err error, context ...any) error {
	slog.Error("Command failed", append([]any{"operation", operation, "error", err}, context...)...)
	_ = output.FprintError(cmd, "Error: %s failed: %v", operation, err)
	return err
}

// Target looks up a single server in the inventory.
func Target(name string) (domain.Target, error) {
	if name == "" {
		return domain.Target{}, fmt.Errorf("%w: --target is required", domain.ErrConfig)
	}
	return app.GetInventory().Target(name)
}

// ParsePorts reads a comma separated host port list.
func ParsePorts(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var ports []int
	for _, part := range strings.Split(s, ",") {
		p, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || p <= 0 || p > 65535 {
			return nil, fmt.Errorf("%w: invalid port %q", domain.ErrConfig, part)
		}
		ports = append(ports, p)
	}
	return ports, nil
}
