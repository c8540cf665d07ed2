package utils

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oar-cd/hoist/domain"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"plain", errors.New("boom"), 1},
		{"fatal", fmt.Errorf("%w: rename failed", domain.ErrRollback), 2},
		{"explicit", &ExitError{Code: 3, Err: errors.New("x")}, 3},
		{"wrapped explicit", fmt.Errorf("deploy: %w", &ExitError{Code: 2, Err: errors.New("x")}), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestHandleCommandError(t *testing.T) {
	cmd := &cobra.Command{}
	var stderr bytes.Buffer
	cmd.SetErr(&stderr)

	err := HandleCommandError(cmd, "deploying", errors.New("no route to host"))

	assert.EqualError(t, err, "no route to host")
	assert.Contains(t, stderr.String(), "Error: deploying failed: no route to host")
}

func TestParsePorts(t *testing.T) {
	ports, err := ParsePorts("8001, 8002")
	require.NoError(t, err)
	assert.Equal(t, []int{8001, 8002}, ports)

	ports, err = ParsePorts("")
	require.NoError(t, err)
	assert.Nil(t, ports)

	_, err = ParsePorts("80,http")
	assert.ErrorIs(t, err, domain.ErrConfig)

	_, err = ParsePorts("70000")
	assert.ErrorIs(t, err, domain.ErrConfig)
}
