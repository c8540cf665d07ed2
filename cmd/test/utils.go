// Package test provides utility functions for testing hoist CLI commands
package test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/oar-cd/hoist/app"
	"github.com/oar-cd/hoist/cmd/output"
	"github.com/oar-cd/hoist/config"
	"github.com/oar-cd/hoist/remote"
	"github.com/oar-cd/hoist/repository"
)

const Inventory = `
servers:
  - name: staging-1
    host: localhost
  - name: web-1
    host: localhost
  - name: web-2
    host: localhost
groups:
  - name: web
    servers: [web-1, web-2]
`

// Config returns settings suitable for command tests, with locks under
// a temporary directory.
func Config(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir:        t.TempDir(),
		LockRoot:       t.TempDir(),
		LockTTL:        time.Minute,
		HealthInterval: 5 * time.Millisecond,
		HealthTimeout:  200 * time.Millisecond,
		LogLevel:       "silent",
	}
}

// Setup points the app at a test configuration, the test inventory and
// the given dialer and history.
func Setup(t *testing.T, cfg *config.Config, dialer remote.Dialer, history repository.DeploymentRepository) {
	t.Helper()
	inv, err := config.ParseInventory([]byte(Inventory))
	require.NoError(t, err)
	app.SetForTesting(cfg, inv, dialer, history)
	output.InitColors(true)
}

// Execute runs cmd with args and returns what it printed.
func Execute(cmd *cobra.Command, args ...string) (stdout, stderr string, err error) {
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	err = cmd.Execute()
	return out.String(), errOut.String(), err
}

// Trim trims trailing spaces left by tablewriter on each line to make the lines length-aligned
func Trim(input string) string {
	lines := strings.Split(input, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \n")
	}
	return strings.Join(lines, "\n")
}
