package logs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oar-cd/hoist/cmd/test"
	"github.com/oar-cd/hoist/domain"
	"github.com/oar-cd/hoist/remote"
	"github.com/oar-cd/hoist/testing/mocks"
)

const inspectCitadel = `[{"Id":"a1","Name":"/citadel","Image":"sha256:2222","State":{"Status":"running","Running":true}}]`

func host(t *testing.T, inspect string) *remote.Recorder {
	t.Helper()
	rec := remote.NewRecorder(nil)
	rec.QueryFunc = func(cmd string) (remote.Result, error) {
		if inspect == "" {
			res := remote.Result{ExitCode: 1, Stderr: "Error: No such container: citadel"}
			return res, &remote.ExitError{Command: cmd, Result: res}
		}
		return remote.Result{Stdout: inspect}, nil
	}
	test.Setup(t, test.Config(t), &mocks.MockDialer{
		DialFunc: func(context.Context, domain.Target) (remote.Executor, error) { return rec, nil },
	}, nil)
	return rec
}

func TestNewCmdLogs_StreamsContainerLogs(t *testing.T) {
	rec := host(t, inspectCitadel)

	_, _, err := test.Execute(NewCmdLogs(), "--target", "staging-1", "--app", "citadel", "-f", "-n", "20")

	require.NoError(t, err)
	assert.Equal(t, []string{"docker logs --tail 20 -f citadel 2>&1"}, rec.Commands())
}

func TestNewCmdLogs_MissingContainer(t *testing.T) {
	rec := host(t, "")

	_, stderr, err := test.Execute(NewCmdLogs(), "--target", "staging-1", "--app", "citadel")

	assert.ErrorIs(t, err, domain.ErrConfig)
	assert.Contains(t, stderr, "no container named citadel on staging-1")
	assert.Empty(t, rec.Commands())
}
