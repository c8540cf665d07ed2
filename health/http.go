package health

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/oar-cd/hoist/remote"
)

// RemoteHTTP issues the request from the target itself so the candidate's
// port never needs to be reachable from the deployer.
type RemoteHTTP struct {
	exec remote.Executor
}

func NewRemoteHTTP(exec remote.Executor) *RemoteHTTP {
	return &RemoteHTTP{exec: exec}
}

func (r *RemoteHTTP) Check(ctx context.Context, port int, path string) (int, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	url := remote.Quote(fmt.Sprintf("http://127.0.0.1:%d%s", port, path))
	cmd := "if command -v curl >/dev/null 2>&1; then " +
		"curl -s -o /dev/null -w '%{http_code}' --max-time 2 " + url + "; " +
		"else wget -q -O /dev/null -T 2 " + url + " && echo 200 || echo 000; fi"

	res, err := r.exec.Query(ctx, cmd)
	if err != nil {
		exitErr, ok := remote.IsExit(err)
		if !ok {
			return 0, err
		}
		res = exitErr.Result
	}
	code, convErr := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if convErr != nil {
		return 0, fmt.Errorf("unexpected health check output %q", res.Stdout)
	}
	return code, nil
}
