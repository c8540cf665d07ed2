// Package docker drives containers on a target through the docker CLI
// and talks to the local Docker Engine for builds.
package docker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"

	"github.com/oar-cd/hoist/domain"
	"github.com/oar-cd/hoist/remote"
)

// Labels attached to every container hoist starts.
const (
	LabelApp  = "hoist.app"
	LabelRole = "hoist.role"
)

// Container is the subset of container state the swap engine needs.
type Container struct {
	Name       string
	ID         string
	ImageID    string
	ImageRef   string
	Status     string
	Running    bool
	Restarting bool
	ExitCode   int
	StartedAt  time.Time
	Labels     map[string]string
	HostPorts  []int
}

// Dead reports a state the container will not recover from on its own.
func (c *Container) Dead() bool {
	switch c.Status {
	case "exited", "dead":
		return true
	}
	return c.Restarting
}

// Summary is one row of `docker ps`.
type Summary struct {
	ID     string `json:"ID"`
	Names  string `json:"Names"`
	Image  string `json:"Image"`
	State  string `json:"State"`
	Status string `json:"Status"`
	Ports  string `json:"Ports"`
	Labels string `json:"Labels"`
}

// RunSpec describes a container to start. Slot is recorded in the role
// label: "primary" for rename-swap, the color for blue/green.
type RunSpec struct {
	Name          string
	Image         string
	App           string
	Slot          string
	HostPort      int
	ContainerPort int
	Env           map[string]string
	Restart       string
}

// CLI runs docker commands through an Executor.
type CLI struct {
	exec remote.Executor
	host string
}

// NewCLI returns a runtime for the target behind exec. dockerHost selects
// a non-default daemon on the target.
func NewCLI(exec remote.Executor, dockerHost string) *CLI {
	if dockerHost == domain.DefaultDockerHost {
		dockerHost = ""
	}
	return &CLI{exec: exec, host: dockerHost}
}

// Executor returns the underlying executor.
func (c *CLI) Executor() remote.Executor {
	return c.exec
}

// Command builds a docker command line.
func (c *CLI) Command(args ...string) string {
	cmd := "docker " + remote.Join(args...)
	if c.host != "" {
		cmd = "DOCKER_HOST=" + remote.Quote(c.host) + " " + cmd
	}
	return cmd
}

// Inspect returns the container state, or nil when it does not exist.
func (c *CLI) Inspect(ctx context.Context, name string) (*Container, error) {
	res, err := c.exec.Query(ctx, c.Command("container", "inspect", name))
	if err != nil {
		if exitErr, ok := remote.IsExit(err); ok && isNotFound(exitErr.Stderr) {
			return nil, nil
		}
		return nil, err
	}
	return parseInspect(res.Stdout)
}

func isNotFound(stderr string) bool {
	return strings.Contains(stderr, "No such container") || strings.Contains(stderr, "No such object")
}

func parseInspect(out string) (*Container, error) {
	var infos []container.InspectResponse
	if err := json.Unmarshal([]byte(out), &infos); err != nil {
		return nil, fmt.Errorf("decode docker inspect output: %w", err)
	}
	if len(infos) == 0 {
		return nil, nil
	}
	info := infos[0]
	ctr := &Container{
		Name:    strings.TrimPrefix(info.Name, "/"),
		ID:      info.ID,
		ImageID: info.Image,
	}
	if info.State != nil {
		ctr.Status = string(info.State.Status)
		ctr.Running = info.State.Running
		ctr.Restarting = info.State.Restarting
		ctr.ExitCode = info.State.ExitCode
		ctr.StartedAt, _ = time.Parse(time.RFC3339Nano, info.State.StartedAt)
	}
	if info.Config != nil {
		ctr.ImageRef = info.Config.Image
		ctr.Labels = info.Config.Labels
	}
	if info.HostConfig != nil {
		for _, bindings := range info.HostConfig.PortBindings {
			for _, b := range bindings {
				if p, err := strconv.Atoi(b.HostPort); err == nil {
					ctr.HostPorts = append(ctr.HostPorts, p)
				}
			}
		}
		sort.Ints(ctr.HostPorts)
	}
	return ctr, nil
}

// ImageID resolves an image reference on the target. It returns an empty
// string when the image is absent.
func (c *CLI) ImageID(ctx context.Context, ref string) (string, error) {
	res, err := c.exec.Query(ctx, c.Command("image", "inspect", "--format", "{{.Id}}", ref))
	if err != nil {
		if exitErr, ok := remote.IsExit(err); ok && strings.Contains(exitErr.Stderr, "No such") {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Run creates and starts a detached container. The environment travels
// on stdin into a private temporary env file so values never appear in
// the remote process list.
func (c *CLI) Run(ctx context.Context, spec RunSpec) error {
	envFile, err := envFileContent(spec.Env)
	if err != nil {
		return err
	}

	restart := spec.Restart
	if restart == "" {
		restart = "unless-stopped"
	}
	args := []string{"run", "-d", "--name", spec.Name, "--restart", restart,
		"--label", LabelApp + "=" + spec.App,
		"--label", LabelRole + "=" + spec.Slot,
	}
	if spec.HostPort > 0 {
		containerPort := spec.ContainerPort
		if containerPort == 0 {
			containerPort = domain.DefaultContainerPort
		}
		args = append(args, "-p", fmt.Sprintf("%d:%d", spec.HostPort, containerPort))
	}
	if envFile == "" {
		_, err := c.exec.Run(ctx, c.Command(append(args, spec.Image)...))
		return err
	}

	run := c.Command(args...) + ` --env-file "$f" ` + remote.Quote(spec.Image)
	script := `f=$(mktemp) && chmod 600 "$f" && cat > "$f" && ` + run + `; rc=$?; rm -f "$f"; exit $rc`
	return c.exec.Stream(ctx, script, strings.NewReader(envFile), io.Discard, io.Discard)
}

func envFileContent(env map[string]string) (string, error) {
	if len(env) == 0 {
		return "", nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		if k == "" || strings.ContainsAny(k, "=\n") {
			return "", fmt.Errorf("%w: invalid environment variable name %q", domain.ErrConfig, k)
		}
		if strings.Contains(env[k], "\n") {
			return "", fmt.Errorf("%w: environment variable %s contains a newline", domain.ErrConfig, k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(env[k])
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func (c *CLI) Rename(ctx context.Context, from, to string) error {
	_, err := c.exec.Run(ctx, c.Command("rename", from, to))
	return err
}

func (c *CLI) Start(ctx context.Context, name string) error {
	_, err := c.exec.Run(ctx, c.Command("start", name))
	return err
}

func (c *CLI) Stop(ctx context.Context, name string) error {
	_, err := c.exec.Run(ctx, c.Command("stop", "-t", "10", name))
	return err
}

// Remove force-removes a container. A missing container is not an error.
func (c *CLI) Remove(ctx context.Context, name string) error {
	_, err := c.exec.Run(ctx, c.Command("rm", "-f", name))
	if exitErr, ok := remote.IsExit(err); ok && isNotFound(exitErr.Stderr) {
		return nil
	}
	return err
}

// List returns containers, all of them or only those labelled for app.
func (c *CLI) List(ctx context.Context, app string) ([]Summary, error) {
	args := []string{"ps", "-a", "--format", "{{json .}}"}
	if app != "" {
		args = append(args, "--filter", "label="+LabelApp+"="+app)
	}
	res, err := c.exec.Query(ctx, c.Command(args...))
	if err != nil {
		return nil, err
	}
	return parseSummaries(res.Stdout)
}

func parseSummaries(out string) ([]Summary, error) {
	var rows []Summary
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var s Summary
		if err := json.Unmarshal([]byte(line), &s); err != nil {
			return nil, fmt.Errorf("decode docker ps output: %w", err)
		}
		rows = append(rows, s)
	}
	return rows, sc.Err()
}

// PortOwner returns the name of the container publishing host port, if any.
func (c *CLI) PortOwner(ctx context.Context, port int) (string, error) {
	res, err := c.exec.Query(ctx, c.Command("ps", "--filter", "publish="+strconv.Itoa(port), "--format", "{{.Names}}"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.SplitN(res.Stdout, "\n", 2)[0]), nil
}

// Logs streams container logs to w.
func (c *CLI) Logs(ctx context.Context, name string, tail int, follow bool, w io.Writer) error {
	args := []string{"logs"}
	if tail > 0 {
		args = append(args, "--tail", strconv.Itoa(tail))
	}
	if follow {
		args = append(args, "-f")
	}
	args = append(args, name)
	return c.exec.Stream(ctx, c.Command(args...)+" 2>&1", nil, w, nil)
}

// LoadCommand returns the command that reads a zstd-compressed image
// archive on stdin and loads it.
func (c *CLI) LoadCommand() string {
	return "zstd -dc | " + c.Command("load", "-q")
}
