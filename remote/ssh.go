package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/oar-cd/hoist/domain"
)

// SSHOptions tunes how SSH connections are made.
type SSHOptions struct {
	DialTimeout time.Duration
	// HomeDir locates default keys and known_hosts. Defaults to the
	// user's home directory.
	HomeDir string
	// AgentSocket overrides SSH_AUTH_SOCK.
	AgentSocket string
}

// SSHExecutor runs commands over one multiplexed SSH connection. Each
// command gets its own session.
type SSHExecutor struct {
	client *ssh.Client
	target domain.Target
	agent  net.Conn
}

// DialSSH connects and authenticates to target. Rejected credentials and
// unknown host keys wrap domain.ErrAuth; network failures wrap
// domain.ErrTransport.
func DialSSH(ctx context.Context, target domain.Target, opts SSHOptions) (*SSHExecutor, error) {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 15 * time.Second
	}
	if opts.HomeDir == "" {
		opts.HomeDir, _ = os.UserHomeDir()
	}

	auth, agentConn, err := authMethods(target, opts)
	if err != nil {
		return nil, err
	}
	hostKeys, err := hostKeyCallback(target, opts)
	if err != nil {
		closeQuietly(agentConn)
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            target.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         opts.DialTimeout,
	}

	addr := target.Address()
	dialer := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		closeQuietly(agentConn)
		return nil, transportErr("dial "+addr, err)
	}

	// ssh.NewClientConn has no context; bound the handshake by closing the
	// socket when ctx ends first.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	stop()
	if err != nil {
		_ = conn.Close()
		closeQuietly(agentConn)
		return nil, classifyHandshake(addr, err)
	}

	slog.Debug("SSH connection established", "target", target.Name, "addr", addr, "user", target.User)
	return &SSHExecutor{client: ssh.NewClient(c, chans, reqs), target: target, agent: agentConn}, nil
}

func classifyHandshake(addr string, err error) error {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		if len(keyErr.Want) == 0 {
			return fmt.Errorf("%w: host key for %s is not in known_hosts: %w", domain.ErrAuth, addr, err)
		}
		return fmt.Errorf("%w: host key mismatch for %s: %w", domain.ErrAuth, addr, err)
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return fmt.Errorf("%w: %s rejected credentials: %w", domain.ErrAuth, addr, err)
	}
	return transportErr("handshake with "+addr, err)
}

func authMethods(target domain.Target, opts SSHOptions) ([]ssh.AuthMethod, net.Conn, error) {
	var methods []ssh.AuthMethod
	var signers []ssh.Signer

	if target.IdentityFile != "" {
		signer, err := loadKey(expandHome(target.IdentityFile, opts.HomeDir))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: identity file for %s: %w", domain.ErrConfig, target.Name, err)
		}
		signers = append(signers, signer)
	} else {
		for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
			signer, err := loadKey(filepath.Join(opts.HomeDir, ".ssh", name))
			if err == nil {
				signers = append(signers, signer)
			}
		}
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	sock := opts.AgentSocket
	if sock == "" {
		sock = os.Getenv("SSH_AUTH_SOCK")
	}
	var agentConn net.Conn
	if sock != "" {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			slog.Debug("SSH agent unavailable", "socket", sock, "error", err)
		} else {
			agentConn = conn
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	if len(methods) == 0 {
		return nil, nil, fmt.Errorf("%w: no SSH credentials for %s (set identity_file or run an agent)",
			domain.ErrConfig, target.Name)
	}
	return methods, agentConn, nil
}

func loadKey(path string) (ssh.Signer, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(pem)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		return nil, fmt.Errorf("key %s is passphrase protected; load it into ssh-agent", path)
	}
	return signer, err
}

func hostKeyCallback(target domain.Target, opts SSHOptions) (ssh.HostKeyCallback, error) {
	if target.InsecureHost {
		slog.Warn("Host key verification disabled", "target", target.Name)
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := target.KnownHosts
	if path == "" {
		path = filepath.Join(opts.HomeDir, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(expandHome(path, opts.HomeDir))
	if err != nil {
		return nil, fmt.Errorf("%w: known_hosts for %s: %w", domain.ErrConfig, target.Name, err)
	}
	return cb, nil
}

func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func (s *SSHExecutor) Query(ctx context.Context, cmd string) (Result, error) {
	return s.run(ctx, cmd)
}

func (s *SSHExecutor) Run(ctx context.Context, cmd string) (Result, error) {
	return s.run(ctx, cmd)
}

func (s *SSHExecutor) run(ctx context.Context, cmd string) (Result, error) {
	var stdout, stderr bytes.Buffer
	err := s.Stream(ctx, cmd, nil, &stdout, &stderr)
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode
		exitErr.Result = res
		return res, exitErr
	}
	return res, err
}

// Stream runs cmd in a new session. Cancelling ctx kills the remote
// command and closes the session.
func (s *SSHExecutor) Stream(ctx context.Context, cmd string, stdin io.Reader, stdout, stderr io.Writer) error {
	session, err := s.client.NewSession()
	if err != nil {
		return transportErr("open session on "+s.target.Name, err)
	}
	defer func() { _ = session.Close() }()

	session.Stdin = stdin
	session.Stdout = stdout
	session.Stderr = stderr

	slog.Debug("Running remote command", "target", s.target.Name, "command", cmd)
	if err := session.Start(cmd); err != nil {
		return transportErr("start command on "+s.target.Name, err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		return transportErr("command on "+s.target.Name+" interrupted", ctx.Err())
	}

	if err == nil {
		return nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Command: cmd, Result: Result{ExitCode: exitErr.ExitStatus()}}
	}
	return transportErr("command on "+s.target.Name, err)
}

func (s *SSHExecutor) Close() error {
	closeQuietly(s.agent)
	return s.client.Close()
}
