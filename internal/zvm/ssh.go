package zvm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultSSHTimeout = 30 * time.Second

// SSHDialer connects to a helper guest that owns a punch device.
type SSHDialer struct{}

func (SSHDialer) Dial(ctx context.Context, target Target) (Executor, error) {
	cfg, err := clientConfig(target.SSH)
	if err != nil {
		return nil, err
	}

	addr := target.SSH.Address()
	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	// the handshake has no context of its own
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return &SSHExecutor{client: ssh.NewClient(c, chans, reqs), sudo: target.SSH.Sudo}, nil
}

func clientConfig(c SSHConfig) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if c.KeyFile != "" {
		key, err := os.ReadFile(c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key %s: %w", c.KeyFile, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}

	hostKeys, err := hostKeyCallback(c)
	if err != nil {
		return nil, err
	}

	timeout := c.Timeout
	if timeout == 0 {
		timeout = defaultSSHTimeout
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}, nil
}

func hostKeyCallback(c SSHConfig) (ssh.HostKeyCallback, error) {
	if c.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := c.KnownHosts
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locate known_hosts: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	callback, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known hosts %s: %w", path, err)
	}
	return callback, nil
}

// SSHExecutor runs each command in its own session on one connection.
type SSHExecutor struct {
	client *ssh.Client
	sudo   bool
}

func (e *SSHExecutor) Run(ctx context.Context, command Command, stdin io.Reader) (Output, error) {
	session, err := e.client.NewSession()
	if err != nil {
		return Output{}, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdin = stdin
	session.Stdout = &stdout
	session.Stderr = &stderr

	line := command.String()
	if e.sudo {
		line = "sudo -n " + line
	}
	if err := session.Start(line); err != nil {
		return Output{}, fmt.Errorf("start %s: %w", command, err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		session.Close()
		<-done
		return Output{Stdout: stdout.String(), Stderr: stderr.String()}, ctx.Err()
	case err = <-done:
	}

	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return out, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return out, &CommandError{Command: command, ExitCode: exitErr.ExitStatus(), Stderr: out.Stderr}
	}
	return out, fmt.Errorf("run %s: %w", command, err)
}

func (e *SSHExecutor) Close() error {
	return e.client.Close()
}
