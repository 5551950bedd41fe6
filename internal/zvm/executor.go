package zvm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
)

// Command is one program invocation on the host driving the guest's unit-record devices.
type Command struct {
	Name string
	Args []string
}

func cmd(name string, args ...string) Command {
	return Command{Name: name, Args: args}
}

// String renders the command as a POSIX shell line.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, shellQuote(c.Name))
	for _, arg := range c.Args {
		parts = append(parts, shellQuote(arg))
	}
	return strings.Join(parts, " ")
}

var shellSafe = regexp.MustCompile(`^[A-Za-z0-9_./:=,@%+\-]+$`)

func shellQuote(s string) string {
	if shellSafe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Output is what a command printed.
type Output struct {
	Stdout string
	Stderr string
}

// CommandError reports a command that ran but failed.
type CommandError struct {
	Command  Command
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s exited with status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Command, e.ExitCode, msg)
}

// Executor runs commands on the host that owns the punch device.
type Executor interface {
	Run(ctx context.Context, command Command, stdin io.Reader) (Output, error)
	Close() error
}

// Dialer connects an executor for target.
type Dialer interface {
	Dial(ctx context.Context, target Target) (Executor, error)
}

// LocalExecutor runs commands on this host.
type LocalExecutor struct{}

func (LocalExecutor) Run(ctx context.Context, command Command, stdin io.Reader) (Output, error) {
	c := exec.CommandContext(ctx, command.Name, command.Args...)
	var stdout, stderr bytes.Buffer
	c.Stdin = stdin
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return out, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out, &CommandError{Command: command, ExitCode: exitErr.ExitCode(), Stderr: out.Stderr}
	}
	return out, fmt.Errorf("run %s: %w", command, err)
}

func (LocalExecutor) Close() error {
	return nil
}

// LocalDialer hands out a LocalExecutor after checking this host can drive a zVM reader.
type LocalDialer struct {
	// Machine reports the hardware name of this host; it defaults to uname.
	Machine func() (string, error)
}

func (d LocalDialer) Dial(ctx context.Context, target Target) (Executor, error) {
	machine := d.Machine
	if machine == nil {
		machine = hostMachine
	}
	name, err := machine()
	if err != nil {
		return nil, fmt.Errorf("identify host: %w", err)
	}
	if name != "s390x" {
		return nil, fmt.Errorf("local transport needs an s390x zVM guest, this host is %s", name)
	}
	return LocalExecutor{}, nil
}

// DialerFor returns the dialer matching the target's transport.
func DialerFor(target Target) Dialer {
	if target.Transport == SSH {
		return SSHDialer{}
	}
	return LocalDialer{}
}
