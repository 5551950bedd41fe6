package zvm

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/zvmhelper/internal/artifacts"
)

// fakeExecutor records every command and the bytes fed to it.
type fakeExecutor struct {
	mu       sync.Mutex
	commands []string
	stdin    map[string]string
	// fail returns an error for matching commands.
	fail   func(c Command) (Output, error)
	closed int
}

func (f *fakeExecutor) Run(ctx context.Context, c Command, stdin io.Reader) (Output, error) {
	line := c.String()
	var data []byte
	if stdin != nil {
		data, _ = io.ReadAll(stdin)
	}
	f.mu.Lock()
	f.commands = append(f.commands, line)
	if f.stdin == nil {
		f.stdin = make(map[string]string)
	}
	f.stdin[line] = string(data)
	fail := f.fail
	f.mu.Unlock()

	if fail != nil {
		return fail(c)
	}
	if strings.HasPrefix(line, "cio_ignore --is-ignored") {
		return Output{Stdout: "Device 0.0.000" + c.Args[1] + " is ignored\n"}, nil
	}
	return Output{}, nil
}

func (f *fakeExecutor) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeExecutor) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

type fakeDialer struct {
	exec *fakeExecutor
	err  error
}

func (d fakeDialer) Dial(context.Context, Target) (Executor, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.exec, nil
}

func openSession(t *testing.T, exec *fakeExecutor, target Target, kinds ...artifacts.Kind) *Session {
	t.Helper()
	transport := &Transport{Dialer: fakeDialer{exec: exec}}
	s, err := transport.Open(context.Background(), target, kinds)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenPreparesReader(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{}
	openSession(t, exec, Target{Guest: "LINUX01"})

	assert.Equal(t, []string{
		"modprobe vmur",
		"cio_ignore --is-ignored c",
		"cio_ignore --remove c",
		"chccwdev --online c",
		"cio_ignore --is-ignored d",
		"cio_ignore --remove d",
		"chccwdev --online d",
		"cio_ignore --is-ignored e",
		"cio_ignore --remove e",
		"chccwdev --online e",
		"vmcp spool punch LINUX01 rdr",
		"vmcp purge LINUX01 rdr all",
	}, exec.lines())
}

func TestOpenFailureIsAuthFailure(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{fail: func(c Command) (Output, error) {
		return Output{Stderr: "HCPSPP003E Invalid option"}, &CommandError{Command: c, ExitCode: 1}
	}}
	transport := &Transport{Dialer: fakeDialer{exec: exec}}

	_, err := transport.Open(context.Background(), Target{Guest: "LINUX01"}, nil)
	var te *artifacts.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, artifacts.AuthFailure, te.Reason)
	assert.Equal(t, 1, exec.closed)

	_, err = (&Transport{Dialer: fakeDialer{err: errors.New("connection refused")}}).Open(context.Background(), Target{Guest: "LINUX01"}, nil)
	assert.True(t, artifacts.IsFatal(err))
}

func TestOpenRejectsInvalidTarget(t *testing.T) {
	t.Parallel()

	_, err := (&Transport{Dialer: fakeDialer{exec: &fakeExecutor{}}}).Open(context.Background(), Target{Guest: "much-too-long"}, nil)
	var cfgErr *artifacts.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestUploadPunchesReader(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{}
	clearReader := false
	s := openSession(t, exec, Target{Guest: "LINUX01", ClearReader: &clearReader, TextParm: true}, artifacts.Cmdline)

	payload := artifacts.NewInlinePayload(artifacts.Cmdline, "generated", []byte("ip=dhcp console"))
	res := s.Upload(context.Background(), artifacts.Spec{Kind: artifacts.Cmdline, Source: artifacts.Generated()}, payload)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, artifacts.StateDone, res.State)
	assert.Equal(t, int64(15), res.Bytes)
	assert.Equal(t, "reader:coreos.parm", res.Destination)

	line := "vmur punch -r -u LINUX01 -N coreos.parm -t"
	assert.Contains(t, exec.lines(), line)
	assert.NotContains(t, exec.lines(), "vmcp purge LINUX01 rdr all")
	assert.Equal(t, "ip=dhcp console", exec.stdin[line])
}

func TestUploadRootfsToMinidisk(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{}
	s := openSession(t, exec, Target{Guest: "LINUX01", RootfsDevice: "0.0.0201"}, artifacts.Kernel, artifacts.Rootfs)

	// the rootfs does not go through the reader, so it does not wait for the kernel
	payload := artifacts.NewInlinePayload(artifacts.Rootfs, "mem", []byte("rootfs"))
	res := s.Upload(context.Background(), artifacts.Spec{Kind: artifacts.Rootfs}, payload)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "minidisk:0.0.0201", res.Destination)
	lines := exec.lines()
	assert.Contains(t, lines, "chccwdev --online 0.0.0201")
	assert.Contains(t, lines, "dd of=/dev/disk/by-path/ccw-0.0.0201 bs=1M iflag=fullblock conv=fsync status=none")
}

// failing makes the named tool exit 1 with stderr, the way both executors report it.
func failing(tool, stderr string) func(Command) (Output, error) {
	return func(c Command) (Output, error) {
		if c.Name != tool {
			return Output{}, nil
		}
		return Output{Stderr: stderr}, &CommandError{Command: c, ExitCode: 1, Stderr: stderr}
	}
}

func TestUploadClassifiesFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		target Target
		kind   artifacts.Kind
		tool   string
		stderr string
		want   artifacts.TransportReason
	}{
		{"busy reader", Target{Guest: "LINUX01"}, artifacts.Kernel, "vmur", "vmur: Unit record device 0.0.000d is busy", artifacts.DeviceBusy},
		{"locked punch", Target{Guest: "LINUX01"}, artifacts.Kernel, "vmur", "vmur: Could not lock device", artifacts.DeviceBusy},
		{"not authorized", Target{Guest: "LINUX01"}, artifacts.Kernel, "vmur", "HCPSPP007E You are not authorized to spool", artifacts.AuthFailure},
		{"io error", Target{Guest: "LINUX01"}, artifacts.Kernel, "vmur", "vmur: Write to device failed: Input/output error", artifacts.IOError},
		{"guest id containing lock", Target{Guest: "BLOCK01"}, artifacts.Kernel, "vmur", "vmur: Write to device failed: Input/output error", artifacts.IOError},
		{"full minidisk", Target{Guest: "LINUX01", RootfsDevice: "0.0.0201"}, artifacts.Rootfs, "dd", "dd: error writing '/dev/disk/by-path/ccw-0.0.0201': No space left on device", artifacts.IOError},
		{"busy minidisk", Target{Guest: "LINUX01", RootfsDevice: "0.0.0201"}, artifacts.Rootfs, "dd", "dd: failed to open '/dev/disk/by-path/ccw-0.0.0201': Device or resource busy", artifacts.DeviceBusy},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			exec := &fakeExecutor{}
			s := openSession(t, exec, tc.target, tc.kind)
			exec.mu.Lock()
			exec.fail = failing(tc.tool, tc.stderr)
			exec.mu.Unlock()

			res := s.Upload(context.Background(), artifacts.Spec{Kind: tc.kind}, artifacts.NewInlinePayload(tc.kind, "mem", []byte("x")))
			require.False(t, res.Success)
			var te *artifacts.TransportError
			require.ErrorAs(t, res.Err, &te)
			assert.Equal(t, tc.want, te.Reason)
			assert.Equal(t, artifacts.StateFailed, res.State)
		})
	}
}

func TestClassifyIgnoresCommandLine(t *testing.T) {
	t.Parallel()

	dd := cmd("dd", "of=/dev/disk/by-path/ccw-0.0.0201", "bs=1M", "iflag=fullblock", "conv=fsync", "status=none")
	err := classify(context.Background(), Destination{Type: Minidisk, Name: "0.0.0201"}, Output{}, &CommandError{Command: dd, ExitCode: 1})

	var te *artifacts.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, artifacts.IOError, te.Reason)

	// stderr carried only on the error still counts
	err = classify(context.Background(), Destination{Type: Reader, Name: "coreos.kernel"}, Output{}, &CommandError{Command: dd, ExitCode: 1, Stderr: "device or resource busy"})
	require.ErrorAs(t, err, &te)
	assert.Equal(t, artifacts.DeviceBusy, te.Reason)
}

func TestUploadWaitsForEarlierReaderFiles(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{}
	s := openSession(t, exec, Target{Guest: "LINUX01"}, artifacts.Kernel, artifacts.Cmdline, artifacts.Initramfs)

	done := make(chan artifacts.Result, 1)
	go func() {
		done <- s.Upload(context.Background(), artifacts.Spec{Kind: artifacts.Initramfs}, artifacts.NewInlinePayload(artifacts.Initramfs, "mem", []byte("i")))
	}()

	select {
	case <-done:
		t.Fatal("initramfs was punched before kernel and parm resolved")
	case <-time.After(50 * time.Millisecond):
	}

	res := s.Upload(context.Background(), artifacts.Spec{Kind: artifacts.Kernel}, artifacts.NewInlinePayload(artifacts.Kernel, "mem", []byte("k")))
	require.True(t, res.Success)
	s.Resolve(artifacts.Kernel)
	s.Resolve(artifacts.Cmdline)

	select {
	case res := <-done:
		require.True(t, res.Success, res.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("initramfs upload never started")
	}

	lines := exec.lines()
	kernelAt := indexOf(lines, "vmur punch -r -u LINUX01 -N coreos.kernel")
	initrdAt := indexOf(lines, "vmur punch -r -u LINUX01 -N coreos.initrd")
	assert.Less(t, kernelAt, initrdAt)
}

func TestUploadHonoursCancellationWhileWaiting(t *testing.T) {
	t.Parallel()

	s := openSession(t, &fakeExecutor{}, Target{Guest: "LINUX01"}, artifacts.Kernel, artifacts.Initramfs)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := s.Upload(ctx, artifacts.Spec{Kind: artifacts.Initramfs}, artifacts.NewInlinePayload(artifacts.Initramfs, "mem", []byte("i")))
	assert.Equal(t, artifacts.StateCancelled, res.State)
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{}
	s, err := (&Transport{Dialer: fakeDialer{exec: exec}}).Open(context.Background(), Target{Guest: "LINUX01"}, nil)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, exec.closed)
}

func TestDestinationsAndSchedule(t *testing.T) {
	t.Parallel()

	target := Target{Guest: "LINUX01", Readers: map[artifacts.Kind]string{artifacts.Kernel: "fcos.kernel"}}
	assert.Equal(t, "reader:fcos.kernel", target.Destination(artifacts.Kernel).String())
	assert.Equal(t, "reader:coreos.initrd", target.Destination(artifacts.Initramfs).String())
	assert.Equal(t, "reader:coreos.rootfs", target.Destination(artifacts.Rootfs).String())

	assert.Equal(t,
		[]artifacts.Kind{artifacts.Kernel, artifacts.Cmdline, artifacts.Initramfs, artifacts.Rootfs},
		Schedule(artifacts.Kinds()))
}

func TestTargetValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Target{Guest: "A3E29008"}.Validate())
	assert.Error(t, Target{Guest: "LINUX01", Transport: SSH}.Validate())
	assert.Error(t, Target{Guest: "LINUX01", Transport: "ftp"}.Validate())
	assert.Error(t, Target{Guest: "LINUX01", RootfsDevice: "201"}.Validate())
	assert.Error(t, Target{Guest: "LINUX01", Readers: map[artifacts.Kind]string{artifacts.Kernel: "has space"}}.Validate())
	require.NoError(t, Target{Guest: "LINUX01", Transport: SSH, SSH: SSHConfig{Host: "helper", User: "root", KeyFile: "/k"}}.Validate())
}

func TestLocalDialerRequiresS390x(t *testing.T) {
	t.Parallel()

	_, err := LocalDialer{Machine: func() (string, error) { return "x86_64", nil }}.Dial(context.Background(), Target{})
	require.Error(t, err)

	exec, err := LocalDialer{Machine: func() (string, error) { return "s390x", nil }}.Dial(context.Background(), Target{})
	require.NoError(t, err)
	assert.IsType(t, LocalExecutor{}, exec)
}

func TestCommandString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "vmur punch -r -N coreos.parm", cmd("vmur", "punch", "-r", "-N", "coreos.parm").String())
	assert.Equal(t, `echo 'it'\''s here'`, cmd("echo", "it's here").String())
}

func indexOf(lines []string, want string) int {
	for i, l := range lines {
		if l == want {
			return i
		}
	}
	return -1
}
