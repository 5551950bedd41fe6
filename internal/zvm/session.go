package zvm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cochaviz/zvmhelper/internal/artifacts"
	"github.com/cochaviz/zvmhelper/internal/logging"
)

// unitRecordDevices are the guest's virtual reader, punch and printer.
var unitRecordDevices = []string{"c", "d", "e"}

// Transport opens sessions against zVM guests.
type Transport struct {
	Dialer Dialer
	Logger *slog.Logger
}

func (t *Transport) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// Open connects to the host driving target's punch device, prepares the unit-record devices
// and spools the punch to the guest's reader. Any failure here leaves no usable session and is
// reported as an authentication failure. kinds is the artifact set the session will carry.
func (t *Transport) Open(ctx context.Context, target Target, kinds []artifacts.Kind) (*Session, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	log := t.logger().With("component", "zvm", "guest", target.Guest)

	dialer := t.Dialer
	if dialer == nil {
		dialer = DialerFor(target)
	}
	exec, err := dialer.Dial(ctx, target)
	if err != nil {
		return nil, openError(ctx, err)
	}

	s := &Session{
		target: target,
		exec:   exec,
		logger: log,
		sem:    make(chan struct{}, 1),
		gates:  make(map[artifacts.Kind]*gate, len(kinds)),
	}
	for _, kind := range kinds {
		s.gates[kind] = &gate{done: make(chan struct{})}
	}

	if err := s.prepare(ctx); err != nil {
		closeErr := exec.Close()
		return nil, errors.Join(openError(ctx, err), closeErr)
	}
	log.Info("zvm session ready", "transport", transportName(target), "clear_reader", target.ShouldClearReader())
	return s, nil
}

func transportName(target Target) TransportKind {
	if target.Transport == "" {
		return Local
	}
	return target.Transport
}

func openError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("open zvm session: %w", ctxErr)
	}
	return &artifacts.TransportError{Reason: artifacts.AuthFailure, Err: err}
}

type gate struct {
	once sync.Once
	done chan struct{}
}

func (g *gate) resolve() {
	g.once.Do(func() { close(g.done) })
}

// Session is one connection to a guest's reader, shared by every artifact pipeline of a run.
// Transfers are serialized; reader files are punched in IPL order.
type Session struct {
	target Target
	exec   Executor
	logger *slog.Logger

	// sem holds the single in-flight transfer.
	sem   chan struct{}
	gates map[artifacts.Kind]*gate

	closeOnce sync.Once
	closeErr  error
}

// Schedule orders kinds for pipeline start; see the package level Schedule.
func (s *Session) Schedule(kinds []artifacts.Kind) []artifacts.Kind {
	return Schedule(kinds)
}

func (s *Session) prepare(ctx context.Context) error {
	if _, err := s.run(ctx, cmd("modprobe", "vmur"), nil); err != nil {
		return err
	}
	for _, dev := range unitRecordDevices {
		out, err := s.run(ctx, cmd("cio_ignore", "--is-ignored", dev), nil)
		if err != nil {
			return err
		}
		if strings.Contains(out.Stdout, "is ignored") {
			if _, err := s.run(ctx, cmd("cio_ignore", "--remove", dev), nil); err != nil {
				return err
			}
		}
		if _, err := s.run(ctx, cmd("chccwdev", "--online", dev), nil); err != nil {
			return err
		}
	}
	if _, err := s.run(ctx, cmd("vmcp", "spool", "punch", s.target.Guest, "rdr"), nil); err != nil {
		return err
	}
	if s.target.ShouldClearReader() {
		if _, err := s.run(ctx, cmd("vmcp", "purge", s.target.Guest, "rdr", "all"), nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) run(ctx context.Context, c Command, stdin io.Reader) (Output, error) {
	s.logger.Debug("running command", "command", c.String())
	return s.exec.Run(ctx, c, stdin)
}

// Resolve marks kind's pipeline finished, successfully or not, releasing reader uploads that
// wait on it. It is safe to call more than once.
func (s *Session) Resolve(kind artifacts.Kind) {
	if g, ok := s.gates[kind]; ok {
		g.resolve()
	}
}

// Upload streams payload to the destination of spec.Kind.
func (s *Session) Upload(ctx context.Context, spec artifacts.Spec, payload artifacts.Payload) artifacts.Result {
	dest := s.target.Destination(spec.Kind)
	log := s.logger.With("kind", spec.Kind, "destination", dest.String())

	if dest.Type == Reader {
		if err := s.awaitPredecessors(ctx, spec.Kind); err != nil {
			return artifacts.Failed(spec.Kind, err)
		}
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return artifacts.Failed(spec.Kind, ctx.Err())
	}
	defer func() { <-s.sem }()
	if err := ctx.Err(); err != nil {
		return artifacts.Failed(spec.Kind, err)
	}

	started := time.Now()
	n, err := s.transfer(ctx, spec.Kind, dest, payload)
	if err != nil {
		log.Warn("transfer failed", "error", err, "bytes", n)
		res := artifacts.Failed(spec.Kind, err)
		res.Bytes = n
		res.Destination = dest.String()
		return res
	}
	log.Info("transferred artifact",
		logging.Size("size", n),
		"duration", time.Since(started).Round(time.Millisecond))
	return artifacts.Succeeded(spec.Kind, dest.String(), n)
}

func (s *Session) awaitPredecessors(ctx context.Context, kind artifacts.Kind) error {
	for _, earlier := range readerOrder {
		if earlier == kind {
			return nil
		}
		if s.target.Destination(earlier).Type != Reader {
			continue
		}
		g, ok := s.gates[earlier]
		if !ok {
			continue
		}
		select {
		case <-g.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Session) transfer(ctx context.Context, kind artifacts.Kind, dest Destination, payload artifacts.Payload) (int64, error) {
	rc, err := payload.Open()
	if err != nil {
		return 0, &artifacts.TransportError{Reason: artifacts.IOError, Destination: dest.String(), Err: err}
	}
	defer rc.Close()
	counter := &countingReader{r: rc}

	var out Output
	switch dest.Type {
	case Minidisk:
		if out, err = s.run(ctx, cmd("chccwdev", "--online", dest.Name), nil); err != nil {
			return 0, classify(ctx, dest, out, err)
		}
		out, err = s.run(ctx, cmd("dd", "of="+dest.DevicePath(), "bs=1M", "iflag=fullblock", "conv=fsync", "status=none"), counter)
	default:
		args := []string{"punch", "-r", "-u", s.target.Guest, "-N", dest.Name}
		if kind == artifacts.Cmdline && s.target.TextParm {
			args = append(args, "-t")
		}
		out, err = s.run(ctx, cmd("vmur", args...), counter)
	}
	if err != nil {
		return counter.n, classify(ctx, dest, out, err)
	}
	if payload.Size > 0 && counter.n != payload.Size {
		return counter.n, &artifacts.TransportError{
			Reason:      artifacts.IOError,
			Destination: dest.String(),
			Err:         fmt.Errorf("short transfer: sent %d of %d bytes", counter.n, payload.Size),
		}
	}
	return counter.n, nil
}

// Close releases the connection. Later calls return the first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		for _, g := range s.gates {
			g.resolve()
		}
		s.closeErr = s.exec.Close()
		s.logger.Debug("zvm session closed")
	})
	return s.closeErr
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
