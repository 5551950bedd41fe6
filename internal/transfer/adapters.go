package transfer

import (
	"context"

	"github.com/opencontainers/go-digest"

	"github.com/cochaviz/zvmhelper/internal/artifacts"
	"github.com/cochaviz/zvmhelper/internal/verify"
	"github.com/cochaviz/zvmhelper/internal/zvm"
)

// Fetcher retrieves artifact payloads.
type Fetcher interface {
	Fetch(ctx context.Context, spec artifacts.Spec) (artifacts.Payload, error)
	// Invalidate drops any stored copy so the next Fetch retrieves the artifact again.
	Invalidate(ctx context.Context, spec artifacts.Spec) error
}

// Verifier gates payloads on their digest.
type Verifier interface {
	Verify(ctx context.Context, payload artifacts.Payload, expected digest.Digest) (verify.Outcome, error)
}

// Session is the shared connection to the destination guest.
type Session interface {
	// Schedule orders kinds for pipeline start so that no pipeline waits on a later one.
	Schedule(kinds []artifacts.Kind) []artifacts.Kind
	Upload(ctx context.Context, spec artifacts.Spec, payload artifacts.Payload) artifacts.Result
	// Resolve marks a pipeline finished so uploads ordered after it may proceed.
	Resolve(kind artifacts.Kind)
	Close() error
}

// Transport opens sessions.
type Transport interface {
	Open(ctx context.Context, target zvm.Target, kinds []artifacts.Kind) (Session, error)
}

// ZvmTransport adapts *zvm.Transport to Transport.
type ZvmTransport struct {
	*zvm.Transport
}

func (t ZvmTransport) Open(ctx context.Context, target zvm.Target, kinds []artifacts.Kind) (Session, error) {
	s, err := t.Transport.Open(ctx, target, kinds)
	if err != nil {
		return nil, err
	}
	return s, nil
}
