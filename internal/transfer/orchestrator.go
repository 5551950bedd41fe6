// Package transfer drives every artifact of a run through fetch, verification and upload.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cochaviz/zvmhelper/internal/artifacts"
	"github.com/cochaviz/zvmhelper/internal/cmdline"
	"github.com/cochaviz/zvmhelper/internal/logging"
	"github.com/cochaviz/zvmhelper/internal/retry"
	"github.com/cochaviz/zvmhelper/internal/verify"
	"github.com/cochaviz/zvmhelper/internal/zvm"
)

// Plan is the fully resolved work of one invocation.
type Plan struct {
	Target zvm.Target
	Specs  []artifacts.Spec
	// Cmdline holds the parameters rendered for the cmdline spec, if the plan has one.
	Cmdline cmdline.Params
	// Compose replaces Cmdline when set. It runs inside the cmdline pipeline under the fetch
	// policy, so parameters that depend on builder metadata are looked up as part of the run.
	Compose func(ctx context.Context) (cmdline.Params, error)
}

// Validate rejects plans that cannot run.
func (p Plan) Validate() error {
	if len(p.Specs) == 0 {
		return &artifacts.ConfigError{Reason: artifacts.InvalidParameter, Field: "artifacts", Message: "no artifacts to transfer"}
	}
	seen := make(map[artifacts.Kind]bool, len(p.Specs))
	for _, spec := range p.Specs {
		if err := spec.Validate(); err != nil {
			return err
		}
		if seen[spec.Kind] {
			return &artifacts.ConfigError{Reason: artifacts.InvalidParameter, Field: spec.Kind.String(), Message: "artifact kind listed twice"}
		}
		seen[spec.Kind] = true
	}
	if seen[artifacts.Cmdline] && p.Compose == nil {
		if err := p.Cmdline.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Kinds returns the kinds of the plan in spec order.
func (p Plan) Kinds() []artifacts.Kind {
	kinds := make([]artifacts.Kind, 0, len(p.Specs))
	for _, spec := range p.Specs {
		kinds = append(kinds, spec.Kind)
	}
	return kinds
}

// Observer receives every state transition of every artifact. It is called from the pipeline
// goroutines and must be safe for concurrent use.
type Observer func(kind artifacts.Kind, state artifacts.State)

// Options tune an Orchestrator.
type Options struct {
	FetchPolicy     retry.Policy
	TransportPolicy retry.Policy
	// Concurrency bounds the pipelines running at once; zero runs every pipeline at once.
	Concurrency int
	Observer    Observer
}

// Orchestrator runs plans.
type Orchestrator struct {
	Source    Fetcher
	Verifier  Verifier
	Transport Transport
	Logger    *slog.Logger
	Options   Options

	newID func() string
	now   func() time.Time
}

// New returns an orchestrator with default retry policies filled in.
func New(source Fetcher, verifier Verifier, transport Transport, logger *slog.Logger, opts Options) *Orchestrator {
	opts.FetchPolicy = opts.FetchPolicy.WithDefaults(retry.DefaultFetchPolicy())
	opts.TransportPolicy = opts.TransportPolicy.WithDefaults(retry.DefaultTransportPolicy())
	return &Orchestrator{
		Source:    source,
		Verifier:  verifier,
		Transport: transport,
		Logger:    logger,
		Options:   opts,
	}
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o *Orchestrator) id() string {
	if o.newID != nil {
		return o.newID()
	}
	return uuid.NewString()
}

func (o *Orchestrator) clock() time.Time {
	if o.now != nil {
		return o.now()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) observe(kind artifacts.Kind, state artifacts.State) {
	if o.Options.Observer != nil {
		o.Options.Observer(kind, state)
	}
}

// Run executes plan. The returned error is limited to invalid plans and targets; every other
// outcome, including aborts, is described by the SetResult.
func (o *Orchestrator) Run(ctx context.Context, plan Plan) (artifacts.SetResult, error) {
	set := artifacts.SetResult{ID: o.id(), State: artifacts.RunInitializing, StartedAt: o.clock()}
	if err := plan.Validate(); err != nil {
		return set, err
	}
	log := o.logger().With("run_id", set.ID)

	for _, spec := range plan.Specs {
		o.observe(spec.Kind, artifacts.StatePending)
	}

	session, err := o.Transport.Open(ctx, plan.Target, plan.Kinds())
	if err != nil {
		var cfgErr *artifacts.ConfigError
		if errors.As(err, &cfgErr) {
			return set, err
		}
		log.Error("could not open zvm session", "error", err)
		for _, spec := range plan.Specs {
			set.Results = append(set.Results, artifacts.Cancelled(spec.Kind, err))
			o.observe(spec.Kind, artifacts.StateCancelled)
		}
		set.Abort(err)
		set.FinishedAt = o.clock()
		return set, nil
	}

	set.State = artifacts.RunRunning
	log.Info("transfer started", "artifacts", len(plan.Specs), "guest", plan.Target.Guest)

	results := o.runPipelines(ctx, session, plan, &set)

	if err := session.Close(); err != nil {
		log.Warn("closing zvm session failed", "error", err)
	}

	set.Results = results
	set.Settle()
	set.FinishedAt = o.clock()

	attrs := []any{"state", set.State, logging.Size("transferred", set.Bytes()), "duration", set.FinishedAt.Sub(set.StartedAt).Round(time.Millisecond)}
	switch set.State {
	case artifacts.RunSucceeded:
		log.Info("transfer finished", attrs...)
	case artifacts.RunPartiallyFailed:
		log.Warn("transfer finished with failures", append(attrs, "failed", set.Failed())...)
	default:
		log.Error("transfer aborted", append(attrs, "cause", set.Cause)...)
	}
	return set, nil
}

func (o *Orchestrator) runPipelines(ctx context.Context, session Session, plan Plan, set *artifacts.SetResult) []artifacts.Result {
	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	index := make(map[artifacts.Kind]int, len(plan.Specs))
	for i, spec := range plan.Specs {
		index[spec.Kind] = i
	}
	results := make([]artifacts.Result, len(plan.Specs))

	g := new(errgroup.Group)
	if o.Options.Concurrency > 0 {
		g.SetLimit(o.Options.Concurrency)
	}
	for _, kind := range session.Schedule(plan.Kinds()) {
		i := index[kind]
		spec := plan.Specs[i]
		g.Go(func() error {
			res := o.pipeline(runCtx, abort, session, spec, plan)
			results[i] = res
			o.observe(spec.Kind, res.State)
			o.logger().Debug("artifact finished",
				"run_id", set.ID,
				"kind", spec.Kind,
				"state", res.State,
				"attempts", res.Attempts(),
				"error_kind", res.ErrorKind)
			return nil
		})
	}
	_ = g.Wait()

	if cause := context.Cause(runCtx); cause != nil {
		set.Abort(cause)
	}
	return results
}

// pipeline moves one artifact from pending to a terminal state.
func (o *Orchestrator) pipeline(ctx context.Context, abort context.CancelCauseFunc, session Session, spec artifacts.Spec, plan Plan) artifacts.Result {
	defer session.Resolve(spec.Kind)
	log := o.logger().With("kind", spec.Kind)

	if ctx.Err() != nil {
		return artifacts.Cancelled(spec.Kind, context.Cause(ctx))
	}

	var (
		payload       artifacts.Payload
		warnings      []string
		fetchAttempts int
		err           error
	)
	if spec.Kind.Fetched() {
		payload, warnings, fetchAttempts, err = o.acquire(ctx, spec, log)
	} else {
		payload, fetchAttempts, err = o.generate(ctx, plan, log)
	}
	if err != nil {
		res := artifacts.Failed(spec.Kind, err)
		if ctx.Err() != nil {
			res = artifacts.Cancelled(spec.Kind, context.Cause(ctx))
		}
		res.FetchAttempts = fetchAttempts
		res.Warnings = warnings
		return res
	}
	defer func() {
		if err := payload.Release(); err != nil {
			log.Warn("releasing payload failed", "error", err)
		}
	}()

	if ctx.Err() != nil {
		res := artifacts.Cancelled(spec.Kind, context.Cause(ctx))
		res.FetchAttempts = fetchAttempts
		return res
	}

	o.observe(spec.Kind, artifacts.StateUploading)
	var last artifacts.Result
	uploadAttempts, err := retry.Do(ctx, o.Options.TransportPolicy, artifacts.IsRetryable, func(attempt int) error {
		last = session.Upload(ctx, spec, payload)
		if last.Success {
			return nil
		}
		if last.Err == nil {
			return fmt.Errorf("%s upload failed: %s", spec.Kind, last.Error)
		}
		return last.Err
	}, func(attempt int, err error, wait time.Duration) {
		log.Warn("upload failed, retrying", "attempt", attempt, "error", err, "wait", wait.Round(time.Millisecond))
	})

	res := last
	if err != nil {
		switch {
		case artifacts.IsFatal(err):
			log.Error("zvm session is unusable, aborting run", "error", err)
			abort(err)
			res = artifacts.Failed(spec.Kind, err)
		case ctx.Err() != nil:
			res = artifacts.Cancelled(spec.Kind, context.Cause(ctx))
		default:
			res = artifacts.Failed(spec.Kind, err)
		}
		res.Bytes = last.Bytes
		res.Destination = last.Destination
	}
	res.FetchAttempts = fetchAttempts
	res.UploadAttempts = uploadAttempts
	res.Warnings = append(warnings, res.Warnings...)
	return res
}

// generate renders the cmdline of plan.
func (o *Orchestrator) generate(ctx context.Context, plan Plan, log *slog.Logger) (artifacts.Payload, int, error) {
	if plan.Compose == nil {
		payload, err := cmdline.Generate(plan.Cmdline)
		return payload, 0, err
	}
	o.observe(artifacts.Cmdline, artifacts.StateFetching)
	var payload artifacts.Payload
	attempts, err := retry.Do(ctx, o.Options.FetchPolicy, artifacts.IsRetryable, func(int) error {
		params, err := plan.Compose(ctx)
		if err != nil {
			return err
		}
		payload, err = cmdline.Generate(params)
		return err
	}, func(attempt int, err error, wait time.Duration) {
		log.Warn("composing cmdline failed, retrying", "attempt", attempt, "error", err, "wait", wait.Round(time.Millisecond))
	})
	return payload, attempts, err
}

// acquire fetches and verifies spec. A checksum mismatch triggers exactly one more fetch of the
// artifact from scratch.
func (o *Orchestrator) acquire(ctx context.Context, spec artifacts.Spec, log *slog.Logger) (artifacts.Payload, []string, int, error) {
	attempts := 0
	for cycle := 0; ; cycle++ {
		o.observe(spec.Kind, artifacts.StateFetching)
		var payload artifacts.Payload
		n, err := retry.Do(ctx, o.Options.FetchPolicy, artifacts.IsRetryable, func(attempt int) error {
			p, err := o.Source.Fetch(ctx, spec)
			if err != nil {
				return err
			}
			payload = p
			return nil
		}, func(attempt int, err error, wait time.Duration) {
			log.Warn("fetch failed, retrying", "attempt", attempt, "error", err, "wait", wait.Round(time.Millisecond))
		})
		attempts += n
		if err != nil {
			return artifacts.Payload{}, nil, attempts, err
		}
		if ctx.Err() != nil {
			_ = payload.Release()
			return artifacts.Payload{}, nil, attempts, fmt.Errorf("%s: %w", spec.Kind, context.Cause(ctx))
		}

		o.observe(spec.Kind, artifacts.StateVerifying)
		outcome, err := o.Verifier.Verify(ctx, payload, verify.Expected(spec, payload))
		if err == nil {
			var warnings []string
			if outcome.Warning != "" {
				warnings = append(warnings, outcome.Warning)
			}
			return payload, warnings, attempts, nil
		}
		if releaseErr := payload.Release(); releaseErr != nil {
			log.Warn("releasing payload failed", "error", releaseErr)
		}

		var mismatch *artifacts.ChecksumMismatch
		if !errors.As(err, &mismatch) || cycle > 0 {
			return artifacts.Payload{}, nil, attempts, err
		}
		log.Warn("checksum mismatch, fetching again", "expected", mismatch.Expected, "actual", mismatch.Actual)
		if err := o.Source.Invalidate(ctx, spec); err != nil {
			log.Warn("invalidating cached copy failed", "error", err)
		}
	}
}
