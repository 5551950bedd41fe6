package simple

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/cochaviz/zvmhelper/internal/artifacts"
	"github.com/cochaviz/zvmhelper/internal/cmdline"
	"github.com/cochaviz/zvmhelper/internal/logging"
	"github.com/cochaviz/zvmhelper/internal/report"
	"github.com/cochaviz/zvmhelper/internal/repositories/local"
	"github.com/cochaviz/zvmhelper/internal/retry"
	"github.com/cochaviz/zvmhelper/internal/source"
	"github.com/cochaviz/zvmhelper/internal/transfer"
	"github.com/cochaviz/zvmhelper/internal/verify"
	"github.com/cochaviz/zvmhelper/internal/zvm"
)

// Environment carries the process level collaborators of a run.
type Environment struct {
	Logger *slog.Logger
	// Out receives progress lines and the result table. Nil keeps the run silent.
	Out io.Writer
	// Dialer replaces the dialer chosen from the target's transport.
	Dialer     zvm.Dialer
	HTTPClient *http.Client
	Now        func() time.Time
	// WorkDir is where build mode looks for artifacts when the build has no URL.
	WorkDir string
}

func (env Environment) now() time.Time {
	if env.Now != nil {
		return env.Now()
	}
	return time.Now()
}

func (env Environment) workDir() string {
	if env.WorkDir != "" {
		return env.WorkDir
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

func newSource(cfg Config, env Environment, logger *slog.Logger) *source.HTTPSource {
	var cache artifacts.Cache
	if !cfg.Cache.Disabled {
		cache = &local.LocalArtifactCache{BaseDir: cfg.Cache.Dir}
	}
	return source.NewHTTPSource(cache, logger.With("component", "source"), source.Options{
		MetadataRetries: cfg.Retry.MetadataRetries,
		Timeout:         cfg.Retry.RequestTimeout,
		HTTPClient:      env.HTTPClient,
	})
}

// Install transfers the configured artifacts to the guest and returns the run result. The error
// is limited to configuration problems; transfer failures are described by the result.
func Install(ctx context.Context, cfg Config, env Environment) (artifacts.SetResult, error) {
	logger := logging.Ensure(env.Logger).With("component", "config.simple")

	src := newSource(cfg, env, logger)
	plan, err := cfg.Plan(ctx, src, env.now(), env.workDir())
	if err != nil {
		return artifacts.SetResult{}, err
	}
	logger.Info("install planned",
		"guest", plan.Target.Guest,
		"mode", cfg.Images.Mode,
		"artifacts", plan.Kinds(),
		"disk", cfg.Disk.Describe())

	opts := transfer.Options{
		FetchPolicy:     cfg.Retry.Fetch,
		TransportPolicy: cfg.Retry.Transport,
		Concurrency:     cfg.Concurrency,
	}
	if env.Out != nil {
		opts.Observer = report.Progress(env.Out)
	}
	orchestrator := transfer.New(
		src,
		&verify.Verifier{Logger: logger.With("component", "verify")},
		transfer.ZvmTransport{Transport: &zvm.Transport{Dialer: env.Dialer, Logger: logger.With("component", "zvm")}},
		logger.With("component", "transfer"),
		opts,
	)

	set, err := orchestrator.Run(ctx, plan)
	if err != nil {
		return set, err
	}

	if !cfg.Reports.Disabled {
		reports := &local.LocalReportRepository{BaseDir: cfg.Reports.Dir}
		if err := reports.Save(set); err != nil {
			logger.Warn("could not save run report", "error", err, "dir", cfg.Reports.Dir)
		}
	}
	if env.Out != nil {
		if err := report.Render(env.Out, set, plan.Target.Guest); err != nil {
			logger.Warn("could not render run report", "error", err)
		}
	}
	return set, nil
}

// GenerateCmdline returns the parameter file an install with cfg would punch.
func GenerateCmdline(ctx context.Context, cfg Config, env Environment) (string, error) {
	logger := logging.Ensure(env.Logger).With("component", "config.simple")
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	specs, err := cfg.Specs(env.now(), env.workDir())
	if err != nil {
		return "", err
	}
	src := newSource(cfg, env, logger)
	var params cmdline.Params
	_, err = retry.Do(ctx, cfg.Retry.Fetch, artifacts.IsRetryable, func(int) error {
		var argsErr error
		params, argsErr = cfg.KernelArgs(ctx, src, specs)
		return argsErr
	}, func(attempt int, err error, wait time.Duration) {
		logger.Warn("resolving kernel arguments failed, retrying", "attempt", attempt, "error", err, "wait", wait.Round(time.Millisecond))
	})
	if err != nil {
		return "", err
	}
	return params.Render()
}

// LastReport returns the most recent run recorded in dir.
func LastReport(dir string) (artifacts.SetResult, error) {
	reports := &local.LocalReportRepository{BaseDir: dir}
	latest, err := reports.Latest()
	if err != nil {
		return artifacts.SetResult{}, fmt.Errorf("read reports: %w", err)
	}
	if latest == nil {
		return artifacts.SetResult{}, fmt.Errorf("no runs recorded in %s", dir)
	}
	return *latest, nil
}
