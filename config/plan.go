package simple

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/cochaviz/zvmhelper/internal/artifacts"
	"github.com/cochaviz/zvmhelper/internal/cmdline"
	"github.com/cochaviz/zvmhelper/internal/source"
	"github.com/cochaviz/zvmhelper/internal/transfer"
)

// Resolver looks up the concrete location of a builder artifact.
type Resolver interface {
	Resolve(ctx context.Context, spec artifacts.Spec) (source.Entry, error)
}

// Specs returns the artifact specs of the configured image source followed by the generated
// cmdline. Build names are dated from now and resolved against workdir when the build has no
// URL.
func (c Config) Specs(now time.Time, workdir string) ([]artifacts.Spec, error) {
	locations := make(map[artifacts.Kind]artifacts.Location)
	expected := make(map[artifacts.Kind]digest.Digest)

	builderKinds, err := c.builderKinds()
	if err != nil {
		return nil, err
	}
	streamArch := canonicalArch(c.Images.Stream.Arch)
	switch c.Images.Mode {
	case ModeStream:
		for _, kind := range builderKinds {
			locations[kind] = artifacts.StreamEntry(c.Images.Stream.Endpoint, c.Images.Stream.Name, streamArch)
		}
	case ModeBuild:
		build := c.Images.Build
		if build.Arch == "" {
			build.Arch = streamArch
		}
		build.Arch = canonicalArch(build.Arch)
		all, err := build.Locations(now, workdir)
		if err != nil {
			return nil, err
		}
		for _, kind := range builderKinds {
			locations[kind] = all[kind]
		}
	case ModeLive:
		if len(c.Images.Live) == 0 && len(c.Images.Overrides) == 0 {
			return nil, invalid("images.live", "live mode needs at least one artifact")
		}
		if err := c.addUserArtifacts("images.live", c.Images.Live, locations, expected); err != nil {
			return nil, err
		}
	default:
		return nil, invalid("images.mode", fmt.Sprintf("unknown mode %q", c.Images.Mode))
	}

	if err := c.addUserArtifacts("images.overrides", c.Images.Overrides, locations, expected); err != nil {
		return nil, err
	}

	var specs []artifacts.Spec
	for _, kind := range artifacts.FetchedKinds() {
		loc, ok := locations[kind]
		if !ok {
			continue
		}
		spec := artifacts.Spec{Kind: kind, Source: loc, Expected: expected[kind], Destination: c.Zvm.Destination(kind).String()}
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return append(specs, artifacts.Spec{
		Kind:        artifacts.Cmdline,
		Source:      artifacts.Generated(),
		Destination: c.Zvm.Destination(artifacts.Cmdline).String(),
	}), nil
}

func (c Config) builderKinds() ([]artifacts.Kind, error) {
	if c.Images.Mode == ModeLive {
		return nil, nil
	}
	if len(c.Images.Artifacts) == 0 {
		return artifacts.FetchedKinds(), nil
	}
	kinds := make([]artifacts.Kind, 0, len(c.Images.Artifacts))
	for _, name := range c.Images.Artifacts {
		kind, err := artifacts.ParseKind(name)
		if err != nil {
			return nil, invalid("images.artifacts", err.Error())
		}
		if !kind.Fetched() {
			return nil, invalid("images.artifacts", fmt.Sprintf("%s is not published by builders", kind))
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

func (c Config) addUserArtifacts(field string, user map[artifacts.Kind]Artifact, locations map[artifacts.Kind]artifacts.Location, expected map[artifacts.Kind]digest.Digest) error {
	for name, a := range user {
		kind, err := artifacts.ParseKind(name.String())
		if err != nil {
			return invalid(field, err.Error())
		}
		if !kind.Fetched() {
			return invalid(field+"."+kind.String(), "the cmdline is always generated")
		}
		if existing, ok := locations[kind]; ok {
			return &artifacts.ConfigError{
				Reason:  artifacts.ConflictingSource,
				Field:   field + "." + kind.String(),
				Message: fmt.Sprintf("%s is already supplied by %s", kind, existing),
			}
		}
		if a.URI == "" {
			return invalid(field+"."+kind.String()+".uri", "a location is required")
		}
		d, err := parseDigest(a.Digest)
		if err != nil {
			return invalid(field+"."+kind.String()+".digest", err.Error())
		}
		locations[kind] = artifacts.URI(a.URI)
		expected[kind] = d
	}
	return nil
}

// parseDigest accepts "<algorithm>:<hex>" and bare sha256 hex.
func parseDigest(value string) (digest.Digest, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", nil
	}
	d := digest.Digest(strings.ToLower(value))
	if !strings.Contains(value, ":") {
		d = digest.NewDigestFromEncoded(digest.SHA256, strings.ToLower(value))
	}
	if err := d.Validate(); err != nil {
		return "", err
	}
	return d, nil
}

// KernelArgs composes the install cmdline for specs. The rootfs location announced to the
// live system is resolved through resolver when it comes from stream metadata.
func (c Config) KernelArgs(ctx context.Context, resolver Resolver, specs []artifacts.Spec) (cmdline.Params, error) {
	extra, err := cmdline.Parse(c.Install.ExtraArgs)
	if err != nil {
		return nil, err
	}

	rootfsURL := c.Install.RootfsURL
	if rootfsURL == "" {
		for _, spec := range specs {
			if spec.Kind != artifacts.Rootfs {
				continue
			}
			entry, err := resolver.Resolve(ctx, spec)
			if err != nil {
				return nil, err
			}
			rootfsURL = entry.Location
		}
	}

	return cmdline.KernelArgs(cmdline.InstallOptions{
		Network:     c.Network,
		Disk:        c.Disk,
		IgnitionURL: c.Install.IgnitionURL,
		RootfsURL:   rootfsURL,
		Dfltcc:      c.Install.Dfltcc,
		Extra:       append(extra, c.Cmdline...),
	})
}

// Plan resolves the configuration into the work of one install run. When the rootfs location
// announced to the live system comes from builder metadata, the cmdline is composed during the
// run; the rest of the kernel arguments are still checked here.
func (c Config) Plan(ctx context.Context, resolver Resolver, now time.Time, workdir string) (transfer.Plan, error) {
	if err := c.Validate(); err != nil {
		return transfer.Plan{}, err
	}
	if err := c.Zvm.Validate(); err != nil {
		return transfer.Plan{}, err
	}
	specs, err := c.Specs(now, workdir)
	if err != nil {
		return transfer.Plan{}, err
	}

	plan := transfer.Plan{Target: c.Zvm, Specs: specs}
	if c.rootfsFromMetadata(specs) {
		if _, err := c.KernelArgs(ctx, unresolved{}, specs); err != nil {
			return transfer.Plan{}, err
		}
		plan.Compose = func(ctx context.Context) (cmdline.Params, error) {
			return c.KernelArgs(ctx, resolver, specs)
		}
	} else {
		params, err := c.KernelArgs(ctx, resolver, specs)
		if err != nil {
			return transfer.Plan{}, err
		}
		plan.Cmdline = params
	}
	return plan, plan.Validate()
}

func (c Config) rootfsFromMetadata(specs []artifacts.Spec) bool {
	if c.Install.RootfsURL != "" {
		return false
	}
	for _, spec := range specs {
		if spec.Kind == artifacts.Rootfs && spec.Source.Scheme == artifacts.SchemeStream {
			return true
		}
	}
	return false
}

// unresolved answers every lookup with the stream endpoint so kernel arguments can be checked
// before the metadata is fetched.
type unresolved struct{}

func (unresolved) Resolve(_ context.Context, spec artifacts.Spec) (source.Entry, error) {
	return source.Entry{Location: spec.Source.URI}, nil
}
