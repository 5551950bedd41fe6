package simple

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/cochaviz/zvmhelper/arch"
	"github.com/cochaviz/zvmhelper/internal/artifacts"
	"github.com/cochaviz/zvmhelper/internal/cmdline"
	"github.com/cochaviz/zvmhelper/internal/retry"
	"github.com/cochaviz/zvmhelper/internal/setup"
	"github.com/cochaviz/zvmhelper/internal/source"
	"github.com/cochaviz/zvmhelper/internal/zvm"
)

// Mode selects where the boot artifacts come from.
type Mode string

const (
	// ModeStream resolves artifacts through CoreOS stream metadata.
	ModeStream Mode = "stream"
	// ModeBuild derives artifact names from a development build.
	ModeBuild Mode = "build"
	// ModeLive takes artifact locations from the user.
	ModeLive Mode = "live"
)

var DefaultStreamEndpoint = "https://builds.coreos.fedoraproject.org/streams"
var DefaultStream = "stable"

// Config is the on-disk configuration of zvmhelper.
type Config struct {
	Zvm         zvm.Target      `yaml:"zvm" toml:"zvm"`
	Network     cmdline.Network `yaml:"network" toml:"network"`
	Disk        cmdline.Disk    `yaml:"disk" toml:"disk"`
	Install     InstallSettings `yaml:"install" toml:"install"`
	Images      Images          `yaml:"images" toml:"images"`
	Cmdline     cmdline.Params  `yaml:"cmdline" toml:"cmdline"`
	Retry       Retry           `yaml:"retry" toml:"retry"`
	Cache       Cache           `yaml:"cache" toml:"cache"`
	Concurrency int             `yaml:"concurrency" toml:"concurrency"`
	Reports     Reports         `yaml:"reports" toml:"reports"`
}

type InstallSettings struct {
	IgnitionURL string `yaml:"ignition_url" toml:"ignition_url"`
	// RootfsURL is announced to the live system instead of the rootfs location of the run.
	RootfsURL string `yaml:"rootfs_url" toml:"rootfs_url"`
	Dfltcc    string `yaml:"dfltcc" toml:"dfltcc"`
	// ExtraArgs is appended verbatim to the generated kernel arguments.
	ExtraArgs string `yaml:"extra_args" toml:"extra_args"`
}

type Images struct {
	Mode   Mode         `yaml:"mode" toml:"mode"`
	Stream Stream       `yaml:"stream" toml:"stream"`
	Build  source.Build `yaml:"build" toml:"build"`
	// Live lists the user supplied artifacts of live mode.
	Live map[artifacts.Kind]Artifact `yaml:"live" toml:"live"`
	// Artifacts restricts the kinds taken from the builder. Empty means every fetched kind.
	Artifacts []string `yaml:"artifacts" toml:"artifacts"`
	// Overrides replace builder artifacts. A kind may not come from both.
	Overrides map[artifacts.Kind]Artifact `yaml:"overrides" toml:"overrides"`
}

type Stream struct {
	Endpoint string            `yaml:"endpoint" toml:"endpoint"`
	Name     string            `yaml:"name" toml:"name"`
	Arch     arch.Architecture `yaml:"arch" toml:"arch"`
}

// Artifact is a user supplied location with an optional digest, either "<algorithm>:<hex>" or
// bare sha256 hex.
type Artifact struct {
	URI    string `yaml:"uri" toml:"uri"`
	Digest string `yaml:"digest" toml:"digest"`
}

type Retry struct {
	Fetch     retry.Policy `yaml:"fetch" toml:"fetch"`
	Transport retry.Policy `yaml:"transport" toml:"transport"`
	// MetadataRetries bounds client retries of stream metadata requests.
	MetadataRetries int           `yaml:"metadata_retries" toml:"metadata_retries"`
	RequestTimeout  time.Duration `yaml:"request_timeout" toml:"request_timeout"`
}

type Cache struct {
	Dir      string `yaml:"dir" toml:"dir"`
	Disabled bool   `yaml:"disabled" toml:"disabled"`
}

type Reports struct {
	Dir      string `yaml:"dir" toml:"dir"`
	Disabled bool   `yaml:"disabled" toml:"disabled"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{}.WithDefaults()
}

// WithDefaults fills every unset field that has a default.
func (c Config) WithDefaults() Config {
	if c.Images.Mode == "" {
		c.Images.Mode = ModeStream
	}
	if c.Images.Stream.Endpoint == "" {
		c.Images.Stream.Endpoint = DefaultStreamEndpoint
	}
	if c.Images.Stream.Name == "" {
		c.Images.Stream.Name = DefaultStream
	}
	c.Images.Stream.Arch = canonicalArch(c.Images.Stream.Arch)
	if c.Images.Build.Arch != "" {
		c.Images.Build.Arch = canonicalArch(c.Images.Build.Arch)
	}
	if c.Zvm.Transport == "" {
		c.Zvm.Transport = zvm.Local
	}
	c.Retry.Fetch = c.Retry.Fetch.WithDefaults(retry.DefaultFetchPolicy())
	c.Retry.Transport = c.Retry.Transport.WithDefaults(retry.DefaultTransportPolicy())
	if c.Retry.MetadataRetries == 0 {
		c.Retry.MetadataRetries = 2
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = setup.CacheDir()
	}
	if c.Reports.Dir == "" {
		c.Reports.Dir = setup.ReportDir()
	}
	return c
}

// Load reads the configuration at path. When path is empty the default file is read, and its
// absence yields the defaults. YAML and TOML are told apart by extension; unknown keys are
// rejected in both.
func Load(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = setup.DefaultConfigFile()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a configuration document. ext selects the format (".toml", otherwise YAML).
func Parse(data []byte, ext string) (Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".toml":
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return Config{}, &artifacts.ConfigError{Reason: artifacts.InvalidParameter, Message: err.Error()}
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Config{}, &artifacts.ConfigError{Reason: artifacts.InvalidParameter, Field: undecoded[0].String(), Message: "unknown configuration key"}
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			var cfgErr *artifacts.ConfigError
			if errors.As(err, &cfgErr) {
				return Config{}, err
			}
			return Config{}, &artifacts.ConfigError{Reason: artifacts.InvalidParameter, Message: err.Error()}
		}
	}
	return cfg.WithDefaults(), nil
}

// Validate checks the parts of the configuration that do not depend on the chosen command.
func (c Config) Validate() error {
	switch c.Images.Mode {
	case ModeStream, ModeBuild, ModeLive:
	default:
		return invalid("images.mode", fmt.Sprintf("unknown mode %q (expected stream, build or live)", c.Images.Mode))
	}
	for field, value := range map[string]arch.Architecture{"images.stream.arch": c.Images.Stream.Arch, "images.build.arch": c.Images.Build.Arch} {
		if field == "images.build.arch" && value == "" {
			continue
		}
		a, err := arch.Parse(value.String())
		if err != nil {
			return invalid(field, err.Error())
		}
		if !a.IsZ() {
			return invalid(field, fmt.Sprintf("%s artifacts cannot be IPLed on a zVM guest", a))
		}
	}
	for name, p := range map[string]retry.Policy{"retry.fetch": c.Retry.Fetch, "retry.transport": c.Retry.Transport} {
		if err := p.Validate(); err != nil {
			return invalid(name, err.Error())
		}
	}
	if c.Retry.MetadataRetries < 0 {
		return invalid("retry.metadata_retries", "must not be negative")
	}
	if c.Concurrency < 0 {
		return invalid("concurrency", "must not be negative")
	}
	return c.Cmdline.Validate()
}

// canonicalArch accepts the spellings arch.Parse knows, such as "S390X" or "s390". Unknown
// values are kept for Validate to report.
func canonicalArch(a arch.Architecture) arch.Architecture {
	if parsed, err := arch.Parse(a.String()); err == nil {
		return parsed
	}
	return a
}

func invalid(field, msg string) error {
	return &artifacts.ConfigError{Reason: artifacts.InvalidParameter, Field: field, Message: msg}
}
