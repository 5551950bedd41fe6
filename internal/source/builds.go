package source

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/cochaviz/zvmhelper/arch"
	"github.com/cochaviz/zvmhelper/internal/artifacts"
)

// Variant is a CoreOS flavour published by a development builder.
type Variant string

const (
	FCOS  Variant = "fcos"
	RHCOS Variant = "rhcos"
)

// ParseVariant accepts the short and long spellings of a variant.
func ParseVariant(value string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "fcos", "fedora", "fedora-coreos":
		return FCOS, nil
	case "rhcos", "redhat", "rhel-coreos":
		return RHCOS, nil
	default:
		return "", &artifacts.ConfigError{Reason: artifacts.InvalidParameter, Field: "images.build.variant", Message: fmt.Sprintf("unknown variant %q", value)}
	}
}

// Build identifies one development build whose live artifacts follow the builder naming
// convention.
type Build struct {
	URL     string            `yaml:"url" toml:"url" json:"url,omitempty"`
	Variant Variant           `yaml:"variant" toml:"variant" json:"variant"`
	Version string            `yaml:"version" toml:"version" json:"version"`
	Date    string            `yaml:"date" toml:"date" json:"date,omitempty"`
	Time    string            `yaml:"time" toml:"time" json:"time,omitempty"`
	ID      int               `yaml:"id" toml:"id" json:"id"`
	Arch    arch.Architecture `yaml:"arch" toml:"arch" json:"arch,omitempty"`
}

// Name returns the builder file name of kind, e.g.
// fedora-coreos-37.20230314.dev.0-live-kernel-s390x or rhcos-413.92.202303141019-0-live-rootfs.s390x.img.
// An empty Date is taken from now.
func (b Build) Name(kind artifacts.Kind, now time.Time) (string, error) {
	a := b.Arch
	if a == "" {
		a = arch.Default
	}
	image := kind.ImageName(a)
	if image == "" {
		return "", &artifacts.ConfigError{Reason: artifacts.InvalidParameter, Field: "kind", Message: fmt.Sprintf("%s is not published by builders", kind)}
	}
	if b.Version == "" {
		return "", &artifacts.ConfigError{Reason: artifacts.InvalidParameter, Field: "images.build.version", Message: "a version is required"}
	}
	date := b.Date
	if date == "" {
		date = now.Format("20060102")
	}

	switch b.Variant {
	case FCOS, "":
		return fmt.Sprintf("fedora-coreos-%s.%s.dev.%d-live-%s", b.Version, date, b.ID, image), nil
	case RHCOS:
		if b.Time == "" {
			return "", &artifacts.ConfigError{Reason: artifacts.InvalidParameter, Field: "images.build.time", Message: "RHCOS artifacts require a build time"}
		}
		return fmt.Sprintf("rhcos-%s.%s%s-0-live-%s", b.Version, date, b.Time, image), nil
	default:
		return "", &artifacts.ConfigError{Reason: artifacts.InvalidParameter, Field: "images.build.variant", Message: fmt.Sprintf("unknown variant %q", b.Variant)}
	}
}

// Locations returns where each fetched kind of the build lives. Without a builder URL the
// artifacts are expected in dir.
func (b Build) Locations(now time.Time, dir string) (map[artifacts.Kind]artifacts.Location, error) {
	out := make(map[artifacts.Kind]artifacts.Location, 3)
	for _, kind := range artifacts.FetchedKinds() {
		name, err := b.Name(kind, now)
		if err != nil {
			return nil, err
		}
		loc, err := b.join(name, dir)
		if err != nil {
			return nil, err
		}
		out[kind] = artifacts.URI(loc)
	}
	return out, nil
}

func (b Build) join(name, dir string) (string, error) {
	if b.URL == "" {
		return filepath.Join(dir, name), nil
	}
	if path, ok := artifacts.LocalPath(b.URL); ok {
		return filepath.Join(path, name), nil
	}
	base, err := url.Parse(b.URL)
	if err != nil || base.Host == "" {
		return "", &artifacts.ConfigError{Reason: artifacts.InvalidParameter, Field: "images.build.url", Message: fmt.Sprintf("invalid builder URL %q", b.URL)}
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	return base.JoinPath(name).String(), nil
}
