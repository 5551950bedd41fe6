package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"

	"github.com/cochaviz/zvmhelper/internal/artifacts"
)

const (
	// Platform and Format select the PXE artifacts from CoreOS stream metadata; the zVM
	// reader IPL boots the same kernel/initramfs/rootfs triple.
	Platform = "metal"
	Format   = "pxe"
)

// streamDocument is the subset of the CoreOS stream metadata format used here.
type streamDocument struct {
	Stream        string                        `json:"stream"`
	Architectures map[string]streamArchitecture `json:"architectures"`
}

type streamArchitecture struct {
	Artifacts map[string]streamPlatform `json:"artifacts"`
}

type streamPlatform struct {
	Release string                               `json:"release"`
	Formats map[string]map[string]streamArtifact `json:"formats"`
}

type streamArtifact struct {
	Location  string `json:"location"`
	Signature string `json:"signature,omitempty"`
	Sha256    string `json:"sha256,omitempty"`
}

// Entry is a stream metadata entry resolved to a concrete download.
type Entry struct {
	Location string
	Digest   digest.Digest
	Release  string
}

func streamURL(loc artifacts.Location) string {
	return fmt.Sprintf("%s/%s.json", loc.URI, loc.Stream)
}

// Resolve looks up the concrete location of spec in its stream metadata. The metadata
// document is fetched once per source and reused for every kind.
func (s *HTTPSource) Resolve(ctx context.Context, spec artifacts.Spec) (Entry, error) {
	loc := spec.Source
	if loc.Scheme != artifacts.SchemeStream {
		return Entry{Location: loc.URI, Digest: spec.Expected}, nil
	}

	doc, err := s.streamDocument(ctx, loc)
	if err != nil {
		return Entry{}, err
	}
	return lookupEntry(doc, loc, spec.Kind)
}

func lookupEntry(doc *streamDocument, loc artifacts.Location, kind artifacts.Kind) (Entry, error) {
	where := streamURL(loc)
	notFound := func(msg string, args ...any) error {
		return &artifacts.FetchError{Reason: artifacts.NotFound, Location: where, Err: fmt.Errorf(msg, args...)}
	}

	archEntry, ok := doc.Architectures[loc.Arch.String()]
	if !ok {
		return Entry{}, notFound("stream %q has no %s architecture", loc.Stream, loc.Arch)
	}
	platform, ok := archEntry.Artifacts[Platform]
	if !ok {
		return Entry{}, notFound("no %s artifacts for %s", Platform, loc.Arch)
	}
	format, ok := platform.Formats[Format]
	if !ok {
		return Entry{}, notFound("no %s format for %s", Format, loc.Arch)
	}
	artifact, ok := format[kind.String()]
	if !ok {
		return Entry{}, notFound("no %s artifact for %s", kind, loc.Arch)
	}

	if artifact.Location == "" {
		return Entry{}, &artifacts.FetchError{Reason: artifacts.InvalidMetadata, Location: where, Err: fmt.Errorf("%s entry has no location", kind)}
	}
	entry := Entry{Location: artifact.Location, Release: platform.Release}
	if artifact.Sha256 != "" {
		d := digest.NewDigestFromEncoded(digest.SHA256, artifact.Sha256)
		if err := d.Validate(); err != nil {
			return Entry{}, &artifacts.FetchError{Reason: artifacts.InvalidMetadata, Location: where, Err: fmt.Errorf("%s sha256: %w", kind, err)}
		}
		entry.Digest = d
	}
	return entry, nil
}

func (s *HTTPSource) streamDocument(ctx context.Context, loc artifacts.Location) (*streamDocument, error) {
	key := streamURL(loc)

	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := s.streams[key]; ok {
		return doc, nil
	}

	s.logger().Debug("fetching stream metadata", "url", key)
	resp, err := s.get(ctx, s.metadataClient, key)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return nil, s.transferError(ctx, key, err)
	}
	var doc streamDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &artifacts.FetchError{Reason: artifacts.InvalidMetadata, Location: key, Err: err}
	}
	if doc.Architectures == nil {
		return nil, &artifacts.FetchError{Reason: artifacts.InvalidMetadata, Location: key, Err: fmt.Errorf("document has no architectures")}
	}

	if s.streams == nil {
		s.streams = make(map[string]*streamDocument)
	}
	s.streams[key] = &doc
	return &doc, nil
}
