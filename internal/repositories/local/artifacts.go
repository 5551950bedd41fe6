package local

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/cochaviz/zvmhelper/internal/artifacts"
)

// LocalArtifactCache keeps downloaded artifacts and a JSON metadata document per location
// under BaseDir.
type LocalArtifactCache struct {
	BaseDir string
}

var _ artifacts.Cache = (*LocalArtifactCache)(nil)

// Lookup returns the cached artifact for location. A missing entry, or one whose data file
// no longer matches the recorded size, yields nil.
func (cache *LocalArtifactCache) Lookup(location string) (*artifacts.CachedArtifact, error) {
	if cache.BaseDir == "" {
		return nil, errors.New("base directory is not configured")
	}
	entry, err := cache.readMetadata(location)
	if err != nil || entry == nil {
		return entry, err
	}

	info, err := os.Stat(entry.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if info.Size() != entry.Size {
		return nil, nil
	}
	return entry, nil
}

// Store streams r into the cache, digesting it on the way, and replaces any earlier entry for
// location. A partial download never becomes visible under the location.
func (cache *LocalArtifactCache) Store(kind artifacts.Kind, location string, r io.Reader) (artifacts.CachedArtifact, error) {
	if cache.BaseDir == "" {
		return artifacts.CachedArtifact{}, errors.New("base directory is not configured")
	}
	if location == "" {
		return artifacts.CachedArtifact{}, errors.New("artifact location is required")
	}
	if err := os.MkdirAll(cache.BaseDir, 0o755); err != nil {
		return artifacts.CachedArtifact{}, err
	}

	tmp, err := os.CreateTemp(cache.BaseDir, ".part-*")
	if err != nil {
		return artifacts.CachedArtifact{}, err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	digester := digest.Canonical.Digester()
	size, err := io.Copy(tmp, io.TeeReader(r, digester.Hash()))
	if err != nil {
		tmp.Close()
		return artifacts.CachedArtifact{}, err
	}
	if err := tmp.Close(); err != nil {
		return artifacts.CachedArtifact{}, err
	}

	if err := cache.Remove(location); err != nil {
		return artifacts.CachedArtifact{}, err
	}

	id := uuid.NewString()
	destPath := filepath.Join(cache.BaseDir, id+filepath.Ext(artifacts.BaseName(location)))
	if err := os.Rename(tmpPath, destPath); err != nil {
		return artifacts.CachedArtifact{}, err
	}

	entry := artifacts.CachedArtifact{
		ID:       id,
		Kind:     kind,
		Location: location,
		Path:     destPath,
		Size:     size,
		Digest:   digester.Digest(),
		StoredAt: time.Now().UTC(),
	}
	if err := cache.writeMetadata(entry); err != nil {
		os.Remove(destPath)
		return artifacts.CachedArtifact{}, err
	}
	return entry, nil
}

// Remove deletes the cached data and metadata for location.
func (cache *LocalArtifactCache) Remove(location string) error {
	entry, err := cache.readMetadata(location)
	if err != nil {
		return err
	}
	if entry != nil {
		if err := os.Remove(entry.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if err := os.Remove(cache.metadataPath(location)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Clear removes everything under the cache's base directory.
func (cache *LocalArtifactCache) Clear() error {
	entries, err := os.ReadDir(cache.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(cache.BaseDir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (cache *LocalArtifactCache) readMetadata(location string) (*artifacts.CachedArtifact, error) {
	data, err := os.ReadFile(cache.metadataPath(location))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var entry artifacts.CachedArtifact
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode cache metadata for %s: %w", location, err)
	}
	if entry.Location != location {
		return nil, nil
	}
	return &entry, nil
}

func (cache *LocalArtifactCache) writeMetadata(entry artifacts.CachedArtifact) error {
	payload, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(cache.metadataPath(entry.Location), payload, 0o644)
}

// metadataPath derives a stable file name from the location.
func (cache *LocalArtifactCache) metadataPath(location string) string {
	return filepath.Join(cache.BaseDir, digest.FromString(location).Encoded()[:32]+".json")
}
