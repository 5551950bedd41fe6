package artifacts

import (
	"io"
	"time"

	"github.com/opencontainers/go-digest"
)

// CachedArtifact is a downloaded artifact kept on disk between attempts and runs.
type CachedArtifact struct {
	ID       string        `json:"id"`
	Kind     Kind          `json:"kind"`
	Location string        `json:"location"`
	Path     string        `json:"path"`
	Size     int64         `json:"size"`
	Digest   digest.Digest `json:"digest"`
	StoredAt time.Time     `json:"stored_at"`
}

// Cache stores downloaded artifacts keyed by their concrete location.
type Cache interface {
	// Lookup returns the cached artifact for location, or nil when nothing usable is cached.
	Lookup(location string) (*CachedArtifact, error)
	// Store consumes r into the cache and records the observed digest.
	Store(kind Kind, location string, r io.Reader) (CachedArtifact, error)
	Remove(location string) error
	Clear() error
}
