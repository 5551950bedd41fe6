// Package source retrieves boot artifacts from builder endpoints, HTTP(S) hosts and the local
// filesystem.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/opencontainers/go-digest"

	"github.com/cochaviz/zvmhelper/internal/artifacts"
	"github.com/cochaviz/zvmhelper/internal/logging"
)

const maxMetadataSize = 16 << 20

// Options tune the HTTP clients of a source.
type Options struct {
	// MetadataRetries bounds client-level retries for stream metadata. Artifact downloads are
	// never retried by the client; the caller's retry policy owns them.
	MetadataRetries int
	// Timeout bounds a single request, including reading the body. Zero means no limit.
	Timeout time.Duration
	// HTTPClient replaces the underlying transport client.
	HTTPClient *http.Client
}

// HTTPSource fetches artifacts into a local cache.
type HTTPSource struct {
	Cache  artifacts.Cache
	Logger *slog.Logger

	metadataClient *retryablehttp.Client
	downloadClient *retryablehttp.Client

	mu      sync.Mutex
	streams map[string]*streamDocument
}

// NewHTTPSource returns a source storing downloads in cache.
func NewHTTPSource(cache artifacts.Cache, logger *slog.Logger, opts Options) *HTTPSource {
	s := &HTTPSource{Cache: cache, Logger: logger}
	s.metadataClient = s.newClient(opts, opts.MetadataRetries)
	s.downloadClient = s.newClient(opts, 0)
	return s
}

func (s *HTTPSource) newClient(opts Options, retries int) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	if opts.HTTPClient != nil {
		client.HTTPClient = opts.HTTPClient
	}
	if opts.Timeout > 0 {
		client.HTTPClient.Timeout = opts.Timeout
	}
	client.RetryMax = retries
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = newLeveledLogger(s.Logger)
	return client
}

func (s *HTTPSource) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Fetch retrieves the artifact described by spec. Remote artifacts are served from the cache
// when a complete copy of the same location exists.
func (s *HTTPSource) Fetch(ctx context.Context, spec artifacts.Spec) (artifacts.Payload, error) {
	if !spec.Kind.Fetched() || spec.Source.Scheme == artifacts.SchemeGenerated {
		return artifacts.Payload{}, &artifacts.ConfigError{Reason: artifacts.InvalidParameter, Field: spec.Kind.String(), Message: "generated artifacts are not fetched"}
	}

	entry, err := s.Resolve(ctx, spec)
	if err != nil {
		return artifacts.Payload{}, err
	}

	log := s.logger().With("kind", spec.Kind, "location", entry.Location)
	if path, ok := artifacts.LocalPath(entry.Location); ok {
		payload, err := s.openLocal(ctx, spec.Kind, entry.Location, path)
		if err != nil {
			return artifacts.Payload{}, err
		}
		log.Info("using local artifact", logging.Size("size", payload.Size))
		return payload.WithDeclared(entry.Digest), nil
	}

	if cached, err := s.lookup(entry.Location); err != nil {
		log.Warn("cache lookup failed", "error", err)
	} else if cached != nil {
		log.Info("using cached artifact", "path", cached.Path, logging.Size("size", cached.Size))
		// the digest is recomputed during verification for cache hits
		return artifacts.NewFilePayload(spec.Kind, entry.Location, cached.Path, cached.Size, "", false).WithDeclared(entry.Digest), nil
	}

	started := time.Now()
	log.Info("downloading artifact")
	payload, err := s.download(ctx, spec.Kind, entry.Location)
	if err != nil {
		return artifacts.Payload{}, err
	}
	log.Info("downloaded artifact",
		logging.Size("size", payload.Size),
		"duration", time.Since(started).Round(time.Millisecond))
	return payload.WithDeclared(entry.Digest), nil
}

// Invalidate drops any cached copy of spec so the next Fetch downloads it again.
func (s *HTTPSource) Invalidate(ctx context.Context, spec artifacts.Spec) error {
	if s.Cache == nil {
		return nil
	}
	entry, err := s.Resolve(ctx, spec)
	if err != nil {
		return err
	}
	if _, local := artifacts.LocalPath(entry.Location); local {
		return nil
	}
	return s.Cache.Remove(entry.Location)
}

func (s *HTTPSource) lookup(location string) (*artifacts.CachedArtifact, error) {
	if s.Cache == nil {
		return nil, nil
	}
	return s.Cache.Lookup(location)
}

func (s *HTTPSource) download(ctx context.Context, kind artifacts.Kind, location string) (artifacts.Payload, error) {
	resp, err := s.get(ctx, s.downloadClient, location)
	if err != nil {
		return artifacts.Payload{}, err
	}
	defer resp.Body.Close()

	body := &bodyReader{r: resp.Body}
	if s.Cache == nil {
		return s.downloadTemp(ctx, kind, location, body)
	}
	entry, err := s.Cache.Store(kind, location, body)
	if err != nil {
		return artifacts.Payload{}, s.copyError(ctx, location, body, err)
	}
	return artifacts.NewFilePayload(kind, location, entry.Path, entry.Size, entry.Digest, false), nil
}

// downloadTemp is used without a cache; the file lives only as long as the payload.
func (s *HTTPSource) downloadTemp(ctx context.Context, kind artifacts.Kind, location string, body *bodyReader) (artifacts.Payload, error) {
	tmp, err := os.CreateTemp("", "zvmhelper-"+kind.String()+"-*")
	if err != nil {
		return artifacts.Payload{}, &artifacts.FetchError{Reason: artifacts.LocalStorage, Location: location, Err: err}
	}
	digester := digest.Canonical.Digester()
	size, err := io.Copy(tmp, io.TeeReader(body, digester.Hash()))
	closeErr := tmp.Close()
	if err = errors.Join(err, closeErr); err != nil {
		os.Remove(tmp.Name())
		return artifacts.Payload{}, s.copyError(ctx, location, body, err)
	}
	return artifacts.NewFilePayload(kind, location, tmp.Name(), size, digester.Digest(), true), nil
}

// copyError blames the remote host only when reading the response body failed.
func (s *HTTPSource) copyError(ctx context.Context, location string, body *bodyReader, err error) error {
	if body.err != nil {
		return s.transferError(ctx, location, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("fetch %s: %w", location, ctxErr)
	}
	return &artifacts.FetchError{Reason: artifacts.LocalStorage, Location: location, Err: err}
}

// bodyReader remembers the first read error of a response body.
type bodyReader struct {
	r   io.Reader
	err error
}

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && err != io.EOF && b.err == nil {
		b.err = err
	}
	return n, err
}

func (s *HTTPSource) openLocal(ctx context.Context, kind artifacts.Kind, location, path string) (artifacts.Payload, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return artifacts.Payload{}, &artifacts.FetchError{Reason: artifacts.NotFound, Location: location, Err: err}
		}
		return artifacts.Payload{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return artifacts.Payload{}, err
	}
	if info.IsDir() {
		return artifacts.Payload{}, &artifacts.FetchError{Reason: artifacts.NotFound, Location: location, Err: fmt.Errorf("%s is a directory", path)}
	}

	digester := digest.Canonical.Digester()
	if _, err := io.Copy(digester.Hash(), &ctxReader{ctx: ctx, r: file}); err != nil {
		return artifacts.Payload{}, fmt.Errorf("hash %s: %w", path, err)
	}
	return artifacts.NewFilePayload(kind, location, path, info.Size(), digester.Digest(), false), nil
}

// get issues a GET and maps the outcome onto the fetch error taxonomy. The caller closes the
// body of a successful response.
func (s *HTTPSource) get(ctx context.Context, client *retryablehttp.Client, location string) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, &artifacts.ConfigError{Reason: artifacts.InvalidParameter, Field: "location", Message: err.Error()}
	}

	resp, err := client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, s.transferError(ctx, location, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		resp.Body.Close()
		return nil, &artifacts.FetchError{Reason: artifacts.NetworkError, Location: location, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	default:
		resp.Body.Close()
		return nil, &artifacts.FetchError{Reason: artifacts.NotFound, Location: location, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
}

// transferError classifies a failure while talking to or reading from a remote host.
func (s *HTTPSource) transferError(ctx context.Context, location string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("fetch %s: %w", location, ctxErr)
	}
	return &artifacts.FetchError{Reason: artifacts.NetworkError, Location: location, Err: err}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
