package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/zvmhelper/arch"
	"github.com/cochaviz/zvmhelper/internal/artifacts"
	"github.com/cochaviz/zvmhelper/internal/repositories/local"
)

const kernelBody = "s390x kernel image"

type builder struct {
	server    *httptest.Server
	metadata  atomic.Int32
	downloads atomic.Int32
	failures  atomic.Int32
}

// newBuilder serves the stream document returned by doc, which receives the server's own URL.
func newBuilder(t *testing.T, doc func(base string) string) *builder {
	t.Helper()
	b := &builder{}
	mux := http.NewServeMux()
	b.server = httptest.NewServer(mux)
	t.Cleanup(b.server.Close)
	body := doc(b.server.URL)
	mux.HandleFunc("/streams/stable.json", func(w http.ResponseWriter, r *http.Request) {
		b.metadata.Add(1)
		fmt.Fprint(w, body)
	})
	mux.HandleFunc("/artifacts/kernel-s390x", func(w http.ResponseWriter, r *http.Request) {
		b.downloads.Add(1)
		if b.failures.Load() > 0 {
			b.failures.Add(-1)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, kernelBody)
	})
	return b
}

func static(doc string) func(string) string {
	return func(string) string { return doc }
}

func s390xStream(base string) string {
	return fmt.Sprintf(`{
  "stream": "stable",
  "architectures": {
    "s390x": {
      "artifacts": {
        "metal": {
          "release": "40.20240416.3.1",
          "formats": {
            "pxe": {
              "kernel": {"location": "%[1]s/artifacts/kernel-s390x", "sha256": "%[2]s"},
              "initramfs": {"location": "%[1]s/artifacts/initramfs.s390x.img"},
              "rootfs": {"location": "%[1]s/artifacts/rootfs.s390x.img"}
            }
          }
        }
      }
    }
  }
}`, base, digest.FromString(kernelBody).Encoded())
}

func newSource(t *testing.T) *HTTPSource {
	t.Helper()
	return NewHTTPSource(&local.LocalArtifactCache{BaseDir: t.TempDir()}, nil, Options{})
}

func readAll(t *testing.T, p artifacts.Payload) string {
	t.Helper()
	rc, err := p.Open()
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestFetchStreamArtifact(t *testing.T) {
	t.Parallel()

	b := newBuilder(t, s390xStream)
	src := newSource(t)
	spec := artifacts.Spec{Kind: artifacts.Kernel, Source: artifacts.StreamEntry(b.server.URL+"/streams", "stable", arch.S390X)}

	payload, err := src.Fetch(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, kernelBody, readAll(t, payload))
	assert.Equal(t, digest.FromString(kernelBody), payload.Digest)
	assert.Equal(t, digest.FromString(kernelBody), payload.Declared)

	entry, err := src.Resolve(context.Background(), artifacts.Spec{Kind: artifacts.Rootfs, Source: spec.Source})
	require.NoError(t, err)
	assert.Equal(t, b.server.URL+"/artifacts/rootfs.s390x.img", entry.Location)
	assert.Equal(t, "40.20240416.3.1", entry.Release)
	assert.Equal(t, int32(1), b.metadata.Load(), "metadata is fetched once per source")
}

func TestFetchMissingArchitectureSkipsDownload(t *testing.T) {
	t.Parallel()

	doc := `{"stream":"stable","architectures":{"x86_64":{"artifacts":{"metal":{"formats":{"pxe":{"kernel":{"location":"http://unused/kernel"}}}}}}}}`
	b := newBuilder(t, static(doc))
	src := newSource(t)

	_, err := src.Fetch(context.Background(), artifacts.Spec{
		Kind:   artifacts.Kernel,
		Source: artifacts.StreamEntry(b.server.URL+"/streams", "stable", arch.S390X),
	})

	var fetchErr *artifacts.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, artifacts.NotFound, fetchErr.Reason)
	assert.Zero(t, b.downloads.Load())
}

func TestFetchInvalidMetadata(t *testing.T) {
	t.Parallel()

	b := newBuilder(t, static("{not json"))
	src := newSource(t)

	_, err := src.Fetch(context.Background(), artifacts.Spec{
		Kind:   artifacts.Kernel,
		Source: artifacts.StreamEntry(b.server.URL+"/streams", "stable", arch.S390X),
	})

	var fetchErr *artifacts.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, artifacts.InvalidMetadata, fetchErr.Reason)
}

func TestFetchURIUsesCache(t *testing.T) {
	t.Parallel()

	b := newBuilder(t, static(""))
	src := newSource(t)
	spec := artifacts.Spec{Kind: artifacts.Kernel, Source: artifacts.URI(b.server.URL + "/artifacts/kernel-s390x")}

	first, err := src.Fetch(context.Background(), spec)
	require.NoError(t, err)
	second, err := src.Fetch(context.Background(), spec)
	require.NoError(t, err)

	assert.Equal(t, int32(1), b.downloads.Load())
	assert.Equal(t, first.Path(), second.Path())
	assert.Empty(t, second.Digest, "cache hits are re-hashed by the verifier")

	require.NoError(t, src.Invalidate(context.Background(), spec))
	_, err = src.Fetch(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, int32(2), b.downloads.Load())
}

func TestFetchServerErrorIsNetworkError(t *testing.T) {
	t.Parallel()

	b := newBuilder(t, static(""))
	b.failures.Store(1)
	src := newSource(t)
	spec := artifacts.Spec{Kind: artifacts.Kernel, Source: artifacts.URI(b.server.URL + "/artifacts/kernel-s390x")}

	_, err := src.Fetch(context.Background(), spec)
	var fetchErr *artifacts.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, artifacts.NetworkError, fetchErr.Reason)
	assert.True(t, artifacts.IsRetryable(err))
	assert.Equal(t, int32(1), b.downloads.Load(), "downloads are not retried by the client")
}

func TestFetchMissingRemoteIsNotFound(t *testing.T) {
	t.Parallel()

	b := newBuilder(t, static(""))
	src := newSource(t)

	_, err := src.Fetch(context.Background(), artifacts.Spec{Kind: artifacts.Initramfs, Source: artifacts.URI(b.server.URL + "/artifacts/nope")})
	var fetchErr *artifacts.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, artifacts.NotFound, fetchErr.Reason)
	assert.False(t, artifacts.IsRetryable(err))
}

// fullCache accepts a few bytes and then fails like a full disk.
type fullCache struct{ artifacts.Cache }

func (fullCache) Lookup(string) (*artifacts.CachedArtifact, error) { return nil, nil }

func (fullCache) Store(_ artifacts.Kind, _ string, r io.Reader) (artifacts.CachedArtifact, error) {
	if _, err := io.CopyN(io.Discard, r, 4); err != nil {
		return artifacts.CachedArtifact{}, err
	}
	return artifacts.CachedArtifact{}, errors.New("write /var/cache/zvmhelper/artifacts/x: no space left on device")
}

func TestFetchCacheWriteFailureIsLocal(t *testing.T) {
	t.Parallel()

	b := newBuilder(t, static(""))
	src := NewHTTPSource(fullCache{}, nil, Options{})

	_, err := src.Fetch(context.Background(), artifacts.Spec{Kind: artifacts.Kernel, Source: artifacts.URI(b.server.URL + "/artifacts/kernel-s390x")})
	var fetchErr *artifacts.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, artifacts.LocalStorage, fetchErr.Reason)
	assert.False(t, artifacts.IsRetryable(err))
	assert.Equal(t, "fetch/local_storage", artifacts.ErrorKind(err))
}

func TestFetchTruncatedBodyIsNetworkError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1024")
		fmt.Fprint(w, "short")
	}))
	t.Cleanup(server.Close)

	for name, src := range map[string]*HTTPSource{"cache": newSource(t), "no cache": NewHTTPSource(nil, nil, Options{})} {
		_, err := src.Fetch(context.Background(), artifacts.Spec{Kind: artifacts.Kernel, Source: artifacts.URI(server.URL + "/kernel")})
		var fetchErr *artifacts.FetchError
		require.ErrorAs(t, err, &fetchErr, name)
		assert.Equal(t, artifacts.NetworkError, fetchErr.Reason, name)
	}
}

func TestFetchUnreachableHostIsNetworkError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	src := newSource(t)
	_, err := src.Fetch(context.Background(), artifacts.Spec{Kind: artifacts.Kernel, Source: artifacts.URI(url + "/kernel")})
	var fetchErr *artifacts.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, artifacts.NetworkError, fetchErr.Reason)
}

func TestFetchLocalFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "rootfs.s390x.img")
	require.NoError(t, os.WriteFile(path, []byte("rootfs"), 0o644))
	src := newSource(t)

	payload, err := src.Fetch(context.Background(), artifacts.Spec{Kind: artifacts.Rootfs, Source: artifacts.URI("file://" + path)})
	require.NoError(t, err)
	assert.Equal(t, path, payload.Path())
	assert.Equal(t, digest.FromString("rootfs"), payload.Digest)
	require.NoError(t, payload.Release())
	assert.FileExists(t, path)

	_, err = src.Fetch(context.Background(), artifacts.Spec{Kind: artifacts.Rootfs, Source: artifacts.URI(filepath.Join(dir, "missing"))})
	var fetchErr *artifacts.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, artifacts.NotFound, fetchErr.Reason)
}

func TestFetchRejectsGenerated(t *testing.T) {
	t.Parallel()

	_, err := newSource(t).Fetch(context.Background(), artifacts.Spec{Kind: artifacts.Cmdline, Source: artifacts.Generated()})
	var cfgErr *artifacts.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestFetchWithoutCacheUsesTransientFile(t *testing.T) {
	t.Parallel()

	b := newBuilder(t, static(""))
	src := NewHTTPSource(nil, nil, Options{})

	payload, err := src.Fetch(context.Background(), artifacts.Spec{Kind: artifacts.Kernel, Source: artifacts.URI(b.server.URL + "/artifacts/kernel-s390x")})
	require.NoError(t, err)
	path := payload.Path()
	assert.FileExists(t, path)
	require.NoError(t, payload.Release())
	assert.NoFileExists(t, path)
}

func TestBuildNames(t *testing.T) {
	t.Parallel()

	now := time.Date(2023, 3, 14, 10, 19, 0, 0, time.UTC)

	fcos := Build{Variant: FCOS, Version: "37"}
	name, err := fcos.Name(artifacts.Kernel, now)
	require.NoError(t, err)
	assert.Equal(t, "fedora-coreos-37.20230314.dev.0-live-kernel-s390x", name)

	rhcos := Build{Variant: RHCOS, Version: "413.92", Date: "20230314", Time: "1019"}
	name, err = rhcos.Name(artifacts.Rootfs, now)
	require.NoError(t, err)
	assert.Equal(t, "rhcos-413.92.202303141019-0-live-rootfs.s390x.img", name)

	_, err = Build{Variant: RHCOS, Version: "413.92"}.Name(artifacts.Kernel, now)
	var cfgErr *artifacts.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestBuildLocations(t *testing.T) {
	t.Parallel()

	now := time.Date(2023, 3, 14, 0, 0, 0, 0, time.UTC)

	remote, err := Build{URL: "http://172.23.236.43", Version: "37", ID: 2}.Locations(now, "/work")
	require.NoError(t, err)
	assert.Equal(t, "http://172.23.236.43/fedora-coreos-37.20230314.dev.2-live-initramfs.s390x.img", remote[artifacts.Initramfs].URI)

	local, err := Build{Version: "37"}.Locations(now, "/work")
	require.NoError(t, err)
	assert.Equal(t, "/work/fedora-coreos-37.20230314.dev.0-live-kernel-s390x", local[artifacts.Kernel].URI)
	assert.Len(t, local, 3)
}

func TestParseVariant(t *testing.T) {
	t.Parallel()

	v, err := ParseVariant("")
	require.NoError(t, err)
	assert.Equal(t, FCOS, v)
	v, err = ParseVariant("RHCOS")
	require.NoError(t, err)
	assert.Equal(t, RHCOS, v)
	_, err = ParseVariant("flatcar")
	assert.Error(t, err)
}
