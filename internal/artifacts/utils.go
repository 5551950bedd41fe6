package artifacts

import (
	"net/url"
	"path/filepath"
	"strings"
)

// LocalPath returns the filesystem path for file:// URIs and bare paths.
// The second return value is false for any other scheme.
func LocalPath(uri string) (string, bool) {
	if strings.HasPrefix(uri, "file://") {
		u, err := url.Parse(uri)
		if err != nil || u.Path == "" {
			return "", false
		}
		return filepath.Clean(u.Path), true
	}
	if strings.Contains(uri, "://") || uri == "" {
		return "", false
	}
	return filepath.Clean(uri), true
}

// BaseName returns the last path element of a URL or path.
func BaseName(uri string) string {
	if u, err := url.Parse(uri); err == nil && u.Path != "" {
		uri = u.Path
	}
	return filepath.Base(strings.TrimRight(uri, "/"))
}
