package setup

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/cochaviz/zvmhelper/internal/repositories/local"
)

var ConfigDir = "/etc/zvmhelper"
var StorageDir = "/var/cache/zvmhelper"

// DefaultConfigFile is read when no --config flag is given. Its absence is not an error.
func DefaultConfigFile() string {
	return filepath.Join(ConfigDir, "config.yaml")
}

// CacheDir holds downloaded artifacts.
func CacheDir() string {
	return filepath.Join(StorageDir, "artifacts")
}

// ReportDir holds persisted run results.
func ReportDir() string {
	return filepath.Join(StorageDir, "reports")
}

// HostTools are the s390-tools and zVM commands a session runs on the host driving the punch.
var HostTools = []string{"modprobe", "cio_ignore", "chccwdev", "vmcp", "vmur", "dd"}

// lookPath is replaced in tests.
var lookPath = exec.LookPath

// Verify checks that the local host carries every command a session needs and that the storage
// directories are writable. Set tools to false when uploads go through an SSH helper guest.
func Verify(tools bool, dirs ...string) error {
	var errs []error
	if tools {
		for _, tool := range HostTools {
			if _, err := lookPath(tool); err != nil {
				errs = append(errs, fmt.Errorf("command %s not found: %w", tool, err))
			}
		}
	}
	if len(dirs) == 0 {
		dirs = []string{CacheDir(), ReportDir()}
	}
	for _, dir := range dirs {
		if err := writable(dir); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	getLogger().Info("environment verified", "tools", tools, "dirs", dirs)
	return nil
}

func writable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".write-check-*")
	if err != nil {
		return fmt.Errorf("directory %s is not writable: %w", dir, err)
	}
	name := f.Name()
	return errors.Join(f.Close(), os.Remove(name))
}

// ClearCache removes every downloaded artifact from dir, or from CacheDir when dir is empty.
func ClearCache(dir string) error {
	if dir == "" {
		dir = CacheDir()
	}
	getLogger().Info("clearing artifact cache", "dir", dir)

	cache := &local.LocalArtifactCache{BaseDir: dir}
	if err := cache.Clear(); err != nil {
		return fmt.Errorf("failed to clear %s: %w", dir, err)
	}
	return nil
}
