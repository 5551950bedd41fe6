package local

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cochaviz/zvmhelper/internal/artifacts"
)

// LocalReportRepository persists run results in JSON files under BaseDir.
type LocalReportRepository struct {
	BaseDir string
}

// Save writes the run result to disk using its ID as the filename.
func (rep *LocalReportRepository) Save(result artifacts.SetResult) error {
	if rep.BaseDir == "" {
		return errors.New("base directory is not configured")
	}
	if result.ID == "" {
		return errors.New("run id is required")
	}

	if err := os.MkdirAll(rep.BaseDir, 0o755); err != nil {
		return err
	}

	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(rep.BaseDir, result.ID+".json")
	return os.WriteFile(path, payload, 0o644)
}

// Latest returns the most recently started run, or nil when none was recorded.
func (rep *LocalReportRepository) Latest() (*artifacts.SetResult, error) {
	entries, err := os.ReadDir(rep.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var latest *artifacts.SetResult
	var latestTime time.Time

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		result, err := rep.load(filepath.Join(rep.BaseDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if result == nil {
			continue
		}

		if latest == nil || result.StartedAt.After(latestTime) {
			latest = result
			latestTime = result.StartedAt
		}
	}

	return latest, nil
}

// Get returns the run with the provided ID.
func (rep *LocalReportRepository) Get(runID string) (*artifacts.SetResult, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	return rep.load(filepath.Join(rep.BaseDir, runID+".json"))
}

func (rep *LocalReportRepository) load(path string) (*artifacts.SetResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var result artifacts.SetResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
