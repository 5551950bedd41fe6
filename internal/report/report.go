// Package report renders run results for terminals.
package report

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/inhies/go-bytesize"
	"github.com/pterm/pterm"

	"github.com/cochaviz/zvmhelper/internal/artifacts"
)

var header = []string{"ARTIFACT", "STATE", "SIZE", "DESTINATION", "ATTEMPTS", "ERROR"}

// Table converts the per-artifact results of set into table rows, header first.
func Table(set artifacts.SetResult) pterm.TableData {
	data := pterm.TableData{header}
	for _, res := range set.Results {
		size := "-"
		if res.Bytes > 0 {
			size = bytesize.New(float64(res.Bytes)).String()
		}
		data = append(data, []string{
			res.Kind.String(),
			string(res.State),
			size,
			orDash(res.Destination),
			fmt.Sprintf("%d/%d", res.FetchAttempts, res.UploadAttempts),
			orDash(res.ErrorKind),
		})
	}
	return data
}

// Summary is the one line verdict of a run.
func Summary(set artifacts.SetResult) string {
	elapsed := set.FinishedAt.Sub(set.StartedAt).Round(time.Millisecond)
	switch set.State {
	case artifacts.RunSucceeded:
		return fmt.Sprintf("transferred %d artifacts (%s) in %s",
			len(set.Results), bytesize.New(float64(set.Bytes())), elapsed)
	case artifacts.RunPartiallyFailed:
		failed := set.Failed()
		names := make([]string, len(failed))
		for i, k := range failed {
			names[i] = k.String()
		}
		return fmt.Sprintf("%d of %d artifacts failed: %s", len(failed), len(set.Results), strings.Join(names, ", "))
	case artifacts.RunAborted:
		return fmt.Sprintf("run aborted (%s): %s", orDash(set.CauseKind), set.Cause)
	default:
		return "run " + string(set.State)
	}
}

// Render writes the results table, the summary and, on success, the IPL hint for guest.
func Render(w io.Writer, set artifacts.SetResult, guest string) error {
	table, err := pterm.DefaultTable.WithHasHeader().WithBoxed(true).WithData(Table(set)).Srender()
	if err != nil {
		return fmt.Errorf("render results: %w", err)
	}
	if _, err := fmt.Fprintln(w, table); err != nil {
		return err
	}

	var line string
	switch set.State {
	case artifacts.RunSucceeded:
		line = pterm.Success.Sprintln(Summary(set))
	case artifacts.RunPartiallyFailed:
		line = pterm.Warning.Sprintln(Summary(set))
	default:
		line = pterm.Error.Sprintln(Summary(set))
	}
	if _, err := io.WriteString(w, line); err != nil {
		return err
	}

	for _, res := range set.Results {
		for _, warning := range res.Warnings {
			if _, err := io.WriteString(w, pterm.Warning.Sprintln(warning)); err != nil {
				return err
			}
		}
	}

	if set.Succeeded() && guest != "" {
		_, err = io.WriteString(w, pterm.Info.Sprintfln("log on to %s and run '#cp ipl c' to start the installation", guest))
	}
	return err
}

// Progress returns an observer that prints every terminal state change to w.
func Progress(w io.Writer) func(artifacts.Kind, artifacts.State) {
	var mu sync.Mutex
	return func(kind artifacts.Kind, state artifacts.State) {
		var line string
		switch state {
		case artifacts.StateDone:
			line = pterm.Success.Sprintfln("%s transferred", kind)
		case artifacts.StateFailed:
			line = pterm.Error.Sprintfln("%s failed", kind)
		case artifacts.StateCancelled:
			line = pterm.Warning.Sprintfln("%s cancelled", kind)
		case artifacts.StateUploading:
			line = pterm.Info.Sprintfln("%s uploading", kind)
		default:
			return
		}
		mu.Lock()
		defer mu.Unlock()
		_, _ = io.WriteString(w, line)
	}
}

// ExitCode maps a run state to the process exit status.
func ExitCode(state artifacts.RunState) int {
	switch state {
	case artifacts.RunSucceeded:
		return 0
	case artifacts.RunPartiallyFailed:
		return 2
	case artifacts.RunAborted:
		return 3
	default:
		return 1
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
