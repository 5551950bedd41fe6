package zvm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cochaviz/zvmhelper/internal/artifacts"
)

// Markers are matched against the diagnostics of the failed tool only. The command line itself
// carries guest ids and dd flags ("iflag=fullblock") that would otherwise match.
var (
	busyMarkers = []string{"is busy", "device or resource busy", "could not lock", "resource temporarily unavailable", "is in use"}
	authMarkers = []string{"not authorized", "not authorised", "permission denied", "operation not permitted", "privilege class"}
)

// classify maps a failed transfer command onto the transport error taxonomy.
func classify(ctx context.Context, dest Destination, out Output, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("transfer to %s: %w", dest, ctxErr)
	}
	return &artifacts.TransportError{Reason: reasonOf(out, err), Destination: dest.String(), Err: err}
}

func reasonOf(out Output, err error) artifacts.TransportReason {
	stderr := out.Stderr
	var cmdErr *CommandError
	if stderr == "" && errors.As(err, &cmdErr) {
		stderr = cmdErr.Stderr
	}
	stderr = strings.ToLower(stderr)
	switch {
	case containsAny(stderr, authMarkers):
		return artifacts.AuthFailure
	case containsAny(stderr, busyMarkers):
		return artifacts.DeviceBusy
	default:
		return artifacts.IOError
	}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
