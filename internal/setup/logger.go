package setup

import (
	"log/slog"
	"sync/atomic"
)

var packageLogger atomic.Pointer[slog.Logger]

// SetLogger routes the messages of this package to logger, tagged as the setup component. Nil
// restores the process default.
func SetLogger(logger *slog.Logger) {
	if logger == nil {
		packageLogger.Store(nil)
		return
	}
	packageLogger.Store(logger.With("component", "setup"))
}

func getLogger() *slog.Logger {
	if logger := packageLogger.Load(); logger != nil {
		return logger
	}
	return slog.Default().With("component", "setup")
}
