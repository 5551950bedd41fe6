package source

import (
	"log/slog"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
)

// leveledSlog lets the retrying HTTP client log through slog. Retry notices are raised to
// info so operators see them without debug logging.
type leveledSlog struct {
	*slog.Logger
}

func newLeveledLogger(logger *slog.Logger) retryablehttp.LeveledLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &leveledSlog{logger.With("component", "http")}
}

const retryKeyword = "retrying"

func (l *leveledSlog) Debug(msg string, keysAndValues ...interface{}) {
	if strings.Contains(msg, retryKeyword) {
		l.Logger.Info(msg, keysAndValues...)
		return
	}
	l.Logger.Debug(msg, keysAndValues...)
}
