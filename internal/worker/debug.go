package worker

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var workerDebugEnabled = strings.EqualFold(os.Getenv("FOUNDRYCHAT_WORKER_DEBUG"), "1")

// debugEvent returns a nil event (a no-op) unless worker tracing is on.
func debugEvent() *zerolog.Event {
	if !workerDebugEnabled {
		return nil
	}
	return log.Info().Str("component", "worker")
}
