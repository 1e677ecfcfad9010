package cli

import (
	"fmt"
	"os"

	"github.com/ddritzenhoff/diode/eventlog"
	"github.com/ddritzenhoff/diode/internal/utils"
	"github.com/ddritzenhoff/diode/logging"
)

// Setup applies the log level and opens the event log, if one is configured.
// The returned tracer is nil without an event log. Its Close must be called before exiting.
func (l *Link) Setup() (*logging.Tracer, error) {
	level, err := utils.ParseLogLevel(l.LogLevel)
	if err != nil {
		return nil, err
	}
	utils.DefaultLogger.SetLogLevel(level)
	if l.EventLog == "" {
		return nil, nil
	}
	f, err := os.Create(l.EventLog)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	return eventlog.NewTracer(f), nil
}
