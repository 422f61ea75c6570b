// Package obs is the observability layer of the governance engine: the
// shared JSON-line logger and the Prometheus metrics reported by the
// HTTP surface, the expiry sweeper and the audit trail.
package obs

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the shared structured logger used across the service.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// EventLine renders a named engine event (http, notify, sweeper,
// startup) as one JSON object carrying type and level alongside the
// caller's fields. Components holding their own logger print the line
// themselves; LogEvent writes it to the shared one.
func EventLine(event, level string, fields map[string]any) string {
	entry := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		entry[k] = v
	}
	entry["type"] = event
	entry["level"] = level
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Sprintf(`{"type":%q,"level":"error","msg":"log marshal failed"}`, event)
	}
	return string(data)
}

// LogEvent emits an event line through the shared logger.
func LogEvent(event, level string, fields map[string]any) {
	Logger().Println(EventLine(event, level, fields))
}
