package telemetry

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// jsonLogWriter turns "LEVEL message" lines from a log.Logger into one JSON
// object per line.
type jsonLogWriter struct {
	mu      sync.Mutex
	service string
	out     io.Writer
	now     func() time.Time
}

type logEntry struct {
	TS      string `json:"ts"`
	Level   string `json:"level"`
	Service string `json:"service"`
	Msg     string `json:"msg"`
	TraceID string `json:"trace_id,omitempty"`
}

func newJSONLogWriter(service string, out io.Writer) *jsonLogWriter {
	if out == nil {
		out = os.Stdout
	}
	return &jsonLogWriter{service: service, out: out, now: time.Now}
}

func (w *jsonLogWriter) Write(p []byte) (int, error) {
	level, message := parseLevel(string(p))
	if err := w.Log(level, message, ""); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *jsonLogWriter) Log(level, message, traceID string) error {
	data, err := json.Marshal(logEntry{
		TS:      w.now().UTC().Format(time.RFC3339Nano),
		Level:   level,
		Service: w.service,
		Msg:     message,
		TraceID: traceID,
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.out.Write(append(data, '\n'))
	return err
}

// parseLevel accepts "[LEVEL] msg", "LEVEL: msg" and "LEVEL msg". Anything
// else is INFO. WARNING is folded into WARN.
func parseLevel(message string) (string, string) {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return "INFO", ""
	}

	if strings.HasPrefix(trimmed, "[") {
		if idx := strings.Index(trimmed, "]"); idx > 1 {
			if level, ok := normalizeLevel(trimmed[1:idx]); ok {
				return level, strings.TrimSpace(trimmed[idx+1:])
			}
		}
	}

	if idx := strings.Index(trimmed, ":"); idx > 0 {
		if level, ok := normalizeLevel(trimmed[:idx]); ok {
			return level, strings.TrimSpace(trimmed[idx+1:])
		}
	}

	if first, rest, ok := strings.Cut(trimmed, " "); ok {
		if level, ok := normalizeLevel(first); ok {
			return level, strings.TrimSpace(rest)
		}
	}

	return "INFO", trimmed
}

func normalizeLevel(s string) (string, bool) {
	switch level := strings.ToUpper(strings.TrimSpace(s)); level {
	case "INFO", "ERROR", "WARN", "DEBUG":
		return level, true
	case "WARNING":
		return "WARN", true
	default:
		return "", false
	}
}
