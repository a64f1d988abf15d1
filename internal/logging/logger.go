package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel maps a level name to a LogLevel, defaulting to INFO.
func ParseLevel(name string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

var (
	outputMu sync.RWMutex
	handler  slog.Handler
	level    = new(slog.LevelVar)
)

func init() {
	Configure(os.Stderr, os.Getenv("LOG_FORMAT"), ParseLevel(os.Getenv("LOG_LEVEL")))
}

// Configure replaces the shared handler used by every component logger.
// format "json" selects the JSON handler; anything else writes text.
func Configure(w io.Writer, format string, lvl LogLevel) {
	level.Set(lvl.slogLevel())
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}

	outputMu.Lock()
	handler = h
	outputMu.Unlock()
}

func currentHandler() slog.Handler {
	outputMu.RLock()
	defer outputMu.RUnlock()
	return handler
}

type Logger struct {
	component string
	minLevel  LogLevel
}

func NewLogger(component string) *Logger {
	return &Logger{
		component: component,
		minLevel:  DEBUG,
	}
}

// SetLevel raises the floor for this component only; the shared level
// configured through Configure still applies.
func (l *Logger) SetLevel(lvl LogLevel) {
	l.minLevel = lvl
}

func (l *Logger) log(lvl LogLevel, message string, fields map[string]interface{}) {
	if lvl < l.minLevel {
		return
	}

	attrs := make([]any, 0, 2+2*len(fields))
	attrs = append(attrs, "component", l.component)
	for k, v := range fields {
		if err, ok := v.(error); ok && err != nil {
			v = err.Error()
		}
		attrs = append(attrs, k, v)
	}

	slog.New(currentHandler()).Log(context.Background(), lvl.slogLevel(), message, attrs...)
}

func firstFields(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

func (l *Logger) Debug(message string, fields ...map[string]interface{}) {
	l.log(DEBUG, message, firstFields(fields))
}

func (l *Logger) Info(message string, fields ...map[string]interface{}) {
	l.log(INFO, message, firstFields(fields))
}

func (l *Logger) Warn(message string, fields ...map[string]interface{}) {
	l.log(WARN, message, firstFields(fields))
}

func (l *Logger) Error(message string, fields ...map[string]interface{}) {
	l.log(ERROR, message, firstFields(fields))
}

func (l *Logger) WithFields(fields map[string]interface{}) *LogContext {
	return &LogContext{
		logger: l,
		fields: fields,
	}
}

type LogContext struct {
	logger *Logger
	fields map[string]interface{}
}

func (lc *LogContext) Debug(message string) {
	lc.logger.log(DEBUG, message, lc.fields)
}

func (lc *LogContext) Info(message string) {
	lc.logger.log(INFO, message, lc.fields)
}

func (lc *LogContext) Warn(message string) {
	lc.logger.log(WARN, message, lc.fields)
}

func (lc *LogContext) Error(message string) {
	lc.logger.log(ERROR, message, lc.fields)
}

// Convenience functions for common patterns
func (l *Logger) LogSnapshot(docID string, sequence uint64, baseline bool, payloadSize int) {
	l.Info("Version recorded", map[string]interface{}{
		"doc_id":       docID,
		"sequence":     sequence,
		"baseline":     baseline,
		"payload_size": payloadSize,
	})
}

func (l *Logger) LogRestore(docID string, from, recordedAs uint64) {
	l.Info("Version restored", map[string]interface{}{
		"doc_id":      docID,
		"restored":    from,
		"recorded_as": recordedAs,
	})
}

func (l *Logger) LogPersistFailure(docID, what string, err error) {
	l.Error("Durable write failed", map[string]interface{}{
		"doc_id": docID,
		"record": what,
		"error":  err.Error(),
	})
}

func (l *Logger) LogOrphaned(docID, annotationID string, position int) {
	l.Warn("Annotation orphaned", map[string]interface{}{
		"doc_id":        docID,
		"annotation_id": annotationID,
		"position":      position,
	})
}

func (l *Logger) LogRetry(op string, attempt int, err error) {
	l.Warn("Retrying store read", map[string]interface{}{
		"op":      op,
		"attempt": attempt,
		"error":   err.Error(),
	})
}

func (l *Logger) LogCacheError(docID string, sequence uint64, err error) {
	l.Warn("Materialization cache error", map[string]interface{}{
		"doc_id":   docID,
		"sequence": sequence,
		"error":    err.Error(),
	})
}

func (l *Logger) LogClientConnect(clientID, docID string) {
	l.Info("Client connected", map[string]interface{}{
		"client_id": clientID,
		"doc_id":    docID,
	})
}

func (l *Logger) LogClientDisconnect(clientID string) {
	l.Info("Client disconnected", map[string]interface{}{
		"client_id": clientID,
	})
}

func (l *Logger) LogWebSocketError(clientID string, err error) {
	l.Error("WebSocket error", map[string]interface{}{
		"client_id": clientID,
		"error":     err.Error(),
	})
}
