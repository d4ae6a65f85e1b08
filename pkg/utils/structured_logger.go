package utils

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogFormat selects how entries are rendered
type LogFormat int

const (
	FormatText LogFormat = iota
	FormatJSON
)

const componentField = "component"

// LogEntry is one rendered log line
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Caller    string                 `json:"caller,omitempty"`
}

// sink is the writer and level table shared by a root logger and every
// child derived from it
type sink struct {
	mu         sync.RWMutex
	out        io.Writer
	closer     io.Closer
	format     LogFormat
	withCaller bool
	level      LogLevel
	components map[string]LogLevel
}

func (s *sink) enabled(level LogLevel, component string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if floor, ok := s.components[component]; ok && component != "" {
		return level >= floor
	}
	return level >= s.level
}

func (s *sink) write(entry *LogEntry) {
	line := entry.render(s.format)
	s.mu.Lock()
	_, _ = io.WriteString(s.out, line)
	s.mu.Unlock()
}

// StructuredLogger writes leveled entries carrying key/value fields.
// Children made with WithField, WithFields or WithComponent share the
// parent's output and levels.
type StructuredLogger struct {
	sink      *sink
	fields    map[string]interface{}
	component string
}

// StructuredLoggerConfig configures NewStructuredLogger
type StructuredLoggerConfig struct {
	Level         LogLevel
	Output        io.Writer
	Format        LogFormat
	IncludeCaller bool

	// File, when set, replaces Output with an append-only log file
	File string
}

// DefaultStructuredLoggerConfig logs INFO and above as text to stdout
func DefaultStructuredLoggerConfig() *StructuredLoggerConfig {
	return &StructuredLoggerConfig{
		Level:         INFO,
		Output:        os.Stdout,
		Format:        FormatText,
		IncludeCaller: true,
	}
}

// NewStructuredLogger creates a root logger. A nil config uses
// DefaultStructuredLoggerConfig.
func NewStructuredLogger(config *StructuredLoggerConfig) (*StructuredLogger, error) {
	if config == nil {
		config = DefaultStructuredLoggerConfig()
	}

	s := &sink{
		out:        config.Output,
		format:     config.Format,
		withCaller: config.IncludeCaller,
		level:      config.Level,
		components: make(map[string]LogLevel),
	}
	if s.out == nil {
		s.out = os.Stdout
	}

	if config.File != "" {
		if err := os.MkdirAll(filepath.Dir(config.File), 0750); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(config.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		s.out = file
		s.closer = file
	}

	return &StructuredLogger{sink: s}, nil
}

// WithField returns a child logger that adds key to every entry
func (sl *StructuredLogger) WithField(key string, value interface{}) *StructuredLogger {
	return sl.WithFields(map[string]interface{}{key: value})
}

// WithFields returns a child logger that adds fields to every entry
func (sl *StructuredLogger) WithFields(fields map[string]interface{}) *StructuredLogger {
	merged := make(map[string]interface{}, len(sl.fields)+len(fields))
	for k, v := range sl.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	child := &StructuredLogger{sink: sl.sink, fields: merged, component: sl.component}
	if c, ok := fields[componentField].(string); ok {
		child.component = c
	}
	return child
}

// WithComponent returns a child logger tagged with component, whose level
// can be tuned with SetComponentLevel
func (sl *StructuredLogger) WithComponent(component string) *StructuredLogger {
	return sl.WithField(componentField, component)
}

// SetComponentLevel overrides the level for one component
func (sl *StructuredLogger) SetComponentLevel(component string, level LogLevel) {
	sl.sink.mu.Lock()
	sl.sink.components[component] = level
	sl.sink.mu.Unlock()
}

// SetLevel changes the level for every logger sharing this output
func (sl *StructuredLogger) SetLevel(level LogLevel) {
	sl.sink.mu.Lock()
	sl.sink.level = level
	sl.sink.mu.Unlock()
}

// GetLevel returns the shared level
func (sl *StructuredLogger) GetLevel() LogLevel {
	sl.sink.mu.RLock()
	defer sl.sink.mu.RUnlock()
	return sl.sink.level
}

// IsEnabled reports whether an entry at level would be written
func (sl *StructuredLogger) IsEnabled(level LogLevel) bool {
	return sl.sink.enabled(level, sl.component)
}

// emit builds and writes an entry. depth is the runtime.Caller skip that
// reaches the code calling the public log method.
func (sl *StructuredLogger) emit(depth int, level LogLevel, message string, fields map[string]interface{}) {
	if !sl.IsEnabled(level) {
		return
	}

	entry := &LogEntry{
		Timestamp: time.Now(),
		Level:     level.String(),
		Message:   message,
	}
	if n := len(sl.fields) + len(fields); n > 0 {
		entry.Fields = make(map[string]interface{}, n)
		for k, v := range sl.fields {
			entry.Fields[k] = v
		}
		for k, v := range fields {
			entry.Fields[k] = v
		}
	}

	sl.sink.mu.RLock()
	withCaller := sl.sink.withCaller
	sl.sink.mu.RUnlock()
	if withCaller {
		if _, file, line, ok := runtime.Caller(depth); ok {
			entry.Caller = fmt.Sprintf("%s:%d", filepath.Base(file), line)
		}
	}

	sl.sink.write(entry)
}

func (e *LogEntry) render(format LogFormat) string {
	if format == FormatJSON {
		if data, err := json.Marshal(e); err == nil {
			return string(data) + "\n"
		}
	}
	return e.text()
}

// text renders one line with fields sorted by key
func (e *LogEntry) text() string {
	var sb strings.Builder
	sb.WriteString(e.Timestamp.Format("2006-01-02 15:04:05.000"))
	fmt.Fprintf(&sb, " [%s] ", e.Level)
	if e.Caller != "" {
		fmt.Fprintf(&sb, "[%s] ", e.Caller)
	}
	sb.WriteString(e.Message)

	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		pairs := make([]string, len(keys))
		for i, k := range keys {
			pairs[i] = fmt.Sprintf("%s=%v", k, e.Fields[k])
		}
		sb.WriteString(" {" + strings.Join(pairs, ", ") + "}")
	}
	sb.WriteString("\n")
	return sb.String()
}

func firstFields(fieldMaps []map[string]interface{}) map[string]interface{} {
	if len(fieldMaps) == 0 {
		return nil
	}
	return fieldMaps[0]
}

// Trace logs at TRACE
func (sl *StructuredLogger) Trace(message string, fields ...map[string]interface{}) {
	sl.emit(2, TRACE, message, firstFields(fields))
}

// Debug logs at DEBUG
func (sl *StructuredLogger) Debug(message string, fields ...map[string]interface{}) {
	sl.emit(2, DEBUG, message, firstFields(fields))
}

// Info logs at INFO
func (sl *StructuredLogger) Info(message string, fields ...map[string]interface{}) {
	sl.emit(2, INFO, message, firstFields(fields))
}

// Warn logs at WARN
func (sl *StructuredLogger) Warn(message string, fields ...map[string]interface{}) {
	sl.emit(2, WARN, message, firstFields(fields))
}

// Error logs at ERROR
func (sl *StructuredLogger) Error(message string, fields ...map[string]interface{}) {
	sl.emit(2, ERROR, message, firstFields(fields))
}

// Close closes the log file when the logger opened one
func (sl *StructuredLogger) Close() error {
	if sl.sink.closer != nil {
		return sl.sink.closer.Close()
	}
	return nil
}
