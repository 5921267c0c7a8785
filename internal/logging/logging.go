// Package logging routes the standard logger to stdout and an optional log
// file, filters messages by level, and serves the file tail to the API.
package logging

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
)

// Level orders log severities. Names follow the logging_level config values.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	case LevelCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a config value to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO", "":
		return LevelInfo, nil
	case "WARNING", "WARN":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	case "CRITICAL":
		return LevelCritical, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

var (
	level   atomic.Int32
	logPath string
	logFile *os.File
	mu      sync.Mutex
)

func init() {
	level.Store(int32(LevelInfo))
	log.SetFlags(log.Ldate | log.Ltime)
}

// Init sets the minimum level and, when path is non-empty, sets up dual
// logging to stdout and the file at path.
func Init(path string, lvl Level) {
	SetLevel(lvl)
	if path == "" {
		return
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Printf("WARNING cannot create log directory: %v", err)
		return
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("WARNING cannot open log file %s: %v", path, err)
		return
	}

	mu.Lock()
	if logFile != nil {
		logFile.Close()
	}
	logFile = f
	logPath = path
	mu.Unlock()

	log.SetOutput(io.MultiWriter(os.Stdout, f))
	Infof("Logging to file: %s", path)
}

// Close detaches the log file and restores stdout-only output.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	log.SetOutput(os.Stdout)
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	logPath = ""
	return err
}

// SetLevel changes the minimum level that is written.
func SetLevel(l Level) { level.Store(int32(l)) }

// Enabled reports whether messages at l are written.
func Enabled(l Level) bool { return int32(l) >= level.Load() }

func logf(l Level, format string, args ...interface{}) {
	if !Enabled(l) {
		return
	}
	log.Output(3, l.String()+" "+fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...interface{})    { logf(LevelDebug, format, args...) }
func Infof(format string, args ...interface{})     { logf(LevelInfo, format, args...) }
func Warnf(format string, args ...interface{})     { logf(LevelWarning, format, args...) }
func Errorf(format string, args ...interface{})    { logf(LevelError, format, args...) }
func Criticalf(format string, args ...interface{}) { logf(LevelCritical, format, args...) }

// ReadTail returns the last n lines from the log file. Without a log file it
// returns an empty string.
func ReadTail(n int) (string, error) {
	mu.Lock()
	defer mu.Unlock()

	if logPath == "" || n <= 0 {
		return "", nil
	}
	f, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	// Ring of the last n lines.
	lines := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(lines) == n {
			lines = append(lines[1:], scanner.Text())
			continue
		}
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan log file: %w", err)
	}
	return strings.Join(lines, "\n"), nil
}

// Clear truncates the log file.
func Clear() error {
	mu.Lock()
	defer mu.Unlock()

	if logFile == nil {
		return nil
	}
	if err := logFile.Truncate(0); err != nil {
		return fmt.Errorf("truncate log file: %w", err)
	}
	if _, err := logFile.Seek(0, 0); err != nil {
		return fmt.Errorf("seek log file: %w", err)
	}
	return nil
}

// Sanitize replaces newlines and drops control characters so client-supplied
// strings cannot forge log lines.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 32 || r == 127:
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
