// Package logging provides the small leveled logger used throughout the
// datastore. It mirrors the teacher's handleLog hook: a timestamp, a level,
// and a message, written to an io.Writer with no external dependency.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level is the severity of a log line.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Logger writes leveled, node-tagged lines. It is safe for concurrent use.
type Logger struct {
	mu     sync.Mutex
	out    io.Writer
	nodeID string
}

// New creates a Logger writing to w, tagging every line with nodeID.
func New(w io.Writer, nodeID string) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{out: w, nodeID: nodeID}
}

// Default returns a Logger writing to os.Stderr with no node tag.
func Default() *Logger {
	return New(os.Stderr, "")
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msg := fmt.Sprintf(format, args...)
	ts := time.Now().Format("15:04:05.000")
	if l.nodeID != "" {
		fmt.Fprintf(l.out, "[%s] %s node=%s %s\n", ts, level, l.nodeID, msg)
		return
	}
	fmt.Fprintf(l.out, "[%s] %s %s\n", ts, level, msg)
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.log(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.log(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.log(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.log(LevelError, format, args...) }

// WithNode returns a copy of the Logger tagged with nodeID, used so every
// background task's lines are attributable to the node that produced them.
func (l *Logger) WithNode(nodeID string) *Logger {
	return &Logger{out: l.out, nodeID: nodeID}
}
