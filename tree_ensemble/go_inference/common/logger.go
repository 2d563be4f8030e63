package common

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"
)

const headerWidth = 80

// Logger prefixes every line with the role of the process, e.g. "[Server]".
// Debugf is silent unless debug is set.
type Logger struct {
	l     *log.Logger
	debug bool
}

func NewLogger(role string, debug bool) *Logger {
	return NewLoggerTo(os.Stderr, role, debug)
}

func NewLoggerTo(w io.Writer, role string, debug bool) *Logger {
	return &Logger{l: log.New(w, fmt.Sprintf("[%s] ", role), log.LstdFlags|log.Lmsgprefix), debug: debug}
}

// Discard drops everything.
func Discard() *Logger { return NewLoggerTo(io.Discard, "", false) }

func (lg *Logger) Printf(format string, args ...any) { lg.l.Printf(format, args...) }

func (lg *Logger) Debugf(format string, args ...any) {
	if lg.debug {
		lg.l.Printf(format, args...)
	}
}

func (lg *Logger) Header(title string) {
	lg.l.Print(strings.Repeat("=", headerWidth))
	pad := (headerWidth - len(title)) / 2
	if pad < 0 {
		pad = 0
	}
	lg.l.Print(strings.Repeat(" ", pad) + title)
	lg.l.Print(strings.Repeat("=", headerWidth))
}

func (lg *Logger) RunningTime(name string, start time.Time) {
	lg.l.Printf("%s running time: %f (s)", name, time.Since(start).Seconds())
}
