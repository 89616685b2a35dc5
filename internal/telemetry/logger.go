// Package telemetry is the ambient logging and log-shipping layer used by
// cmd/portfwd. The forwarding package itself treats logging as an
// external collaborator and never imports this package; only the demo
// binary wires a Logger in to observe lifecycle and per-connection
// events.
package telemetry

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Logger writes structured loglines in the logfmt style common to Heroku
// tooling: key=value pairs, one line per event.
type Logger struct {
	out *log.Logger
}

// NewLogger returns a Logger writing to w with no timestamp prefix (the
// logline's own ts= field carries that, should a caller want one).
func NewLogger(w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{out: log.New(w, "", 0)}
}

// Event writes one logfmt line: msg plus an even count of key, value, key,
// value, ... pairs appended as key=value.
func (l *Logger) Event(msg string, kv ...interface{}) {
	line := "msg=" + quote(msg)
	for i := 0; i+1 < len(kv); i += 2 {
		line += fmt.Sprintf(" %v=%s", kv[i], quote(fmt.Sprint(kv[i+1])))
	}
	l.out.Println(line)
}

func quote(s string) string {
	for _, r := range s {
		if r == ' ' || r == '=' || r == '"' {
			return fmt.Sprintf("%q", s)
		}
	}
	return s
}
