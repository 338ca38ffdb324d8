// Package logx is the ambient logger shared by both binaries. It wraps the
// standard library log package the same way the teacher repo does — plain
// log.Printf calls with a hand-composed prefix — rather than reaching for a
// structured logging framework the teacher never uses.
package logx

import (
	"fmt"
	"log"
	"os"
	"time"
)

// Tag is one of the closed set of component tags spec.md §6 requires.
type Tag string

const (
	Cert   Tag = "CERT"
	ACME   Tag = "ACME"
	Health Tag = "HEALTH"
	Proxy  Tag = "PROXY"
	CLI    Tag = "CLI"
)

// Logger emits single-line RFC3339-prefixed records:
//
//	2026-07-31T10:04:05Z [ACME] [demo.example] order created
//
// The host segment is omitted when empty.
type Logger struct {
	tag  Tag
	host string
	out  *log.Logger
}

// New returns a Logger for the given component tag, writing to stderr. The
// standard library's log.Logger only offers a handful of canned timestamp
// formats (none of them RFC3339, which spec.md §6 requires), so the
// timestamp is composed by hand and flags are disabled entirely.
func New(tag Tag) *Logger {
	return &Logger{
		tag: tag,
		out: log.New(os.Stderr, "", 0),
	}
}

// WithHost returns a copy of l that prefixes every line with the given host.
func (l *Logger) WithHost(host string) *Logger {
	n := *l
	n.host = host
	return &n
}

func (l *Logger) prefix() string {
	ts := time.Now().UTC().Format(time.RFC3339)
	if l.host == "" {
		return fmt.Sprintf("%s [%s] ", ts, l.tag)
	}
	return fmt.Sprintf("%s [%s] [%s] ", ts, l.tag, l.host)
}

// Printf logs a formatted message.
func (l *Logger) Printf(format string, args ...any) {
	l.out.Printf(l.prefix()+format, args...)
}

// Println logs a message.
func (l *Logger) Println(args ...any) {
	l.out.Print(l.prefix() + fmt.Sprintln(args...))
}

// Error logs a formatted message tagged as an error; it does not change the
// record format since the taxonomy lives in pkg/moorerr, not in the log line.
func (l *Logger) Error(format string, args ...any) {
	l.Printf("error: "+format, args...)
}
