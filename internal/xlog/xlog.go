// Package xlog centralizes leveled, structured logging for the engine.
//
// Gating fmt.Printf calls behind a package-level verbosity counter works
// for one flat command, but this engine has several independent
// subsystems running inside a single session (pack, notes, heads,
// manifest mirror) that benefit from being told apart in the log, so
// this wraps logrus instead and maps the -v counter onto a level, plus a
// Component() helper for per-subsystem fields.
package xlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var root = newRoot()

func newRoot() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr) // stdout is reserved for protocol replies
	l.SetLevel(logrus.WarnLevel)
	l.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: false,
		FullTimestamp:    true,
	})
	return l
}

// SetVerbosity maps a 0/1/2/3+ verbosity counter (0 errors only, 1 info,
// 2 debug, 3+ trace) onto logrus levels.
func SetVerbosity(verbose int) {
	switch {
	case verbose <= 0:
		root.SetLevel(logrus.ErrorLevel)
	case verbose == 1:
		root.SetLevel(logrus.InfoLevel)
	case verbose == 2:
		root.SetLevel(logrus.DebugLevel)
	default:
		root.SetLevel(logrus.TraceLevel)
	}
}

// Component returns a logger tagged with component=name, e.g.
// xlog.Component("pack").Debugf("slide: offset=%d", off).
func Component(name string) *logrus.Entry {
	return root.WithField("component", name)
}

// Fatal logs msg at error level on stderr, tagged component=fatal, in the
// logger's own text format. It does not print the "fatal: <message>"
// line itself; the caller does that.
func Fatal(msg string) {
	root.WithField("component", "fatal").Error(msg)
}
