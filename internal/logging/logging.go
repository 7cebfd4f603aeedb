// Package logging provides the process-wide structured logger used by the
// control plane and worker lifecycle for operational logging (accept,
// shutdown, and operator-console events), in the style rclone wires up
// logrus for its own operational logging.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the narrow interface the control plane and worker lifecycle
// depend on, matching the small logger interfaces seen across the pack
// (e.g. a lifecycle manager's own Logger interface).
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// New returns a Logger writing to standard error. verbose raises the level
// to Debug; otherwise only Info and above are emitted.
func New(verbose bool) Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}
