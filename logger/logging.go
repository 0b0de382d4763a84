// Package logger builds the component loggers used across the module.
// By default output is discarded; callers that want log output call
// SetOutput/SetLevel on the shared root returned by Root.
package logger

import (
	"io"

	"github.com/sirupsen/logrus"
)

var root = newRoot()

func newRoot() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.DebugLevel)
	return l
}

// Root returns the shared logger so an application can direct output
// somewhere and pick a level.
func Root() *logrus.Logger {
	return root
}

// New returns an entry tagged with the originating component.
func New(component string) *logrus.Entry {
	return root.WithField("component", component)
}
