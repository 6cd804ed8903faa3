// Package blog is the structured logging facade shared by every layer of
// bacstack. It wraps logrus rather than re-exporting it so call sites
// depend on a narrow interface instead of the concrete library, matching
// how the rest of the stack isolates third-party dependencies behind a
// package boundary.
package blog

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu  sync.RWMutex
	log = newDefault()
)

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel adjusts verbosity for the whole process. Applications typically
// call this once at startup from DeviceConfig.
func SetLevel(level string) {
	lv, err := logrus.ParseLevel(level)
	if err != nil {
		lv = logrus.InfoLevel
	}
	mu.Lock()
	defer mu.Unlock()
	log.SetLevel(lv)
}

// SetOutput redirects logging, e.g. for tests that want to capture it.
func SetOutput(w interface{ Write([]byte) (int, error) }) {
	mu.Lock()
	defer mu.Unlock()
	log.SetOutput(w)
}

// Fields is a structured field set attached to one log line.
type Fields = logrus.Fields

// For returns a *logrus.Entry scoped to a component name, e.g.
// blog.For("bbmd").WithField("peer", addr).Warn("FDT full")
func For(component string) *logrus.Entry {
	mu.RLock()
	defer mu.RUnlock()
	return log.WithField("component", component)
}
