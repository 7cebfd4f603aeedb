package control

import (
	"strings"
	"sync"
)

// fakeLogger records every call it receives so tests can assert on log
// content without depending on logrus's output formatting.
type fakeLogger struct {
	mu    sync.Mutex
	lines []string
}

func (f *fakeLogger) record(level, format string, args ...interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, level+": "+format)
}

func (f *fakeLogger) Debugf(format string, args ...interface{}) { f.record("debug", format, args...) }
func (f *fakeLogger) Infof(format string, args ...interface{})  { f.record("info", format, args...) }
func (f *fakeLogger) Warnf(format string, args ...interface{})  { f.record("warn", format, args...) }
func (f *fakeLogger) Errorf(format string, args ...interface{}) { f.record("error", format, args...) }
func (f *fakeLogger) Fatalf(format string, args ...interface{}) { f.record("fatal", format, args...) }

func (f *fakeLogger) has(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}
