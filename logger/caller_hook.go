package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// pkgPrefix is the import path of this package as it appears in runtime
// function names, e.g. "seqfeed/logger.".
var pkgPrefix = func() string {
	pc, _, _, _ := runtime.Caller(0)
	name := runtime.FuncForPC(pc).Name()
	slash := strings.LastIndex(name, "/")
	if dot := strings.Index(name[slash+1:], "."); dot >= 0 {
		return name[:slash+1+dot+1]
	}
	return name
}()

// callerHook points entry.Caller at the first frame outside logrus and the
// Log/Entry wrappers.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 24)
	n := runtime.Callers(4, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !internalFrame(frame.Function) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func internalFrame(fn string) bool {
	if strings.Contains(fn, "sirupsen/logrus") {
		return true
	}
	if !strings.HasPrefix(fn, pkgPrefix) {
		return false
	}
	// Tests in this package still count as call sites.
	return !strings.Contains(fn, "_test.") && !strings.Contains(fn, ".Test")
}
