package nsfs

import (
	"log"
	"os"
)

// debugLog is nil in release builds (silent, per spec.md §6's
// "Environment" contract); set once at startup by initDebugLog when
// NSMUX_DEBUG is present, mirroring debug.h's INIT_LOG/LOG_MSG
// compile-time toggle moved to a runtime check since Go has no
// preprocessor. debugf is the only writer to debugLog and nothing in
// nsmux calls it, so the log receives no messages even when open.
var debugLog *log.Logger

func initDebugLog() {
	if os.Getenv("NSMUX_DEBUG") == "" {
		return
	}
	f, err := os.OpenFile("/var/log/nsmux.dbg", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("nsmux: could not open debug log, logging to stderr: %v", err)
		debugLog = log.New(os.Stderr, "nsmux: ", log.LstdFlags|log.Lmicroseconds)
		return
	}
	debugLog = log.New(f, "nsmux: ", log.LstdFlags|log.Lmicroseconds)
}

func debugf(format string, args ...any) {
	if debugLog == nil {
		return
	}
	debugLog.Printf(format, args...)
}
