// Package env contains the environment variable names cdpframes reads and
// a lookup abstraction so configuration can be tested without touching the
// process environment.
package env

import "os"

// LookupFunc defines a function to look up a key from the environment.
type LookupFunc func(key string) (string, bool)

// Lookup is the default LookupFunc that uses os.LookupEnv.
func Lookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// EmptyLookup is a LookupFunc that always returns "" and false.
func EmptyLookup(_ string) (string, bool) { return "", false }

// ConstLookup is a LookupFunc that always returns the given value and true
// if the key matches the given key. Otherwise it returns EmptyLookup
// behaviour. Useful for testing.
func ConstLookup(k, v string) LookupFunc {
	return func(key string) (string, bool) {
		if key == k {
			return v, true
		}
		return EmptyLookup(key)
	}
}

// MapLookup is a LookupFunc backed by a map.
func MapLookup(vars map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

const (
	// DevToolsURL is the browser-level DevTools websocket URL.
	DevToolsURL = "CDPFRAMES_DEVTOOLS_URL"

	// LogLevel sets the logrus level, e.g. "debug".
	LogLevel = "CDPFRAMES_LOG_LEVEL"

	// LogCategoryFilter is a regexp matched against log entry categories.
	LogCategoryFilter = "CDPFRAMES_LOG_CATEGORY_FILTER"

	// FrameIDGlobal is the page global that receives a frame's id.
	FrameIDGlobal = "CDPFRAMES_FRAME_ID_GLOBAL"

	// WaitForDebugger controls Target.setAutoAttach waitForDebuggerOnStart.
	WaitForDebugger = "CDPFRAMES_WAIT_FOR_DEBUGGER"

	// BlockedOrigins is a comma separated list of extra origin prefixes whose
	// execution contexts are never tracked.
	BlockedOrigins = "CDPFRAMES_BLOCKED_ORIGINS"
)
