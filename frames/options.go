package frames

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultFrameIDGlobal is the page global a frame's id is installed into.
const DefaultFrameIDGlobal = "__cdpFrameId"

// internalOriginPrefixes are origins of worlds that are not user content.
// Contexts with these origins are never tracked.
var internalOriginPrefixes = []string{ //nolint:gochecknoglobals
	"chrome-extension://",
	"chrome-untrusted://",
	"chrome://",
	"devtools://",
	"edge://",
	"moz-extension://",
}

var jsIdentifier = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// Options tune how units track their frames.
type Options struct {
	// FrameIDGlobal names the global that InjectFrameID assigns.
	FrameIDGlobal string

	// WaitForDebuggerOnStart pauses new child targets until they have been
	// configured, so no nested frame escapes auto-attach.
	WaitForDebuggerOnStart bool

	// BlockedOriginPrefixes are extra origin prefixes to ignore, on top of
	// the browser-internal schemes.
	BlockedOriginPrefixes []string
}

// NewOptions returns the default options.
func NewOptions() *Options {
	return &Options{
		FrameIDGlobal:          DefaultFrameIDGlobal,
		WaitForDebuggerOnStart: true,
	}
}

// Validate validates the options.
func (o *Options) Validate() error {
	if !jsIdentifier.MatchString(o.FrameIDGlobal) {
		return fmt.Errorf("invalid frame id global %q: must be a JavaScript identifier", o.FrameIDGlobal)
	}
	for _, p := range o.BlockedOriginPrefixes {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("invalid blocked origin prefix: must not be empty")
		}
	}

	return nil
}

func (o *Options) isBlockedOrigin(origin string) bool {
	for _, p := range internalOriginPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	for _, p := range o.BlockedOriginPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}

	return false
}
