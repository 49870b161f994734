package storage

import "fmt"

// internalErrorf panics on broken invariants local to the storage package
// (out-of-range indices, malformed Info) — these are programming errors per
// spec §7's "internal" kind, never meant to be handled by callers.
func internalErrorf(format string, args ...any) {
	panic(fmt.Sprintf(format, args...))
}
