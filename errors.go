package torrent

import "fmt"

// Kind classifies an EngineError per the error-handling design: input, local,
// storage, internal, or client misuse.
type Kind int

const (
	KindInput Kind = iota
	KindLocal
	KindStorage
	KindInternal
	KindClient
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindLocal:
		return "local"
	case KindStorage:
		return "storage"
	case KindInternal:
		return "internal"
	case KindClient:
		return "client"
	default:
		return "unknown"
	}
}

// EngineError wraps an underlying error with the operation that produced it
// and its Kind, so callers can dispatch on errors.As without string matching.
type EngineError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

func newErr(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &EngineError{Kind: kind, Op: op, Err: err}
}

// panicHook is called for KindInternal errors, which indicate a broken
// invariant rather than something a caller can recover from. Tests may
// replace it to assert on internal errors instead of crashing the process.
var panicHook = func(v any) { panic(v) }

func internalErrorf(format string, args ...any) {
	panicHook(fmt.Sprintf(format, args...))
}
