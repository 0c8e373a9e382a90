// Package syncerr defines the error taxonomy shared by every stage of a sync run.
// Errors carry a Kind that survives wrapping, and can be matched with errors.Is
// against the sentinel values below.
package syncerr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies a sync failure.
type Kind string

const (
	// KindParameter indicates a required argument was missing or invalid.
	// Always raised before any network activity.
	KindParameter Kind = "PARAMETER_ERROR"

	// KindAuth indicates a remote rejected the supplied credentials.
	KindAuth Kind = "AUTH_ERROR"

	// KindNetwork indicates a transport failure: timeout, reset, or a non-2xx
	// response without a protocol body.
	KindNetwork Kind = "NETWORK_ERROR"

	// KindProtocol indicates a malformed advertisement, an unsupported
	// capability set, or a populated side-band error channel.
	KindProtocol Kind = "PROTOCOL_ERROR"

	// KindPushRejected indicates the target reported an unpack or per-ref failure.
	KindPushRejected Kind = "PUSH_REJECTED"

	// KindCancelled indicates the run was cancelled or timed out.
	KindCancelled Kind = "CANCELLED"
)

// Sentinels for errors.Is checks.
var (
	ErrParameter    = &Error{Kind: KindParameter}
	ErrAuth         = &Error{Kind: KindAuth}
	ErrNetwork      = &Error{Kind: KindNetwork}
	ErrProtocol     = &Error{Kind: KindProtocol}
	ErrPushRejected = &Error{Kind: KindPushRejected}
	ErrCancelled    = &Error{Kind: KindCancelled}
)

// Error is a classified sync failure.
type Error struct {
	Kind Kind
	// Op is the low-level operation that failed, e.g. "discover" or "connect".
	Op string
	// Caller identifies the high-level operation the error escaped from.
	Caller string
	// State is the orchestrator state the failure happened in.
	State string
	// Refs holds per-ref rejection reasons for KindPushRejected.
	Refs map[string]string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Caller != "" {
		b.WriteString(e.Caller)
		if e.State != "" {
			b.WriteString(" [" + e.State + "]")
		}
		b.WriteString(": ")
	}
	if e.Op != "" {
		b.WriteString(e.Op + ": ")
	}
	b.WriteString(strings.ToLower(strings.ReplaceAll(string(e.Kind), "_", " ")))
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	if len(e.Refs) > 0 {
		names := make([]string, 0, len(e.Refs))
		for name := range e.Refs {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, name := range names {
			parts = append(parts, name+" ("+e.Refs[name]+")")
		}
		b.WriteString(" [" + strings.Join(parts, ", ") + "]")
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Err == nil && t.Op == "" && t.Kind == e.Kind
}

// New creates a classified error for op.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first classified error in err's chain.
// Unclassified errors are reported as KindNetwork, since everything that
// reaches the orchestrator unclassified came out of an I/O call.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNetwork
}

// Annotate stamps caller and state onto err, preserving its kind.
// A nil err yields nil.
func Annotate(err error, caller, state string) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		out := *e
		if out.Caller == "" {
			out.Caller = caller
		}
		if out.State == "" {
			out.State = state
		}
		return &out
	}
	return &Error{Kind: KindOf(err), Caller: caller, State: state, Refs: RefsOf(err), Err: err}
}

// RefsOf returns the per-ref reasons carried by err, if any.
func RefsOf(err error) map[string]string {
	var e *Error
	if errors.As(err, &e) {
		return e.Refs
	}
	return nil
}
