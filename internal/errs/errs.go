package errs

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Wrap adds context and preserves the error chain (errors.Is/As works).
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf adds formatted context and preserves the error chain.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}

	// Append the original err as the last arg for %w.
	args = append(args, err)
	return fmt.Errorf(format+": %w", args...)
}

// WithStack captures a stack trace once, at the root cause boundary.
func WithStack(err error) error {
	if err == nil {
		return nil
	}

	var se *StackError
	if errors.As(err, &se) {
		return err
	}

	return &StackError{
		err:   err,
		stack: debug.Stack(),
	}
}

// StackError wraps an error and stores a stack trace.
type StackError struct {
	err   error
	stack []byte
}

func (e *StackError) Error() string { return e.err.Error() }
func (e *StackError) Unwrap() error { return e.err }
func (e *StackError) Stack() []byte { return e.stack }

// CodedError is a sentinel carrying a stable taxonomy code.
// Compare with errors.Is; the code survives any amount of wrapping.
type CodedError struct {
	code string
	msg  string
}

// NewCoded creates a sentinel error with a taxonomy code.
func NewCoded(code string, msg string) *CodedError {
	return &CodedError{code: code, msg: msg}
}

func (e *CodedError) Error() string { return e.msg }
func (e *CodedError) Code() string  { return e.code }

// CodeOf returns the outermost taxonomy code in the chain, or "".
func CodeOf(err error) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.code
	}
	return ""
}

// Loggable makes slog encode the error as structured fields.
// Usage: slog.Any("err", errs.Loggable(err))
type loggable struct{ err error }

func Loggable(err error) slog.LogValuer { return loggable{err: err} }

func (l loggable) LogValue() slog.Value {
	if l.err == nil {
		return slog.GroupValue()
	}

	attrs := []slog.Attr{
		slog.String("message", l.err.Error()),
		slog.Any("chain", ErrorChainStrings(l.err)),
	}
	if code := CodeOf(l.err); code != "" {
		attrs = append(attrs, slog.String("code", code))
	}

	var se *StackError
	if errors.As(l.err, &se) {
		attrs = append(attrs, slog.String("stack", string(se.Stack())))
	}

	return slog.GroupValue(attrs...)
}

// ErrorChainStrings returns the unwrap chain as strings (outer -> inner).
func ErrorChainStrings(err error) []string {
	if err == nil {
		return nil
	}

	out := make([]string, 0, 8)
	for e := err; e != nil; e = errors.Unwrap(e) {
		out = append(out, e.Error())
	}
	return out
}
