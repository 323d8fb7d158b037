package wire

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"runtime"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrorKind classifies the protocol errors exchanged across the wire.
type ErrorKind int

const (
	// KindError is the base kind for protocol-level failures.
	KindError ErrorKind = iota
	// KindTimeout means no Response/Welcome/Pong arrived before the deadline.
	KindTimeout
	// KindServerError means a remote handler failed unexpectedly.
	KindServerError
)

// RPCError is the error value of the protocol. It crosses the wire as
// extension code 1 and surfaces locally as an ordinary returned error; the
// payload is data, never a panic.
//
// For KindServerError, TypeName and Message describe the original handler
// failure and Traceback carries a best-effort diagnostic assembled from
// whatever stack information was available where the error was captured.
type RPCError struct {
	Kind      ErrorKind
	TypeName  string
	Message   string
	Traceback string
}

func (e *RPCError) Error() string {
	switch e.Kind {
	case KindTimeout:
		return "rpc timeout: " + e.Message
	case KindServerError:
		if e.Traceback != "" {
			return fmt.Sprintf("rpc server error: %s: %s\n%s", e.TypeName, e.Message, e.Traceback)
		}
		return fmt.Sprintf("rpc server error: %s: %s", e.TypeName, e.Message)
	}
	return "rpc error: " + e.Message
}

// Errorf builds a base protocol error.
func Errorf(format string, args ...any) *RPCError {
	return &RPCError{Kind: KindError, Message: fmt.Sprintf(format, args...)}
}

// Timeoutf builds a timeout error.
func Timeoutf(format string, args ...any) *RPCError {
	return &RPCError{Kind: KindTimeout, Message: fmt.Sprintf(format, args...)}
}

// ServerError wraps an unexpected handler failure, recording the error's
// type name, its message, and the stack active at capture time. An err that
// already is an *RPCError is forwarded unchanged — the expected, recoverable
// path.
func ServerError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &RPCError{
		Kind:      KindServerError,
		TypeName:  errTypeName(err),
		Message:   err.Error(),
		Traceback: captureStack(2),
	}
}

// ServerErrorWithStack is ServerError with a caller-supplied diagnostic,
// used when a better stack is available (e.g. a recovered panic).
func ServerErrorWithStack(err error, stack string) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &RPCError{
		Kind:      KindServerError,
		TypeName:  errTypeName(err),
		Message:   err.Error(),
		Traceback: stack,
	}
}

// IsTimeout reports whether err is a protocol timeout.
func IsTimeout(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Kind == KindTimeout
}

// IsServerError reports whether err is a remote handler failure.
func IsServerError(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Kind == KindServerError
}

func errTypeName(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() != "" {
		return t.Name()
	}
	return t.String()
}

func captureStack(skip int) string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	if n == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pcs[:n])
	var buf bytes.Buffer
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&buf, "%s:%d in %s\n", frame.File, frame.Line, frame.Function)
		if !more {
			break
		}
	}
	return buf.String()
}

// MarshalMsgpack encodes the error as (kind, typeName, message, traceback).
func (e *RPCError) MarshalMsgpack() ([]byte, error) {
	return msgpack.Marshal([]any{int(e.Kind), e.TypeName, e.Message, e.Traceback})
}

// UnmarshalMsgpack decodes the (kind, typeName, message, traceback) tuple.
func (e *RPCError) UnmarshalMsgpack(data []byte) error {
	var kind int
	var typeName, message, traceback string
	fields := []any{&kind, &typeName, &message, &traceback}
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return fmt.Errorf("wire: decode error value: %w", err)
	}
	if n != len(fields) {
		return fmt.Errorf("wire: error value has %d fields, want %d", n, len(fields))
	}
	for _, f := range fields {
		if err := dec.Decode(f); err != nil {
			return fmt.Errorf("wire: decode error value: %w", err)
		}
	}
	e.Kind = ErrorKind(kind)
	e.TypeName = typeName
	e.Message = message
	e.Traceback = traceback
	return nil
}
