// Package errors defines the error handling used throughout the
// UsenetSync core engine. It follows the error taxonomy of §7: a
// single concrete type carrying an operation name, a machine-readable
// Kind, and an optional identifier plus wrapped cause, so that every
// layer from the wire protocol up to the orchestrator reports failures
// the same way.
package errors

import (
	"bytes"
	"fmt"
	"runtime"
	"strings"

	"github.com/contemptx/usenetsync/log"
)

// Error is the type that implements the error interface for the core
// engine. Any field may be left unset.
type Error struct {
	// Op is the operation being performed, usually the name of the
	// method invoked (IndexFolder, PostSegment, etc).
	Op string
	// Kind classifies the failure per the taxonomy in §7.
	Kind Kind
	// ID is an opaque identifier relevant to the failure (a folder,
	// segment, or share id). It is never a path or user-identifying
	// string that could leak into a log destined for the substrate.
	ID string
	// Err is the underlying error that triggered this one, if any.
	Err error
}

var (
	_       error = (*Error)(nil)
	zeroErr Error
)

// Separator is the string used to join nested errors. Nested errors
// are indented onto a new line to keep messages readable in logs.
var Separator = ":\n\t"

// Kind defines the class of an error. It exists so that callers above
// the crypto/wire/store boundary (the orchestrator, and in turn any
// external collaborator) can act on classes of failure without string
// matching, per the propagation policy in §7.
type Kind uint8

// Kinds of errors, exactly the taxonomy enumerated in spec §7.
const (
	Other         Kind = iota // Unclassified.
	IoError                   // Filesystem or network read/write failed at the OS boundary.
	ProtocolError             // Substrate responded with an unexpected or malformed reply.
	AuthError                 // Substrate rejected credentials.
	NotFoundError             // Substrate reports article not present.
	IntegrityError            // AEAD verification failed, CRC mismatch, or content hash mismatch.
	CryptoError               // A crypto primitive failed (RNG unavailable, KDF over time ceiling, etc).
	StorageError              // The metadata store rejected an operation.
	ConflictError             // Transactional serialization conflict in the store.
	ConfigError               // Configuration missing or inconsistent.
	CancelledError            // An operation was cancelled by the orchestrator.
	PolicyError               // Caller attempted an operation not permitted in the current state.
)

func (k Kind) String() string {
	switch k {
	case Other:
		return "other error"
	case IoError:
		return "i/o error"
	case ProtocolError:
		return "protocol error"
	case AuthError:
		return "authentication failed"
	case NotFoundError:
		return "not found"
	case IntegrityError:
		return "integrity check failed"
	case CryptoError:
		return "crypto error"
	case StorageError:
		return "storage error"
	case ConflictError:
		return "conflict"
	case ConfigError:
		return "configuration error"
	case CancelledError:
		return "cancelled"
	case PolicyError:
		return "policy violation"
	}
	return "unknown error kind"
}

// E builds an error value from its arguments. The type of each
// argument determines its meaning:
//
//	string        the operation being performed (Op), unless Op is
//	              already set, in which case it is treated as an ID
//	errors.Kind   the class of error
//	error         the underlying error that triggered this one
//
// If Kind is unset (Other) and Err is itself an *Error, the Kind is
// pulled up from the wrapped error.
func E(args ...interface{}) error {
	if len(args) == 0 {
		return nil
	}
	e := &Error{}
	for _, arg := range args {
		switch arg := arg.(type) {
		case string:
			if e.Op == "" {
				e.Op = arg
			} else {
				e.ID = arg
			}
		case Kind:
			e.Kind = arg
		case *Error:
			cp := *arg
			e.Err = &cp
		case error:
			e.Err = arg
		default:
			_, file, line, _ := runtime.Caller(1)
			log.Error.Printf("errors.E: bad call from %s:%d: %v", file, line, args)
			return Errorf("unknown type %T, value %v in error call", arg, arg)
		}
	}
	prev, ok := e.Err.(*Error)
	if !ok {
		return e
	}
	if prev.ID == e.ID {
		prev.ID = ""
	}
	if prev.Kind == e.Kind {
		prev.Kind = Other
	}
	if e.Kind == Other {
		e.Kind = prev.Kind
		prev.Kind = Other
	}
	return e
}

// Is reports whether err is an *Error of the given Kind, or wraps one.
func Is(kind Kind, err error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	if e.Kind != Other {
		return e.Kind == kind
	}
	if e.Err != nil {
		return Is(kind, e.Err)
	}
	return false
}

func pad(b *bytes.Buffer, str string) {
	if b.Len() == 0 {
		return
	}
	b.WriteString(str)
}

func (e *Error) Error() string {
	b := new(bytes.Buffer)
	if e.Op != "" {
		b.WriteString(e.Op)
	}
	if e.ID != "" {
		pad(b, ": ")
		b.WriteString(e.ID)
	}
	if e.Kind != Other {
		pad(b, ": ")
		b.WriteString(e.Kind.String())
	}
	if e.Err != nil {
		if prevErr, ok := e.Err.(*Error); ok {
			if *prevErr != zeroErr {
				pad(b, Separator)
				b.WriteString(e.Err.Error())
			}
		} else {
			pad(b, ": ")
			b.WriteString(e.Err.Error())
		}
	}
	if b.Len() == 0 {
		return "no error"
	}
	return b.String()
}

// Unwrap allows errors.Is/As from the standard library to see through
// an *Error to its cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Str returns an error that formats as the given text. It is intended
// for use as the error-typed argument to E.
func Str(text string) error {
	return &errorString{text}
}

type errorString struct{ s string }

func (e *errorString) Error() string { return e.s }

// Errorf is equivalent to fmt.Errorf but returns the same concrete
// type as Str, so packages need only import errors for all error
// handling, matching the teacher's convention.
func Errorf(format string, args ...interface{}) error {
	return &errorString{fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind of err, defaulting to Other if err is not
// (or does not wrap) an *Error.
func KindOf(err error) Kind {
	for {
		e, ok := err.(*Error)
		if !ok {
			return Other
		}
		if e.Kind != Other {
			return e.Kind
		}
		if e.Err == nil {
			return Other
		}
		err = e.Err
	}
}

// joinOps is a small helper used by components that want to build an
// Op string with a package prefix, e.g. "upload.Worker.run".
func joinOps(parts ...string) string {
	return strings.Join(parts, ".")
}
