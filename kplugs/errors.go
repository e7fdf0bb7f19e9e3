package kplugs

import "fmt"

// CompileErrorKind tags the compiler-side error taxonomy from spec.md §7.
// These never reach the kernel device.
type CompileErrorKind int

const (
	ErrReservedName CompileErrorKind = iota
	ErrUnsupportedSyntax
	ErrUseBeforeAssignment
	ErrConstantRedefinition
	ErrBadDeclaration
	ErrBadDefault
	ErrNotAssignable
	ErrUnsupportedCompare
	ErrBadNew
	ErrUnsupportedTry
	ErrNestedFunction
	ErrNonFunctionCode
	ErrBadString
	ErrTypeMismatch
)

func (k CompileErrorKind) String() string {
	switch k {
	case ErrReservedName:
		return "ReservedName"
	case ErrUnsupportedSyntax:
		return "UnsupportedSyntax"
	case ErrUseBeforeAssignment:
		return "UseBeforeAssignment"
	case ErrConstantRedefinition:
		return "ConstantRedefinition"
	case ErrBadDeclaration:
		return "BadDeclaration"
	case ErrBadDefault:
		return "BadDefault"
	case ErrNotAssignable:
		return "NotAssignable"
	case ErrUnsupportedCompare:
		return "UnsupportedCompare"
	case ErrBadNew:
		return "BadNew"
	case ErrUnsupportedTry:
		return "UnsupportedTry"
	case ErrNestedFunction:
		return "NestedFunction"
	case ErrNonFunctionCode:
		return "NonFunctionCode"
	case ErrBadString:
		return "BadString"
	case ErrTypeMismatch:
		return "TypeMismatch"
	default:
		return "?unknown-compile-error?"
	}
}

// CompileError is a compiler-side failure. It aborts the current compile
// and leaves the session unchanged -- no partial loads (spec.md §7).
type CompileError struct {
	Kind    CompileErrorKind
	Message string
}

func (e *CompileError) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func compileErrf(kind CompileErrorKind, format string, args ...any) error {
	return &CompileError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// errorTable holds the human-readable text for each kernel error code,
// index-matched to spec.md §7's numeric table. Taken verbatim from
// kplugs-master/python/core.py's Plug.ERROR_TABLE.
var errorTable = [...]string{
	0:  "",
	1:  "No more memory",
	2:  "Recursion to deep",
	3:  "Wrong operation",
	4:  "Wrong variable",
	5:  "Wrong parameter",
	6:  "This operation is been used more the once",
	7:  "A flow block was not terminated",
	8:  "Some of the code was not explored",
	9:  "Bad function name",
	10: "Function already exists",
	11: "The stack is empty",
	12: "Bad pointer",
	13: "Access outside of a buffer's limit",
	14: "Divide by zero",
	15: "Unknown function",
	16: "Bad number of arguments",
	17: "Wrong architecture",
	18: "Unsupported version",
	19: "Not a dynamic memory",
}

// DeviceError is a kernel-reported failure surfaced by the transport and
// mapped from the numeric error table above.
type DeviceError struct {
	Code uint64
}

func (e *DeviceError) Error() string {
	if int(e.Code) < len(errorTable) {
		if s := errorTable[e.Code]; s != "" {
			return s
		}
	}
	return fmt.Sprintf("kplugs: unknown device error 0x%x", e.Code)
}

func newDeviceError(code uint64) error {
	return &DeviceError{Code: code}
}
