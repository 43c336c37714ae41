package flashfs

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/outofforest/flashfs/geometry"
	"github.com/outofforest/flashfs/persistence"
)

// ErrorKind groups error codes by their cause.
type ErrorKind uint8

// Error kinds.
const (
	KindCapacity ErrorKind = iota + 1
	KindIdentity
	KindLifecycle
	KindConsistency
	KindIO
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindCapacity:
		return "capacity"
	case KindIdentity:
		return "identity"
	case KindLifecycle:
		return "lifecycle"
	case KindConsistency:
		return "consistency"
	case KindIO:
		return "io"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is the error reported by the filesystem. Code is stable and might be stored or compared by the user.
type Error struct {
	Code int
	Kind ErrorKind
	msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d)", e.msg, e.Code)
}

func newError(code int, kind ErrorKind, msg string) *Error {
	return &Error{Code: code, Kind: kind, msg: msg}
}

// Filesystem errors.
var (
	ErrNotMounted        = newError(-10000, KindLifecycle, "filesystem is not mounted")
	ErrFull              = newError(-10001, KindCapacity, "filesystem is full")
	ErrNotFound          = newError(-10002, KindIdentity, "object not found")
	ErrEndOfObject       = newError(-10003, KindIdentity, "end of object")
	ErrDeleted           = newError(-10004, KindConsistency, "page is deleted")
	ErrNotFinalized      = newError(-10005, KindConsistency, "page is not finalized")
	ErrNotIndex          = newError(-10006, KindConsistency, "page is not an index page")
	ErrOutOfFileDescs    = newError(-10007, KindCapacity, "out of file descriptors")
	ErrFileClosed        = newError(-10008, KindLifecycle, "file is closed")
	ErrFileDeleted       = newError(-10009, KindLifecycle, "file is deleted")
	ErrBadDescriptor     = newError(-10010, KindLifecycle, "bad file descriptor")
	ErrIsIndex           = newError(-10011, KindConsistency, "page is an index page")
	ErrIsFree            = newError(-10012, KindConsistency, "page is free")
	ErrIndexSpanMismatch = newError(-10013, KindConsistency, "index page span mismatch")
	ErrDataSpanMismatch  = newError(-10014, KindConsistency, "data page span mismatch")
	ErrIndexRefFree      = newError(-10015, KindConsistency, "index references free page")
	ErrIndexRefLU        = newError(-10016, KindConsistency, "index references lookup page")
	ErrIndexRefInvalid   = newError(-10017, KindConsistency, "index references invalid page")
	ErrIndexFree         = newError(-10018, KindConsistency, "index page is free")
	ErrIndexLU           = newError(-10019, KindConsistency, "index page is a lookup page")
	ErrIndexInvalid      = newError(-10020, KindConsistency, "index page is invalid")
	ErrNotWritable       = newError(-10021, KindLifecycle, "file is not opened for writing")
	ErrNotReadable       = newError(-10022, KindLifecycle, "file is not opened for reading")
	ErrConflictingName   = newError(-10023, KindIdentity, "name is already used")
	ErrNotConfigured     = newError(-10024, KindInternal, "filesystem is not configured")
	ErrNotAFS            = newError(-10025, KindIdentity, "device does not contain filesystem")
	ErrMounted           = newError(-10026, KindLifecycle, "filesystem is mounted")
	ErrEraseFail         = newError(-10027, KindIO, "erase failed")
	ErrMagicNotPossible  = newError(-10028, KindInternal, "magic is not possible")
	ErrNoDeletedBlocks   = newError(-10029, KindCapacity, "no blocks containing deleted pages only")
	ErrFileExists        = newError(-10030, KindIdentity, "file exists")
	ErrNotAFile          = newError(-10031, KindIdentity, "page is not a file")
	ErrProbeTooFewBlocks = newError(-10034, KindIdentity, "too few blocks to probe")
	ErrProbeNotAFS       = newError(-10035, KindIdentity, "no filesystem found while probing")
	ErrNameTooLong       = newError(-10036, KindIdentity, "name is too long")
	ErrIndexWrongID      = newError(-10037, KindConsistency, "index page belongs to another object")
	ErrDataWrongID       = newError(-10038, KindConsistency, "data page belongs to another object")
	ErrInternal          = newError(-10050, KindInternal, "internal error")
	ErrIO                = newError(-10051, KindIO, "flash i/o failed")
)

var allErrors = []*Error{
	ErrNotMounted, ErrFull, ErrNotFound, ErrEndOfObject, ErrDeleted, ErrNotFinalized, ErrNotIndex,
	ErrOutOfFileDescs, ErrFileClosed, ErrFileDeleted, ErrBadDescriptor, ErrIsIndex, ErrIsFree,
	ErrIndexSpanMismatch, ErrDataSpanMismatch, ErrIndexRefFree, ErrIndexRefLU, ErrIndexRefInvalid,
	ErrIndexFree, ErrIndexLU, ErrIndexInvalid, ErrNotWritable, ErrNotReadable, ErrConflictingName,
	ErrNotConfigured, ErrNotAFS, ErrMounted, ErrEraseFail, ErrMagicNotPossible, ErrNoDeletedBlocks,
	ErrFileExists, ErrNotAFile, ErrProbeTooFewBlocks, ErrProbeNotAFS, ErrNameTooLong, ErrIndexWrongID,
	ErrDataWrongID, ErrInternal, ErrIO,
}

// Code returns the numeric code of the error. Nil error is reported as 0.
// Flash driver failures are reported as ErrIO or ErrEraseFail, any other unknown error as ErrInternal.
func Code(err error) int {
	if err == nil {
		return 0
	}
	var fsErr *Error
	if errors.As(err, &fsErr) {
		return fsErr.Code
	}
	var ioErr *persistence.IOError
	if errors.As(err, &ioErr) {
		if ioErr.Op == persistence.OpErase {
			return ErrEraseFail.Code
		}
		return ErrIO.Code
	}
	switch {
	case errors.Is(err, persistence.ErrNotFormatted):
		return ErrNotAFS.Code
	case errors.Is(err, persistence.ErrProbeTooFewBlocks):
		return ErrProbeTooFewBlocks.Code
	case errors.Is(err, persistence.ErrProbeNotAFS):
		return ErrProbeNotAFS.Code
	case errors.Is(err, geometry.ErrMagicNotPossible):
		return ErrMagicNotPossible.Code
	}
	return ErrInternal.Code
}

// ErrorByCode returns the error represented by the code.
func ErrorByCode(code int) (*Error, bool) {
	for _, e := range allErrors {
		if e.Code == code {
			return e, true
		}
	}
	return nil, false
}
