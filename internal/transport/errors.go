package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"os"

	"github.com/pkg/sftp"
)

// ErrorKind classifies a transport failure so callers can pick a retry
// strategy without inspecting protocol-specific error values.
type ErrorKind int

const (
	// KindConnectionLost means the underlying connection is gone.
	// Reconnect and retry without limit.
	KindConnectionLost ErrorKind = iota
	// KindPermissionDenied is terminal for the path. Log and skip.
	KindPermissionDenied
	// KindNotFound is expected in delete races and treated as success there.
	KindNotFound
	// KindIOFailure covers everything else. Retry a bounded number of times.
	KindIOFailure
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnectionLost:
		return "connection_lost"
	case KindPermissionDenied:
		return "permission_denied"
	case KindNotFound:
		return "not_found"
	default:
		return "io_failure"
	}
}

// Error is the uniform failure type for all Transport operations.
type Error struct {
	Kind ErrorKind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Path, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the classification from err. ok is false when err is not
// a transport error.
func KindOf(err error) (ErrorKind, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return 0, false
}

// IsNotFound reports whether err is a transport NotFound error.
func IsNotFound(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindNotFound
}

// IsConnectionLost reports whether err is a transport ConnectionLost error.
func IsConnectionLost(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindConnectionLost
}

// wrapSFTP classifies an error from the pkg/sftp or ssh layer.
func wrapSFTP(op, path string, err error) error {
	if err == nil {
		return nil
	}
	kind := KindIOFailure
	switch {
	case errors.Is(err, os.ErrNotExist) || errors.Is(err, sftp.ErrSSHFxNoSuchFile):
		kind = KindNotFound
	case errors.Is(err, os.ErrPermission) || errors.Is(err, sftp.ErrSSHFxPermissionDenied):
		kind = KindPermissionDenied
	case errors.Is(err, sftp.ErrSSHFxConnectionLost) || errors.Is(err, sftp.ErrSSHFxNoConnection):
		kind = KindConnectionLost
	case isNetworkErr(err):
		kind = KindConnectionLost
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// wrapFTP classifies an error from the jlaffaye/ftp layer. FTP reports
// failures as textproto status codes; 550 covers both "no such file" and
// some permission failures, so it maps to NotFound and delete races stay
// idempotent.
func wrapFTP(op, path string, err error) error {
	if err == nil {
		return nil
	}
	kind := KindIOFailure
	var proto *textproto.Error
	switch {
	case errors.As(err, &proto):
		switch proto.Code {
		case 550:
			kind = KindNotFound
		case 530, 532, 553:
			kind = KindPermissionDenied
		case 421, 425, 426:
			kind = KindConnectionLost
		}
	case isNetworkErr(err):
		kind = KindConnectionLost
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// isNetworkErr reports whether err looks like a dead connection rather
// than a per-file failure.
func isNetworkErr(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	var operr *net.OpError
	return errors.As(err, &operr)
}
