package sftp

import (
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// ArgumentError reports a caller-supplied invalid input, detected before
// any network I/O — bad open mode/access combination, an out-of-range
// permission digit, and so on.
type ArgumentError struct {
	Param string
	Msg   string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("sftp: invalid argument %q: %s", e.Param, e.Msg)
}

// ErrDisposed is returned by any operation invoked on a File, Dir, or
// pipelined reader after it has been closed. A closed Client reports
// ErrConnectionClosed instead.
var ErrDisposed = errors.New("sftp: object disposed")

// ErrConnectionClosed is returned when a request is issued on a session
// with no live channel, or the channel closed while the request was
// outstanding.
var ErrConnectionClosed = errors.New("sftp: connection closed")

// ErrProtocol marks a framing violation, an unknown message type, or a
// response whose request id has no matching pending request. A session
// hitting this error is marked failed and every outstanding request is
// completed with it.
var ErrProtocol = errors.New("sftp: protocol error")

// ErrUnsupported is returned when an operation needs an extension the
// server didn't advertise, or a protocol feature above the negotiated
// version.
var ErrUnsupported = errors.New("sftp: not supported by server")

// errStatusEOF is the internal sentinel for SSH_FX_EOF. READ turns it into
// an empty byte slice and READDIR into normal iteration end; other
// operations that receive an EOF status return it unchanged.
var errStatusEOF = errors.New("sftp: eof status")

// PathNotFoundError is the mapping of SSH_FX_NO_SUCH_FILE, carrying the
// client-requested path when one is known.
type PathNotFoundError struct {
	Path    string
	Message string
}

func (e *PathNotFoundError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = statusDefaultMessage(statusNoSuchFile)
	}
	if e.Path == "" {
		return msg
	}
	if strings.HasSuffix(msg, ".") {
		return fmt.Sprintf("%s Path: '%s'", msg, e.Path)
	}
	return fmt.Sprintf("%s Path: '%s'.", msg, e.Path)
}

// Is reports NO_SUCH_FILE as the stdlib's fs.ErrNotExist, so callers can
// write errors.Is(err, fs.ErrNotExist)/os.IsNotExist-style checks against
// an SFTP error the same way they would against a local os.Open failure.
func (e *PathNotFoundError) Is(target error) bool {
	return target == fs.ErrNotExist || target == os.ErrNotExist
}

// PermissionDeniedError is the mapping of SSH_FX_PERMISSION_DENIED.
type PermissionDeniedError struct {
	Message string
}

func (e *PermissionDeniedError) Error() string {
	if e.Message == "" {
		return statusDefaultMessage(statusPermissionDenied)
	}
	return e.Message
}

// Is reports PERMISSION_DENIED as fs.ErrPermission, mirroring
// PathNotFoundError's fs.ErrNotExist mapping.
func (e *PermissionDeniedError) Is(target error) bool {
	return target == fs.ErrPermission || target == os.ErrPermission
}

// StatusError is the mapping of any server status other than OK,
// NO_SUCH_FILE, or PERMISSION_DENIED: it carries both the raw status code
// and the server's message.
type StatusError struct {
	Code    uint32
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return statusDefaultMessage(e.Code)
}

// statusDefaultMessage supplies a human-readable sentence for the small
// set of well-known status codes; anything else stringifies the code.
func statusDefaultMessage(code uint32) string {
	switch code {
	case statusOK:
		return "success"
	case statusNoSuchFile:
		return "no such file"
	case statusPermissionDenied:
		return "permission denied"
	case statusFailure:
		return "an SFTP command failed"
	case statusBadMessage:
		return "a badly formatted packet or other SFTP protocol incompatibility was detected"
	case statusOPUnsupported:
		return "operation unsupported"
	default:
		return fmt.Sprintf("sftp status %d", code)
	}
}

// statusToErr maps a decoded STATUS response to an error of the
// appropriate kind. path, when non-empty, is attached to a PathNotFound
// result.
func statusToErr(code uint32, message, path string) error {
	switch code {
	case statusOK:
		return nil
	case statusEOF:
		return errStatusEOF
	case statusNoSuchFile:
		return &PathNotFoundError{Path: path, Message: message}
	case statusPermissionDenied:
		return &PermissionDeniedError{Message: message}
	default:
		return &StatusError{Code: code, Message: message}
	}
}
