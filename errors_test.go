package sftp

import (
	"errors"
	"io/fs"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPathNotFoundErrorMatchesStdlibNotExist(t *testing.T) {
	var err error = &PathNotFoundError{Path: "/missing"}
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.False(t, errors.Is(err, fs.ErrPermission))
}

func TestPermissionDeniedErrorMatchesStdlibPermission(t *testing.T) {
	var err error = &PermissionDeniedError{Message: "denied"}
	assert.True(t, errors.Is(err, fs.ErrPermission))
	assert.True(t, errors.Is(err, os.ErrPermission))
	assert.False(t, errors.Is(err, fs.ErrNotExist))
}

func TestPathNotFoundErrorAppendsPathWithoutDoublingPeriod(t *testing.T) {
	withDot := &PathNotFoundError{Path: "/a", Message: "No such file."}
	assert.Equal(t, "No such file. Path: '/a'", withDot.Error())

	withoutDot := &PathNotFoundError{Path: "/a", Message: "no such file"}
	assert.Equal(t, "no such file Path: '/a'.", withoutDot.Error())
}

func TestStatusToErrMapsKnownCodes(t *testing.T) {
	assert.NoError(t, statusToErr(statusOK, "", ""))
	assert.ErrorIs(t, statusToErr(statusEOF, "", ""), errStatusEOF)

	var pnf *PathNotFoundError
	assert.ErrorAs(t, statusToErr(statusNoSuchFile, "nope", "/a"), &pnf)
	assert.Equal(t, "/a", pnf.Path)

	var pd *PermissionDeniedError
	assert.ErrorAs(t, statusToErr(statusPermissionDenied, "nope", ""), &pd)

	var se *StatusError
	assert.ErrorAs(t, statusToErr(statusFailure, "oops", ""), &se)
	assert.Equal(t, uint32(statusFailure), se.Code)
}
