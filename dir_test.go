package sftp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dirListingServer answers OPENDIR with a fixed handle and serves one
// READDIR batch of two entries before signaling EOF, exercising Dir's full
// lifecycle.
type dirListingServer struct {
	batch int
}

func (s *dirListingServer) handle(typ byte, payload []byte) []byte {
	switch typ {
	case fxpOpendir:
		id, _, err := unmarshalUint32Safe(payload)
		if err != nil {
			return nil
		}
		return marshalPacket(fxpHandle, encodeHandleReplyForTest(id, "dir-1"))
	case fxpReaddir:
		id, _, err := unmarshalUint32Safe(payload)
		if err != nil {
			return nil
		}
		s.batch++
		switch s.batch {
		case 1:
			b := marshalUint32(nil, id)
			b = marshalUint32(b, 2)
			b = marshalString(b, "a.txt")
			b = marshalString(b, "-rw-r--r-- a.txt")
			b = append(b, (&FileAttributes{}).encode()...)
			b = marshalString(b, "b.txt")
			b = marshalString(b, "-rw-r--r-- b.txt")
			b = append(b, (&FileAttributes{}).encode()...)
			return marshalPacket(fxpName, b)
		case 2:
			return marshalPacket(fxpStatus, encodeStatusReplyForTest(id, statusEOF, "eof"))
		default:
			// Dir.ReadAll must stop calling READDIR once EOF is seen.
			return marshalPacket(fxpStatus, encodeStatusReplyForTest(id, statusFailure, "unexpected extra READDIR"))
		}
	case fxpClose:
		id, _, err := unmarshalUint32Safe(payload)
		if err != nil {
			return nil
		}
		return marshalPacket(fxpStatus, encodeStatusReplyForTest(id, statusOK, ""))
	}
	return nil
}

func TestDirReadAllDrainsAndClosesOnEOF(t *testing.T) {
	srv := &dirListingServer{}
	client, _ := newTestClient(t, srv.handle)

	d, err := OpenDir(context.Background(), client, "/home/user")
	require.NoError(t, err)

	entries, err := d.ReadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "/home/user/a.txt", entries[0].Name)
	assert.Equal(t, "/home/user/b.txt", entries[1].Name)

	require.NoError(t, d.Close(context.Background()))
}

func TestDirClosesOnReaddirError(t *testing.T) {
	handler := func(typ byte, payload []byte) []byte {
		switch typ {
		case fxpOpendir:
			id, _, _ := unmarshalUint32Safe(payload)
			return marshalPacket(fxpHandle, encodeHandleReplyForTest(id, "dir-1"))
		case fxpReaddir:
			id, _, _ := unmarshalUint32Safe(payload)
			return marshalPacket(fxpStatus, encodeStatusReplyForTest(id, statusPermissionDenied, "nope"))
		case fxpClose:
			id, _, _ := unmarshalUint32Safe(payload)
			return marshalPacket(fxpStatus, encodeStatusReplyForTest(id, statusOK, ""))
		}
		return nil
	}
	client, _ := newTestClient(t, handler)

	d, err := OpenDir(context.Background(), client, "/home/user")
	require.NoError(t, err)

	_, err = d.ReadDir(context.Background())
	require.Error(t, err)
	var pd *PermissionDeniedError
	require.ErrorAs(t, err, &pd)

	// Close after the error should be a no-op, not a second CLOSE.
	require.NoError(t, d.Close(context.Background()))
}

func TestDirDoubleCloseIsNoOp(t *testing.T) {
	srv := &dirListingServer{}
	client, _ := newTestClient(t, srv.handle)

	d, err := OpenDir(context.Background(), client, "/x")
	require.NoError(t, err)

	require.NoError(t, d.Close(context.Background()))
	require.NoError(t, d.Close(context.Background()))
}
