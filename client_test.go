package sftp

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeResolvesWorkingDirectory(t *testing.T) {
	client, _ := newTestClient(t, nil)
	assert.Equal(t, uint32(3), client.version)
	assert.Equal(t, "/", client.cwd)
}

func TestRequestIDsAreUnique(t *testing.T) {
	client, _ := newTestClient(t, nil)
	a := client.conn.nextRequestID()
	b := client.conn.nextRequestID()
	assert.NotEqual(t, a, b)
}

func TestOpenCloseRoundTrip(t *testing.T) {
	var mu sync.Mutex
	var closeCount int

	handler := func(typ byte, payload []byte) []byte {
		switch typ {
		case fxpOpen:
			id, _, err := unmarshalUint32Safe(payload)
			require.NoError(t, err)
			return marshalPacket(fxpHandle, encodeHandleReplyForTest(id, "handle-1"))
		case fxpClose:
			mu.Lock()
			closeCount++
			mu.Unlock()
			id, _, err := unmarshalUint32Safe(payload)
			require.NoError(t, err)
			return marshalPacket(fxpStatus, encodeStatusReplyForTest(id, statusOK, ""))
		}
		return nil
	}

	client, _ := newTestClient(t, handler)

	handle, err := client.Open(context.Background(), "/tmp/foo", flagRead, &FileAttributes{})
	require.NoError(t, err)
	assert.Equal(t, "handle-1", handle)

	require.NoError(t, client.CloseHandle(context.Background(), handle))
	require.NoError(t, client.CloseHandle(context.Background(), handle))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, closeCount, "CloseHandle issues one CLOSE per call; dedup belongs to File, not the session")
}

func TestStatMapsNoSuchFileToPathNotFound(t *testing.T) {
	handler := func(typ byte, payload []byte) []byte {
		if typ != fxpLstat {
			return nil
		}
		id, _, err := unmarshalUint32Safe(payload)
		require.NoError(t, err)
		return marshalPacket(fxpStatus, encodeStatusReplyForTest(id, statusNoSuchFile, "no such file"))
	}
	client, _ := newTestClient(t, handler)

	_, err := client.Lstat(context.Background(), "/missing")
	require.Error(t, err)
	var pnf *PathNotFoundError
	require.ErrorAs(t, err, &pnf)
	assert.Equal(t, "/missing", pnf.Path)
}

func TestCanonicalPathUsesRealpathDirectly(t *testing.T) {
	handler := func(typ byte, payload []byte) []byte {
		if typ != fxpRealpath {
			return nil
		}
		id, path, err := decodeRealpathRequestForTest(payload)
		require.NoError(t, err)
		if path == "/a/b" {
			return marshalPacket(fxpName, encodeNameReplyForTest(id, "/a/b", "/a/b"))
		}
		return nil
	}
	client, _ := newTestClient(t, handler)

	resolved, err := client.CanonicalPath(context.Background(), "/a/b")
	require.NoError(t, err)
	assert.Equal(t, "/a/b", resolved)
}

func TestOptimalReadLengthSubtractsDataHeaderOverhead(t *testing.T) {
	client, _ := newTestClient(t, nil)
	got := client.calculateOptimalReadLength(100)
	assert.Equal(t, uint32(100-13), got)
}

func TestOptimalWriteLengthSubtractsHandleAndHeaderOverhead(t *testing.T) {
	client, _ := newTestClient(t, nil)
	got := client.calculateOptimalWriteLength(100, "abcd")
	assert.Equal(t, uint32(100-25-4), got)
}

func TestUnknownResponseTypeFailsTheSessionForAllPendingRequests(t *testing.T) {
	// The fake channel's fxpOpen handler replies with a bogus message type
	// (fxpInit is never a valid response to anything past the handshake),
	// which dispatch has no case for. The waiting caller must observe
	// ErrProtocol, not hang or panic.
	handler := func(typ byte, payload []byte) []byte {
		if typ != fxpOpen {
			return nil
		}
		id, _, err := unmarshalUint32Safe(payload)
		require.NoError(t, err)
		return marshalPacket(fxpInit, marshalUint32(nil, id))
	}
	client, _ := newTestClient(t, handler)

	_, err := client.Open(context.Background(), "/a", flagRead, &FileAttributes{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestUnmatchedRequestIDFailsTheWholeSession(t *testing.T) {
	// A response carrying an id nobody is waiting on marks the session
	// failed and every outstanding request (including this one) observes
	// ErrProtocol — dispatch has no way to tell a stale delivery from
	// genuine desync, so it treats both as fatal.
	handler := func(typ byte, payload []byte) []byte {
		if typ != fxpOpen {
			return nil
		}
		id, _, err := unmarshalUint32Safe(payload)
		require.NoError(t, err)
		return marshalPacket(fxpStatus, encodeStatusReplyForTest(id+999, statusOK, ""))
	}
	client, _ := newTestClient(t, handler)

	_, err := client.Open(context.Background(), "/a", flagRead, &FileAttributes{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)

	// The session stays failed for later requests too.
	_, err = client.Open(context.Background(), "/b", flagRead, &FileAttributes{})
	require.Error(t, err)
}
