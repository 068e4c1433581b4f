package sftp

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRead struct {
	offset uint64
	length uint32
}

// scriptedReadServer answers READ requests against handle "h" using a
// map of canned byte slices keyed by request offset, and records every
// request it sees (offset, length) for assertion.
type scriptedReadServer struct {
	mu       sync.Mutex
	calls    int
	seen     []recordedRead
	byOffset map[uint64][]byte
}

func (s *scriptedReadServer) handle(typ byte, payload []byte) []byte {
	if typ != fxpRead {
		return nil
	}
	id, b, err := unmarshalUint32Safe(payload)
	if err != nil {
		return nil
	}
	_, b, err = unmarshalStringSafe(b) // handle, unused
	if err != nil {
		return nil
	}
	offset, b, err := unmarshalUint64Safe(b)
	if err != nil {
		return nil
	}
	length, _, err := unmarshalUint32Safe(b)
	if err != nil {
		return nil
	}

	s.mu.Lock()
	s.seen = append(s.seen, recordedRead{offset: offset, length: length})
	data, ok := s.byOffset[offset]
	s.mu.Unlock()

	if !ok {
		return marshalPacket(fxpStatus, encodeStatusReplyForTest(id, statusEOF, "eof"))
	}
	return marshalPacket(fxpData, encodeDataReplyForTest(id, data))
}

func TestPipelinedReaderShortReadRecovery(t *testing.T) {
	srv := &scriptedReadServer{byOffset: map[uint64][]byte{
		0:    make([]byte, 4096),
		4096: make([]byte, 3072), // short read: server only returns 3072 of the requested 4096
		7168: make([]byte, 1024), // the gap-filling READ(7168, 1024) this should trigger
	}}
	client, _ := newTestClient(t, srv.handle)

	r := newReaderWithCap(client, "h", -1, 4096, 2, 4)

	chunk, err := r.readNext(context.Background())
	require.NoError(t, err)
	assert.Len(t, chunk, 4096)

	chunk, err = r.readNext(context.Background())
	require.NoError(t, err)
	assert.Len(t, chunk, 3072, "short read must be handed to the caller as-is")

	assert.Equal(t, uint32(3072), r.chunkSize, "chunk size should shrink to max(512, returned_length)")

	// issue sends each READ from a background goroutine; consuming the gap
	// chunk waits for its reply, so the server has logged the request by then.
	chunk, err = r.readNext(context.Background())
	require.NoError(t, err)
	assert.Len(t, chunk, 1024, "the gap-filling READ covers the missing 1024 bytes")

	srv.mu.Lock()
	found := false
	for _, c := range srv.seen {
		if c.offset == 7168 && c.length == 1024 {
			found = true
		}
	}
	srv.mu.Unlock()
	assert.True(t, found, "expected a gap-filling READ(offset=7168, count=1024)")
}

func TestPipelinedReaderEOFIsPermanent(t *testing.T) {
	srv := &scriptedReadServer{byOffset: map[uint64][]byte{}}
	client, _ := newTestClient(t, srv.handle)

	r := newReaderWithCap(client, "h", -1, 4096, 1, 4)

	chunk, err := r.readNext(context.Background())
	require.NoError(t, err)
	assert.Empty(t, chunk)
	assert.Equal(t, 0, r.currentCap)

	before := len(srv.seen)
	chunk, err = r.readNext(context.Background())
	require.NoError(t, err)
	assert.Empty(t, chunk)
	srv.mu.Lock()
	after := len(srv.seen)
	srv.mu.Unlock()
	assert.Equal(t, before, after, "no new requests should be issued once EOF has latched")
}

func TestPipelinedReaderWindowNeverExceedsMaxPending(t *testing.T) {
	data := make([]byte, 4096)
	srv := &scriptedReadServer{byOffset: map[uint64][]byte{}}
	for i := 0; i < 40; i++ {
		srv.byOffset[uint64(i)*4096] = data
	}
	client, _ := newTestClient(t, srv.handle)

	r := newReaderWithCap(client, "h", -1, 4096, 1, 4)
	for i := 0; i < 20; i++ {
		_, err := r.readNext(context.Background())
		require.NoError(t, err)
		assert.LessOrEqual(t, len(r.inflight), r.currentCap)
		assert.LessOrEqual(t, r.currentCap, r.maxPending)
	}
}
