package sftp

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeChannel is an in-process channel implementation driving the client
// against a synchronous, test-supplied responder instead of a real SSH
// pipe. INIT/VERSION is answered automatically; everything else goes
// through the handle callback, keyed by message type and payload.
type fakeChannel struct {
	mu     sync.Mutex
	onData func([]byte)
	reasm  packetReassembler
	handle func(typ byte, payload []byte) []byte
}

// SendBytes feeds outgoing bytes through the shared reassembler and
// synchronously invokes the test responder for each decoded packet. The
// reassembler and the responder dispatch are guarded by f.mu for the
// whole call, not just the field reads: readNext's background goroutines
// (reader.go's issue) call this concurrently for pipelined reads, and the
// reassembler's buf is not safe for concurrent feed calls.
func (f *fakeChannel) SendBytes(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cb := f.onData
	h := f.handle

	packets, err := f.reasm.feed(b)
	if err != nil {
		return err
	}
	for _, p := range packets {
		if p.typ == fxpInit {
			resp := marshalPacket(fxpVersion, marshalUint32(nil, sftpProtocolVersion))
			if cb != nil {
				cb(resp)
			}
			continue
		}
		if h != nil {
			if resp := h(p.typ, p.payload); resp != nil && cb != nil {
				cb(resp)
			}
		}
	}
	return nil
}

func (f *fakeChannel) OnChannelData(cb func([]byte)) {
	f.mu.Lock()
	f.onData = cb
	f.mu.Unlock()
}

func (f *fakeChannel) LocalPacketSize() uint32  { return 32 * 1024 }
func (f *fakeChannel) RemotePacketSize() uint32 { return 32 * 1024 }
func (f *fakeChannel) IsOpen() bool              { return true }
func (f *fakeChannel) Close() error              { return nil }

// newTestClient negotiates a Client over a fakeChannel. The default
// REALPATH(".") the constructor issues resolves to "/"; extra is layered
// on top for test-specific request types.
func newTestClient(t *testing.T, extra func(typ byte, payload []byte) []byte) (*Client, *fakeChannel) {
	t.Helper()
	fc := &fakeChannel{}
	fc.handle = func(typ byte, payload []byte) []byte {
		if typ == fxpRealpath {
			id, path, err := decodeRealpathRequestForTest(payload)
			require.NoError(t, err)
			if path == "." {
				return marshalPacket(fxpName, encodeNameReplyForTest(id, "/", "/"))
			}
		}
		if extra != nil {
			return extra(typ, payload)
		}
		return nil
	}

	c, err := NewClientFromChannel(context.Background(), fc)
	require.NoError(t, err)
	return c, fc
}

func decodeRealpathRequestForTest(b []byte) (id uint32, path string, err error) {
	id, b, err = unmarshalUint32Safe(b)
	if err != nil {
		return 0, "", err
	}
	path, _, err = unmarshalStringSafe(b)
	return id, path, err
}

func encodeNameReplyForTest(id uint32, name, longname string) []byte {
	b := marshalUint32(nil, id)
	b = marshalUint32(b, 1)
	b = marshalString(b, name)
	b = marshalString(b, longname)
	b = append(b, (&FileAttributes{}).encode()...)
	return b
}

func encodeStatusReplyForTest(id, code uint32, message string) []byte {
	b := marshalUint32(nil, id)
	b = marshalUint32(b, code)
	b = marshalString(b, message)
	return marshalString(b, "en")
}

func encodeHandleReplyForTest(id uint32, handle string) []byte {
	b := marshalUint32(nil, id)
	return marshalString(b, handle)
}

func encodeDataReplyForTest(id uint32, data []byte) []byte {
	b := marshalUint32(nil, id)
	b = marshalUint32(b, uint32(len(data)))
	return append(b, data...)
}
