package sftp

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// channel is the abstract transport contract the session depends on. It
// knows nothing about SSH beyond "reliable, ordered, framed byte delivery
// inside one channel" — the concrete adapter lives in transport.go.
type channel interface {
	SendBytes([]byte) error
	OnChannelData(func([]byte))
	LocalPacketSize() uint32
	RemotePacketSize() uint32
	IsOpen() bool
	Close() error
}

// result is what a PendingRequest resolves to: the decoded payload for the
// response type the caller expected, or an error.
type result struct {
	typ     byte
	payload []byte
	err     error
}

// clientConn is the request/response multiplexer: one channel, one
// monotonic request-id counter, one pending-request table.
type clientConn struct {
	ch channel

	mu      sync.Mutex
	inflight map[uint32]chan<- result
	nextID  uint64

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	reassembler packetReassembler
}

func newClientConn(ch channel) *clientConn {
	c := &clientConn{
		ch:       ch,
		inflight: make(map[uint32]chan<- result),
		closed:   make(chan struct{}),
	}
	ch.OnChannelData(c.onData)
	return c
}

// onData is the single ingress path: it owns the reassembly buffer
// exclusively (spec §5) and dispatches each whole packet it decodes.
func (c *clientConn) onData(data []byte) {
	packets, err := c.reassembler.feed(data)
	if err != nil {
		c.fail(errors.Wrap(ErrProtocol, err.Error()))
		return
	}
	for _, p := range packets {
		c.dispatch(p)
	}
}

func (c *clientConn) dispatch(p rawPacket) {
	var id uint32
	var err error

	switch p.typ {
	case fxpStatus:
		id, _, _, _, err = decodeStatusPacket(p.payload)
	case fxpHandle:
		id, _, err = decodeHandlePacket(p.payload)
	case fxpData:
		id, _, err = decodeDataPacket(p.payload)
	case fxpName:
		id, _, err = decodeNamePacket(p.payload)
	case fxpAttrs:
		id, _, err = decodeAttrsPacket(p.payload)
	case fxpExtendedReply:
		id, _, err = decodeExtendedReplyPacket(p.payload)
	default:
		c.fail(errors.Wrapf(ErrProtocol, "unexpected message type %s", fxpTypeName(p.typ)))
		return
	}
	if err != nil {
		c.fail(errors.Wrap(ErrProtocol, err.Error()))
		return
	}

	c.mu.Lock()
	ch, ok := c.inflight[id]
	if ok {
		delete(c.inflight, id)
	}
	c.mu.Unlock()

	if !ok {
		c.fail(errors.Wrapf(ErrProtocol, "response id %d has no pending request", id))
		return
	}
	ch <- result{typ: p.typ, payload: p.payload}
}

// fail marks the session permanently broken and wakes every outstanding
// waiter with the given error.
func (c *clientConn) fail(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		c.mu.Lock()
		pending := c.inflight
		c.inflight = make(map[uint32]chan<- result)
		c.mu.Unlock()
		for _, ch := range pending {
			ch <- result{err: err}
		}
		close(c.closed)
		_ = c.ch.Close()
	})
}

func (c *clientConn) Close() error {
	c.fail(ErrConnectionClosed)
	return nil
}

func (c *clientConn) nextRequestID() uint32 {
	return uint32(atomic.AddUint64(&c.nextID, 1))
}

// send registers a one-shot completion channel for id, writes the packet,
// and returns the channel — holding no lock across the write, per spec
// §4.1 ("the send path must hold no lock that the receive path also
// takes").
func (c *clientConn) send(id uint32, typ byte, body []byte) (<-chan result, error) {
	select {
	case <-c.closed:
		return nil, c.closeErr
	default:
	}

	ch := make(chan result, 1)
	c.mu.Lock()
	c.inflight[id] = ch
	c.mu.Unlock()

	if err := c.ch.SendBytes(marshalPacket(typ, body)); err != nil {
		c.mu.Lock()
		delete(c.inflight, id)
		c.mu.Unlock()
		return nil, err
	}
	return ch, nil
}

// roundTrip issues one request and waits for its response, honoring ctx
// cancellation/deadline per spec §5. A cancelled or timed-out wait does
// not withdraw the request from the pending table — the eventual late
// response is simply discarded by whichever code path drains `ch`.
func (c *clientConn) roundTrip(ctx context.Context, typ byte, body []byte) (result, error) {
	id, _ := unmarshalUint32(body) // every request body starts with its id
	ch, err := c.send(id, typ, body)
	if err != nil {
		return result{}, err
	}
	select {
	case r := <-ch:
		if r.err != nil {
			return result{}, r.err
		}
		return r, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return result{}, errTimeout
		}
		return result{}, errCancelled
	case <-c.closed:
		return result{}, c.closeErr
	}
}

var (
	errTimeout   = errors.New("sftp: operation timed out")
	errCancelled = errors.New("sftp: operation cancelled")
)

// Client is the session layer's public handle: one negotiated SFTP
// connection over one SSH channel.
type Client struct {
	conn *clientConn

	version    uint32
	extensions map[string]string

	mu  sync.Mutex
	cwd string
}

// ClientOption configures a Client at construction.
type ClientOption func(*Client)

// NewClientFromChannel negotiates a session over an already-open channel.
// It performs the INIT/VERSION handshake and resolves the initial working
// directory before returning, exactly as spec §4.1 requires.
func NewClientFromChannel(ctx context.Context, ch channel, opts ...ClientOption) (*Client, error) {
	c := &Client{conn: newClientConn(ch)}
	for _, opt := range opts {
		opt(c)
	}

	version, extensions, err := c.awaitVersion(ctx)
	if err != nil {
		c.conn.Close()
		return nil, err
	}
	if version > 3 {
		c.conn.Close()
		return nil, errors.Wrapf(ErrProtocol, "server negotiated unsupported version %d", version)
	}
	c.version = version
	c.extensions = extensions

	cwd, err := c.RealPath(ctx, ".")
	if err != nil {
		c.conn.Close()
		return nil, err
	}
	c.cwd = cwd

	return c, nil
}

// awaitVersion installs a handshake-only data handler *before* sending
// INIT (so a synchronous or very fast transport can never deliver VERSION
// to the conn's normal dispatch table, which does not expect it), sends
// INIT, and blocks for exactly one VERSION packet.
func (c *Client) awaitVersion(ctx context.Context) (uint32, map[string]string, error) {
	type handshakeResult struct {
		version    uint32
		extensions map[string]string
		err        error
	}
	done := make(chan handshakeResult, 1)

	var once sync.Once
	c.conn.ch.OnChannelData(func(data []byte) {
		packets, err := c.conn.reassembler.feed(data)
		if err != nil {
			once.Do(func() { done <- handshakeResult{err: errors.Wrap(ErrProtocol, err.Error())} })
			return
		}
		for _, p := range packets {
			if p.typ != fxpVersion {
				once.Do(func() {
					done <- handshakeResult{err: errors.Wrapf(ErrProtocol, "expected VERSION, got type %d", p.typ)}
				})
				return
			}
			version, extensions, err := decodeVersionPacket(p.payload)
			once.Do(func() { done <- handshakeResult{version: version, extensions: extensions, err: err} })
		}
	})

	if err := c.conn.ch.SendBytes(marshalPacket(fxpInit, encodeInitPacket())); err != nil {
		return 0, nil, err
	}

	select {
	case r := <-done:
		c.conn.ch.OnChannelData(c.conn.onData)
		if r.err != nil {
			return 0, nil, r.err
		}
		return r.version, r.extensions, nil
	case <-ctx.Done():
		return 0, nil, errTimeout
	}
}

// HasExtension reports whether the server advertised name in its VERSION
// response.
func (c *Client) HasExtension(name string) bool {
	_, ok := c.extensions[name]
	return ok
}

func (c *Client) requireExtension(name string) error {
	if !c.HasExtension(name) {
		return errors.Wrapf(ErrUnsupported, "extension %q not advertised by server", name)
	}
	return nil
}

// --- Typed operations -------------------------------------------------

func (c *Client) Open(ctx context.Context, path string, pflags uint32, attrs *FileAttributes) (string, error) {
	id := c.conn.nextRequestID()
	r, err := c.conn.roundTrip(ctx, fxpOpen, encodeOpenPacket(id, path, pflags, attrs))
	if err != nil {
		return "", err
	}
	return c.expectHandle(r, path)
}

// CloseHandle issues SSH_FXP_CLOSE, releasing a handle previously returned
// by Open/Opendir.
func (c *Client) CloseHandle(ctx context.Context, handle string) error {
	id := c.conn.nextRequestID()
	r, err := c.conn.roundTrip(ctx, fxpClose, encodeClosePacket(id, handle))
	if err != nil {
		return err
	}
	return c.expectStatus(r, "")
}

func (c *Client) Read(ctx context.Context, handle string, offset uint64, length uint32) ([]byte, error) {
	id := c.conn.nextRequestID()
	r, err := c.conn.roundTrip(ctx, fxpRead, encodeReadPacket(id, handle, offset, length))
	if err != nil {
		return nil, err
	}
	if r.typ == fxpStatus {
		if serr := c.statusErr(r, ""); serr != nil {
			if errors.Is(serr, errStatusEOF) {
				return nil, nil
			}
			return nil, serr
		}
		return nil, nil
	}
	if r.typ != fxpData {
		return nil, errors.Wrapf(ErrProtocol, "unexpected response type %d to READ", r.typ)
	}
	_, data, err := decodeDataPacket(r.payload)
	return data, err
}

func (c *Client) Write(ctx context.Context, handle string, offset uint64, data []byte) error {
	id := c.conn.nextRequestID()
	r, err := c.conn.roundTrip(ctx, fxpWrite, encodeWritePacket(id, handle, offset, data))
	if err != nil {
		return err
	}
	return c.expectStatus(r, "")
}

func (c *Client) Lstat(ctx context.Context, path string) (FileAttributes, error) {
	return c.statLike(ctx, fxpLstat, path)
}

func (c *Client) Stat(ctx context.Context, path string) (FileAttributes, error) {
	return c.statLike(ctx, fxpStat, path)
}

func (c *Client) statLike(ctx context.Context, typ byte, path string) (FileAttributes, error) {
	id := c.conn.nextRequestID()
	r, err := c.conn.roundTrip(ctx, typ, encodePathPacket(id, path))
	if err != nil {
		return FileAttributes{}, err
	}
	return c.expectAttrs(r, path)
}

func (c *Client) Fstat(ctx context.Context, handle string) (FileAttributes, error) {
	id := c.conn.nextRequestID()
	r, err := c.conn.roundTrip(ctx, fxpFstat, encodeHandlePacket(id, handle))
	if err != nil {
		return FileAttributes{}, err
	}
	return c.expectAttrs(r, "")
}

func (c *Client) Setstat(ctx context.Context, path string, attrs *FileAttributes) error {
	id := c.conn.nextRequestID()
	r, err := c.conn.roundTrip(ctx, fxpSetstat, encodeSetstatPacket(id, path, attrs))
	if err != nil {
		return err
	}
	return c.expectStatus(r, path)
}

func (c *Client) Fsetstat(ctx context.Context, handle string, attrs *FileAttributes) error {
	id := c.conn.nextRequestID()
	r, err := c.conn.roundTrip(ctx, fxpFsetstat, encodeFsetstatPacket(id, handle, attrs))
	if err != nil {
		return err
	}
	return c.expectStatus(r, "")
}

func (c *Client) Opendir(ctx context.Context, path string) (string, error) {
	id := c.conn.nextRequestID()
	r, err := c.conn.roundTrip(ctx, fxpOpendir, encodePathPacket(id, path))
	if err != nil {
		return "", err
	}
	return c.expectHandle(r, path)
}

// Readdir issues one READDIR. ok is false once the server signals EOF.
func (c *Client) Readdir(ctx context.Context, handle string) (entries []nameEntry, ok bool, err error) {
	id := c.conn.nextRequestID()
	r, err := c.conn.roundTrip(ctx, fxpReaddir, encodeHandlePacket(id, handle))
	if err != nil {
		return nil, false, err
	}
	if r.typ == fxpStatus {
		serr := c.statusErr(r, "")
		if serr == nil || errors.Is(serr, errStatusEOF) {
			return nil, false, nil
		}
		return nil, false, serr
	}
	if r.typ != fxpName {
		return nil, false, errors.Wrapf(ErrProtocol, "unexpected response type %d to READDIR", r.typ)
	}
	_, names, err := decodeNamePacket(r.payload)
	if err != nil {
		return nil, false, err
	}
	return names, true, nil
}

func (c *Client) Remove(ctx context.Context, path string) error {
	id := c.conn.nextRequestID()
	r, err := c.conn.roundTrip(ctx, fxpRemove, encodePathPacket(id, path))
	if err != nil {
		return err
	}
	return c.expectStatus(r, path)
}

func (c *Client) Mkdir(ctx context.Context, path string, attrs *FileAttributes) error {
	id := c.conn.nextRequestID()
	r, err := c.conn.roundTrip(ctx, fxpMkdir, encodeMkdirPacket(id, path, attrs))
	if err != nil {
		return err
	}
	return c.expectStatus(r, path)
}

func (c *Client) Rmdir(ctx context.Context, path string) error {
	id := c.conn.nextRequestID()
	r, err := c.conn.roundTrip(ctx, fxpRmdir, encodePathPacket(id, path))
	if err != nil {
		return err
	}
	return c.expectStatus(r, path)
}

// RealPath issues SSH_FXP_REALPATH and returns the server's canonicalized
// rendering of path.
func (c *Client) RealPath(ctx context.Context, path string) (string, error) {
	id := c.conn.nextRequestID()
	r, err := c.conn.roundTrip(ctx, fxpRealpath, encodePathPacket(id, path))
	if err != nil {
		return "", err
	}
	if r.typ == fxpStatus {
		return "", c.statusErr(r, path)
	}
	if r.typ != fxpName {
		return "", errors.Wrapf(ErrProtocol, "unexpected response type %d to REALPATH", r.typ)
	}
	_, names, err := decodeNamePacket(r.payload)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", errors.Wrap(ErrProtocol, "REALPATH returned no names")
	}
	return names[0].name, nil
}

// RealPathOrNil is the "null_on_error" form: any error is swallowed and
// reported as an empty string rather than failing the caller.
func (c *Client) RealPathOrNil(ctx context.Context, path string) string {
	p, err := c.RealPath(ctx, path)
	if err != nil {
		return ""
	}
	return p
}

func (c *Client) Rename(ctx context.Context, oldpath, newpath string) error {
	id := c.conn.nextRequestID()
	r, err := c.conn.roundTrip(ctx, fxpRename, encodeTwoPathPacket(id, oldpath, newpath))
	if err != nil {
		return err
	}
	return c.expectStatus(r, oldpath)
}

func (c *Client) Readlink(ctx context.Context, path string) (string, error) {
	id := c.conn.nextRequestID()
	r, err := c.conn.roundTrip(ctx, fxpReadlink, encodePathPacket(id, path))
	if err != nil {
		return "", err
	}
	if r.typ == fxpStatus {
		return "", c.statusErr(r, path)
	}
	if r.typ != fxpName {
		return "", errors.Wrapf(ErrProtocol, "unexpected response type %d to READLINK", r.typ)
	}
	_, names, err := decodeNamePacket(r.payload)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", errors.Wrap(ErrProtocol, "READLINK returned no names")
	}
	return names[0].name, nil
}

func (c *Client) Symlink(ctx context.Context, linkpath, targetpath string) error {
	id := c.conn.nextRequestID()
	r, err := c.conn.roundTrip(ctx, fxpSymlink, encodeTwoPathPacket(id, linkpath, targetpath))
	if err != nil {
		return err
	}
	return c.expectStatus(r, linkpath)
}

// PosixRename issues the posix-rename@openssh.com extension, which
// (unlike RENAME) atomically overwrites newpath if it already exists.
func (c *Client) PosixRename(ctx context.Context, oldpath, newpath string) error {
	if err := c.requireExtension(extPosixRename); err != nil {
		return err
	}
	id := c.conn.nextRequestID()
	data := marshalString(marshalString(nil, oldpath), newpath)
	r, err := c.conn.roundTrip(ctx, fxpExtended, encodeExtendedPacket(id, extPosixRename, data))
	if err != nil {
		return err
	}
	return c.expectStatus(r, oldpath)
}

func (c *Client) StatVFS(ctx context.Context, path string) (statVFS, error) {
	if err := c.requireExtension(extStatVFS); err != nil {
		return statVFS{}, err
	}
	id := c.conn.nextRequestID()
	data := marshalString(nil, path)
	r, err := c.conn.roundTrip(ctx, fxpExtended, encodeExtendedPacket(id, extStatVFS, data))
	if err != nil {
		return statVFS{}, err
	}
	if r.typ == fxpStatus {
		return statVFS{}, c.statusErr(r, path)
	}
	_, payload, err := decodeExtendedReplyPacket(r.payload)
	if err != nil {
		return statVFS{}, err
	}
	return decodeStatVFS(payload)
}

func (c *Client) FstatVFS(ctx context.Context, handle string) (statVFS, error) {
	if err := c.requireExtension(extFStatVFS); err != nil {
		return statVFS{}, err
	}
	id := c.conn.nextRequestID()
	data := marshalString(nil, handle)
	r, err := c.conn.roundTrip(ctx, fxpExtended, encodeExtendedPacket(id, extFStatVFS, data))
	if err != nil {
		return statVFS{}, err
	}
	if r.typ == fxpStatus {
		return statVFS{}, c.statusErr(r, "")
	}
	_, payload, err := decodeExtendedReplyPacket(r.payload)
	if err != nil {
		return statVFS{}, err
	}
	return decodeStatVFS(payload)
}

func (c *Client) Hardlink(ctx context.Context, oldpath, newpath string) error {
	if err := c.requireExtension(extHardlink); err != nil {
		return err
	}
	id := c.conn.nextRequestID()
	data := marshalString(marshalString(nil, oldpath), newpath)
	r, err := c.conn.roundTrip(ctx, fxpExtended, encodeExtendedPacket(id, extHardlink, data))
	if err != nil {
		return err
	}
	return c.expectStatus(r, oldpath)
}

// CanonicalPath resolves p per spec §4.1's four-step fallback. It issues
// up to two suspending REALPATH round trips.
func (c *Client) CanonicalPath(ctx context.Context, p string) (string, error) {
	full := p
	if len(p) == 0 || p[0] != '/' {
		c.mu.Lock()
		cwd := c.cwd
		c.mu.Unlock()
		if len(cwd) > 0 && cwd[len(cwd)-1] == '/' {
			full = cwd + p
		} else {
			full = cwd + "/" + p
		}
	}

	if resolved, err := c.RealPath(ctx, full); err == nil {
		return resolved, nil
	}

	if strings.HasSuffix(full, "/.") || strings.HasSuffix(full, "/..") || full == "/" || !strings.Contains(full, "/") {
		return full, nil
	}

	idx := strings.LastIndex(full, "/")
	parent, last := full[:idx], full[idx+1:]
	if parent == "" {
		parent = "/"
	}
	resolvedParent, err := c.RealPath(ctx, parent)
	if err != nil {
		return full, nil
	}
	if strings.HasSuffix(resolvedParent, "/") {
		return resolvedParent + last, nil
	}
	return resolvedParent + "/" + last, nil
}

// calculateOptimalReadLength caps a READ request so one response fits
// inside one SSH channel-data message: 13 bytes covers the SFTP DATA
// packet's own header (packet length + type + id + data-length field).
func (c *Client) calculateOptimalReadLength(bufferSize uint32) uint32 {
	packetMax := c.conn.ch.LocalPacketSize()
	n := bufferSize
	if packetMax < n {
		n = packetMax
	}
	if n <= 13 {
		return 1
	}
	return n - 13
}

// calculateOptimalWriteLength caps a WRITE payload so the whole request
// (header + handle + data) fits inside one SSH channel-data message: 25
// bytes covers packet length, type, id, handle-length field, offset, and
// data-length field, leaving handle's own bytes to subtract separately.
func (c *Client) calculateOptimalWriteLength(bufferSize uint32, handle string) uint32 {
	max := c.conn.ch.RemotePacketSize()
	n := bufferSize
	if max < n {
		n = max
	}
	overhead := uint32(25 + len(handle))
	if n <= overhead {
		return 1
	}
	return n - overhead
}

// Close tears down the session: the channel is closed and every
// outstanding request is completed with ErrConnectionClosed.
func (c *Client) Close() error { return c.conn.Close() }

// --- response-decoding helpers ----------------------------------------

func (c *Client) statusErr(r result, path string) error {
	_, code, message, _, err := decodeStatusPacket(r.payload)
	if err != nil {
		return err
	}
	return statusToErr(code, message, path)
}

func (c *Client) expectStatus(r result, path string) error {
	if r.typ != fxpStatus {
		return errors.Wrapf(ErrProtocol, "unexpected response type %d", r.typ)
	}
	return c.statusErr(r, path)
}

func (c *Client) expectHandle(r result, path string) (string, error) {
	if r.typ == fxpStatus {
		return "", c.statusErr(r, path)
	}
	if r.typ != fxpHandle {
		return "", errors.Wrapf(ErrProtocol, "unexpected response type %d", r.typ)
	}
	_, handle, err := decodeHandlePacket(r.payload)
	return handle, err
}

func (c *Client) expectAttrs(r result, path string) (FileAttributes, error) {
	if r.typ == fxpStatus {
		return FileAttributes{}, c.statusErr(r, path)
	}
	if r.typ != fxpAttrs {
		return FileAttributes{}, errors.Wrapf(ErrProtocol, "unexpected response type %d", r.typ)
	}
	_, attrs, err := decodeAttrsPacket(r.payload)
	return attrs, err
}
