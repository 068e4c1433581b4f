package sftp

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// OpenMode enumerates the ways a File can be opened.
type OpenMode int

const (
	ModeOpen OpenMode = iota + 1
	ModeOpenOrCreate
	ModeCreate
	ModeCreateNew
	ModeTruncate
	ModeAppend
)

// AccessMode enumerates which operations a File permits.
type AccessMode int

const (
	AccessRead AccessMode = 1 << iota
	AccessWrite
)

const defaultWriteBufferSize = 32 * 1024

// File is a seekable byte stream over a remote SFTP handle: buffered
// writes, seek-aware read-ahead, and (when the server supports FSTAT)
// Seek/Length/SetLength.
type File struct {
	mu sync.Mutex

	client *Client
	handle string
	path   string
	access AccessMode

	position   int64
	seekable   bool
	knownSize  int64
	disposed   bool

	writeBuf     []byte
	writeBufCap  int
	writeBufBase int64 // server offset the head of writeBuf corresponds to

	readBuf    []byte
	readBufPos int64 // file offset readBuf[0] corresponds to
	reader     *pipelinedReader
}

// Open opens path on the session according to mode/access, validating the
// combination before any network I/O (spec §4.2). bufferSize must be > 0;
// it sets the write-buffer capacity and the chunk size of the reader built
// at open time. Readers that Read creates later request 64 KiB chunks.
func Open(ctx context.Context, client *Client, path string, mode OpenMode, access AccessMode, bufferSize int) (*File, error) {
	if access == 0 {
		return nil, &ArgumentError{Param: "access", Msg: "must be nonzero"}
	}
	if mode < ModeOpen || mode > ModeAppend {
		return nil, &ArgumentError{Param: "mode", Msg: "unrecognized open mode"}
	}
	if mode == ModeAppend && access != AccessWrite {
		return nil, &ArgumentError{Param: "access", Msg: "append mode requires write-only access"}
	}
	if access == AccessRead {
		switch mode {
		case ModeCreate, ModeCreateNew, ModeTruncate, ModeAppend:
			return nil, &ArgumentError{Param: "access", Msg: "read-only access is incompatible with this mode"}
		}
	}
	if bufferSize <= 0 {
		return nil, &ArgumentError{Param: "bufferSize", Msg: "must be positive"}
	}

	pflags := openFlags(mode, access)
	handle, err := client.Open(ctx, path, pflags, &FileAttributes{})
	if err != nil {
		return nil, err
	}

	f := &File{
		client:      client,
		handle:      handle,
		path:        path,
		access:      access,
		writeBufCap: bufferSize,
		knownSize:   -1,
	}

	attrs, ferr := client.Fstat(ctx, handle)
	if ferr == nil && attrs.Size >= 0 {
		f.seekable = true
		f.knownSize = attrs.Size
		if mode == ModeAppend {
			f.position = attrs.Size
		}
		if access&AccessRead != 0 {
			f.reader = newWholeFileReader(client, handle, attrs.Size, bufferSize)
		}
	}

	return f, nil
}

func openFlags(mode OpenMode, access AccessMode) uint32 {
	var flags uint32
	if access&AccessRead != 0 {
		flags |= flagRead
	}
	if access&AccessWrite != 0 {
		flags |= flagWrite
	}
	switch mode {
	case ModeAppend:
		flags |= flagAppend | flagCreate
	case ModeCreate:
		flags |= flagCreate | flagTruncate
	case ModeCreateNew:
		flags |= flagCreate | flagExclusive
	case ModeOpenOrCreate:
		flags |= flagCreate
	case ModeTruncate:
		flags |= flagTruncate
	case ModeOpen:
		// no extra bits: open an existing file
	}
	return flags
}

func (f *File) checkAlive() error {
	if f.disposed {
		return ErrDisposed
	}
	return nil
}

// Position returns the caller-visible next read/write offset.
func (f *File) Position() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position
}

// Seekable reports whether Seek/Length/SetLength are supported, a
// one-shot decision made at open time (spec §9).
func (f *File) Seekable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seekable
}

// Read pulls up to len(p) bytes starting at the current position.
func (f *File) Read(ctx context.Context, p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkAlive(); err != nil {
		return 0, err
	}
	if f.access&AccessRead == 0 {
		return 0, errors.Wrap(ErrUnsupported, "file was not opened for reading")
	}
	if len(p) == 0 {
		return 0, nil
	}

	if len(f.readBuf) == 0 {
		if err := f.flushLocked(ctx); err != nil {
			return 0, err
		}
		if f.reader == nil {
			f.reader = newOpportunisticReader(f.client, f.handle, f.knownSize)
			f.reader.currentOffset = f.position
			f.reader.readAheadOffset = f.position
		}
		chunk, err := f.reader.readNext(ctx)
		if err != nil {
			return 0, err
		}
		if len(chunk) == 0 {
			f.reader = nil
			return 0, nil
		}
		f.readBuf = chunk
		f.readBufPos = f.position
	}

	n := copy(p, f.readBuf)
	f.readBuf = f.readBuf[n:]
	f.position += int64(n)
	f.readBufPos += int64(n)
	return n, nil
}

// Write appends p to the write buffer, flushing whenever it fills.
func (f *File) Write(ctx context.Context, p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkAlive(); err != nil {
		return 0, err
	}
	if f.access&AccessWrite == 0 {
		return 0, errors.Wrap(ErrUnsupported, "file was not opened for writing")
	}

	f.invalidateReadLocked()

	total := 0
	for len(p) > 0 {
		if len(f.writeBuf) == 0 {
			f.writeBufBase = f.position
		}
		room := f.writeBufCap - len(f.writeBuf)
		n := room
		if n > len(p) {
			n = len(p)
		}
		f.writeBuf = append(f.writeBuf, p[:n]...)
		p = p[n:]
		f.position += int64(n)
		total += n
		if len(f.writeBuf) >= f.writeBufCap {
			if err := f.flushLocked(ctx); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

// Flush writes any buffered bytes to the server.
func (f *File) Flush(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushLocked(ctx)
}

func (f *File) flushLocked(ctx context.Context) error {
	if len(f.writeBuf) == 0 {
		return nil
	}
	offset := f.writeBufBase
	data := f.writeBuf
	if err := f.client.Write(ctx, f.handle, uint64(offset), data); err != nil {
		return err
	}
	f.writeBuf = f.writeBuf[:0]
	return nil
}

func (f *File) invalidateReadLocked() {
	f.readBuf = nil
	f.reader = nil
}

// Whence values for Seek, matching io.Seeker.
const (
	SeekBegin   = 0
	SeekCurrent = 1
	SeekEnd     = 2
)

// Seek repositions the stream. If the new position falls inside the
// currently buffered read window, the buffer view slides rather than
// being discarded (spec §4.2 scenario 6).
func (f *File) Seek(ctx context.Context, offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkAlive(); err != nil {
		return 0, err
	}
	if !f.seekable {
		return 0, errors.Wrap(ErrUnsupported, "stream is not seekable")
	}
	if err := f.flushLocked(ctx); err != nil {
		return 0, err
	}

	var newPos int64
	switch whence {
	case SeekBegin:
		newPos = offset
	case SeekCurrent:
		newPos = f.position + offset
	case SeekEnd:
		attrs, err := f.client.Fstat(ctx, f.handle)
		if err != nil {
			return 0, err
		}
		f.knownSize = attrs.Size
		newPos = attrs.Size + offset
	default:
		return 0, &ArgumentError{Param: "whence", Msg: "unrecognized"}
	}
	if newPos < 0 {
		return 0, errors.New("sftp: seek before beginning of stream")
	}

	bufStart := f.readBufPos
	bufEnd := f.readBufPos + int64(len(f.readBuf))
	if len(f.readBuf) > 0 && newPos >= bufStart && newPos <= bufEnd {
		f.readBuf = f.readBuf[newPos-bufStart:]
		f.readBufPos = newPos
	} else {
		f.invalidateReadLocked()
	}

	f.position = newPos
	return newPos, nil
}

// Length returns the remote file's current size via FSTAT.
func (f *File) Length(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkAlive(); err != nil {
		return 0, err
	}
	if !f.seekable {
		return 0, errors.Wrap(ErrUnsupported, "stream is not seekable")
	}
	attrs, err := f.client.Fstat(ctx, f.handle)
	if err != nil {
		return 0, err
	}
	return attrs.Size, nil
}

// SetLength truncates or extends the remote file via FSETSTAT.
func (f *File) SetLength(ctx context.Context, length int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkAlive(); err != nil {
		return err
	}
	if !f.seekable {
		return errors.Wrap(ErrUnsupported, "stream is not seekable")
	}
	if err := f.flushLocked(ctx); err != nil {
		return err
	}
	f.invalidateReadLocked()

	attrs, err := f.client.Fstat(ctx, f.handle)
	if err != nil {
		return err
	}
	attrs.SetSize(length)
	if err := f.client.Fsetstat(ctx, f.handle, &attrs); err != nil {
		return err
	}
	if f.position > length {
		f.position = length
	}
	return nil
}

// Close flushes outstanding writes and releases the remote handle.
// Double-close is a no-op.
func (f *File) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disposed {
		return nil
	}
	f.disposed = true

	var flushErr error
	flushErr = f.flushLocked(ctx)

	if f.reader != nil {
		f.reader.dispose()
		f.reader = nil
	}

	if err := f.client.CloseHandle(ctx, f.handle); err != nil {
		if flushErr != nil {
			return flushErr
		}
		return err
	}
	return flushErr
}
