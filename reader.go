package sftp

import (
	"context"
)

// defaultMaxPending bounds how many SSH_FXP_READ requests a pipelinedReader
// keeps outstanding at once, absent a caller-supplied override.
const defaultMaxPending = 16

// minChunkSize is the floor the reader backs off to once a server signals
// it prefers smaller reads (spec §4.3 step 5).
const minChunkSize = 512

type pendingRead struct {
	offset int64
	count  uint32
	done   chan readOutcome
}

type readOutcome struct {
	data []byte
	err  error
}

// pipelinedReader is the bounded, growing-window read-ahead engine of
// spec §4.3: it keeps up to currentCap READ requests in flight and hands
// the caller sequential, gap-free bytes.
type pipelinedReader struct {
	client *Client
	handle string

	ctx    context.Context
	cancel context.CancelFunc

	chunkSize  uint32
	maxPending int
	currentCap int
	knownSize  int64 // -1 if unknown

	currentOffset   int64
	readAheadOffset int64

	inflight map[int64]*pendingRead

	latchedErr error
	eof        bool
	disposed   bool
}

func newReaderWithCap(client *Client, handle string, knownSize int64, chunkSize uint32, currentCap, maxPending int) *pipelinedReader {
	ctx, cancel := context.WithCancel(context.Background())
	return &pipelinedReader{
		client:     client,
		handle:     handle,
		ctx:        ctx,
		cancel:     cancel,
		chunkSize:  chunkSize,
		maxPending: maxPending,
		currentCap: currentCap,
		knownSize:  knownSize,
		inflight:   make(map[int64]*pendingRead),
	}
}

// newOpportunisticReader seeds currentCap at 1 and lets it grow — the
// seed policy for a generic, not-necessarily-whole-file read.
func newOpportunisticReader(client *Client, handle string, knownSize int64) *pipelinedReader {
	chunk := client.calculateOptimalReadLength(64 * 1024)
	return newReaderWithCap(client, handle, knownSize, chunk, 1, defaultMaxPending)
}

// newWholeFileReader seeds currentCap to cover the whole known size
// immediately (bounded by maxPending) — the seed policy used when a File
// is opened for reading and FSTAT already reports a size.
func newWholeFileReader(client *Client, handle string, size int64, bufferSize int) *pipelinedReader {
	chunk := client.calculateOptimalReadLength(uint32(bufferSize))
	if chunk == 0 {
		chunk = minChunkSize
	}
	wanted := 2 + int((size+int64(chunk)-1)/int64(chunk))
	seedCap := wanted
	if seedCap > defaultMaxPending {
		seedCap = defaultMaxPending
	}
	if seedCap < 1 {
		seedCap = 1
	}
	return newReaderWithCap(client, handle, size, chunk, seedCap, defaultMaxPending)
}

// issue starts one READ in the background and registers it in inflight.
func (r *pipelinedReader) issue(offset int64, count uint32) {
	pr := &pendingRead{offset: offset, count: count, done: make(chan readOutcome, 1)}
	r.inflight[offset] = pr
	go func() {
		data, err := r.client.Read(r.ctx, r.handle, uint64(offset), count)
		pr.done <- readOutcome{data: data, err: err}
	}()
}

func (r *pipelinedReader) fillToCapacity() {
	for len(r.inflight) < r.currentCap {
		r.issue(r.readAheadOffset, r.chunkSize)
		r.readAheadOffset += int64(r.chunkSize)
	}
}

func (r *pipelinedReader) growWindow() {
	if r.currentCap == 0 {
		return
	}
	overread := r.knownSize >= 0 && r.readAheadOffset > r.knownSize
	if overread {
		r.currentCap = 1
		return
	}
	sizeOK := r.knownSize < 0 || r.readAheadOffset <= r.knownSize+int64(r.chunkSize)
	if sizeOK && r.currentCap < r.maxPending {
		r.currentCap++
	}
}

// readNext returns the next sequential chunk of bytes, or an empty slice
// at EOF. It implements the state machine of spec §4.3 steps 1-7.
func (r *pipelinedReader) readNext(ctx context.Context) ([]byte, error) {
	if r.latchedErr != nil {
		return nil, r.latchedErr
	}
	if r.eof {
		return nil, nil
	}

	r.fillToCapacity()

	head, ok := r.inflight[r.currentOffset]
	if !ok {
		// Nothing covers the current offset (can happen right after a
		// seek-driven reset); issue it directly and wait.
		r.issue(r.currentOffset, r.chunkSize)
		if r.readAheadOffset < r.currentOffset+int64(r.chunkSize) {
			r.readAheadOffset = r.currentOffset + int64(r.chunkSize)
		}
		head = r.inflight[r.currentOffset]
	}

	var outcome readOutcome
	select {
	case outcome = <-head.done:
	case <-ctx.Done():
		return nil, errCancelled
	}
	delete(r.inflight, head.offset)

	if outcome.err != nil {
		r.latchedErr = outcome.err
		r.currentCap = 0
		return nil, outcome.err
	}

	if len(outcome.data) == 0 {
		r.currentCap = 0
		r.eof = true
		return nil, nil
	}

	if uint32(len(outcome.data)) < head.count {
		// Short read.
		returned := int64(len(outcome.data))
		gapStart := r.currentOffset + returned
		r.currentOffset = gapStart

		if r.knownSize >= 0 && r.knownSize == gapStart {
			if next, ok := r.inflight[gapStart]; ok {
				select {
				case nextOutcome := <-next.done:
					if nextOutcome.err == nil && len(nextOutcome.data) == 0 {
						delete(r.inflight, gapStart)
						r.currentOffset = gapStart + int64(next.count)
						r.currentCap = 0
						r.eof = true
						return outcome.data, nil
					}
					// Not actually EOF: put the outcome back so the next
					// readNext call drains it through the normal head-wait path.
					next.done <- nextOutcome
				case <-ctx.Done():
					return outcome.data, nil
				}
			}
		}

		missing := head.count - uint32(len(outcome.data))
		r.issue(gapStart, missing)
		if r.readAheadOffset < gapStart+int64(missing) {
			r.readAheadOffset = gapStart + int64(missing)
		}
		if uint32(len(outcome.data)) < r.chunkSize {
			newChunk := uint32(len(outcome.data))
			if newChunk < minChunkSize {
				newChunk = minChunkSize
			}
			r.chunkSize = newChunk
		}
		r.growWindow()
		return outcome.data, nil
	}

	r.currentOffset += int64(len(outcome.data))
	r.growWindow()
	return outcome.data, nil
}

// dispose cancels every outstanding read and drains their completions so
// none leak as forgotten goroutines, then latches a disposed error for
// any further call.
func (r *pipelinedReader) dispose() {
	if r.disposed {
		return
	}
	r.disposed = true
	if r.latchedErr == nil {
		r.latchedErr = ErrDisposed
	}
	r.cancel()
	for _, pr := range r.inflight {
		<-pr.done
	}
	r.inflight = nil
}
