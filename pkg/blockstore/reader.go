package blockstore

import (
	"context"
	"io"
)

// defaultPrefetchDepth bounds how many blocks the streaming reader
// fetches ahead of the one currently being emitted.
const defaultPrefetchDepth = 3

// fetchResult is one block's outcome, carried over the prefetch channel
// in request order so Read always emits blocks in sequence even though
// they may arrive out of order.
type fetchResult struct {
	data []byte
	err  error
}

// StreamReader reads a sequence of content-addressed blocks as one
// contiguous io.Reader, overlapping network fetches with body emission
// via a small bounded prefetch window.
type StreamReader struct {
	ctx    context.Context
	cancel context.CancelFunc
	mgr    *Manager

	results chan fetchResult
	current []byte
	err     error
	closed  bool
}

// NewStreamReader starts prefetching hashes (in order) up to depth
// blocks ahead; depth is clamped to [2, 4] per the streaming read path.
func NewStreamReader(ctx context.Context, mgr *Manager, hashes [][32]byte, depth int) *StreamReader {
	if depth < 2 {
		depth = 2
	}
	if depth > 4 {
		depth = 4
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &StreamReader{
		ctx:     ctx,
		cancel:  cancel,
		mgr:     mgr,
		results: make(chan fetchResult, depth),
	}
	go r.fetchLoop(hashes, depth)
	return r
}

// fetchLoop fetches blocks with up to `depth` outstanding at once,
// pushing completed results onto results strictly in request order:
// a semaphore bounds concurrency, but each fetch writes into its own
// slot so out-of-order completions don't reorder the stream.
func (r *StreamReader) fetchLoop(hashes [][32]byte, depth int) {
	defer close(r.results)

	sem := make(chan struct{}, depth)
	slots := make([]chan fetchResult, len(hashes))
	for i := range slots {
		slots[i] = make(chan fetchResult, 1)
	}

	for i, h := range hashes {
		select {
		case sem <- struct{}{}:
		case <-r.ctx.Done():
			slots[i] <- fetchResult{err: r.ctx.Err()}
			continue
		}
		go func(i int, h [32]byte) {
			defer func() { <-sem }()
			data, err := r.mgr.GetBlock(r.ctx, h)
			slots[i] <- fetchResult{data: data, err: err}
		}(i, h)
	}

	for i := range slots {
		select {
		case res := <-slots[i]:
			select {
			case r.results <- res:
			case <-r.ctx.Done():
				return
			}
		case <-r.ctx.Done():
			return
		}
	}
}

// Read implements io.Reader, draining the current block before pulling
// the next completed fetch off the prefetch channel.
func (r *StreamReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, io.ErrClosedPipe
	}
	for len(r.current) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		res, ok := <-r.results
		if !ok {
			return 0, io.EOF
		}
		if res.err != nil {
			r.err = res.err
			continue
		}
		r.current = res.data
	}
	n := copy(p, r.current)
	r.current = r.current[n:]
	return n, nil
}

// Close aborts any in-flight fetches.
func (r *StreamReader) Close() error {
	r.closed = true
	r.cancel()
	return nil
}
