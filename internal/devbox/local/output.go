package local

import (
	"context"
	"io"
	"sync"
	"unicode/utf8"
)

const readChunk = 4096

// outputBuffer collects execution output without ever blocking the writer.
// Readers follow it from the start, like a remote stdout stream.
type outputBuffer struct {
	mu     sync.Mutex
	data   []byte
	closed bool
	notify chan struct{}
}

func newOutputBuffer() *outputBuffer {
	return &outputBuffer{notify: make(chan struct{})}
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	b.data = append(b.data, p...)
	close(b.notify)
	b.notify = make(chan struct{})
	return len(p), nil
}

func (b *outputBuffer) CloseWrite() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.notify)
}

func (b *outputBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.data...)
}

func (b *outputBuffer) NewReader() *outputReader {
	return &outputReader{buf: b}
}

type outputReader struct {
	buf    *outputBuffer
	offset int
	closed bool
}

func (r *outputReader) Next(ctx context.Context) (string, error) {
	for {
		if r.closed {
			return "", io.EOF
		}
		b := r.buf
		b.mu.Lock()
		if r.offset < len(b.data) {
			end := min(r.offset+readChunk, len(b.data))
			// A rune split across writes or chunks is held back until it is
			// complete; the tail is flushed as is once the writer closes.
			if !b.closed || end < len(b.data) {
				end = r.offset + runeBoundary(b.data[r.offset:end])
			}
			if end > r.offset {
				chunk := string(b.data[r.offset:end])
				r.offset = end
				b.mu.Unlock()
				return chunk, nil
			}
		}
		if b.closed {
			b.mu.Unlock()
			return "", io.EOF
		}
		wait := b.notify
		b.mu.Unlock()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-wait:
		}
	}
}

func (r *outputReader) Close() error {
	r.closed = true
	return nil
}

// runeBoundary returns the length of the longest prefix of p that does not
// end inside an incomplete UTF-8 sequence.
func runeBoundary(p []byte) int {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(p[i]) {
			continue
		}
		if utf8.FullRune(p[i:]) {
			return len(p)
		}
		return i
	}
	return len(p)
}
