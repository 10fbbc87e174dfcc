package chatsock

import (
	"github.com/valyala/bytebufferpool"
)

var bufferPool bytebufferpool.Pool

// Buffer accumulates inbound bytes for one connection.
// Bytes are appended at the back by the transport and drained from the front
// by ExtractFrame. Consumed bytes are never revisited; unconsumed bytes are
// kept across read events so a frame may arrive in pieces.
//
// A Buffer is owned by a single connection and is not safe for concurrent use.
type Buffer struct {
	bb *bytebufferpool.ByteBuffer
	r  int // read index into bb.B
}

// NewBuffer returns an empty Buffer backed by pooled storage.
// Call Release when the connection is done with it.
func NewBuffer() *Buffer {
	return &Buffer{bb: bufferPool.Get()}
}

// Append adds p to the back of the buffer.
func (b *Buffer) Append(p []byte) {
	if b.bb == nil {
		b.bb = bufferPool.Get()
	}
	b.compact()
	_, _ = b.bb.Write(p)
}

// Len returns the number of readable bytes.
func (b *Buffer) Len() int {
	if b.bb == nil {
		return 0
	}
	return len(b.bb.B) - b.r
}

// Peek returns the readable bytes without consuming them.
// The returned slice is only valid until the next call that modifies the buffer.
func (b *Buffer) Peek() []byte {
	if b.bb == nil {
		return nil
	}
	return b.bb.B[b.r:]
}

// Retrieve consumes n bytes from the front of the buffer.
func (b *Buffer) Retrieve(n int) {
	if n <= 0 {
		return
	}
	if n >= b.Len() {
		b.Reset()
		return
	}
	b.r += n
}

// Reset drops all readable bytes.
func (b *Buffer) Reset() {
	if b.bb != nil {
		b.bb.Reset()
	}
	b.r = 0
}

// Release returns the storage to the pool. The Buffer must not be used afterwards
// except through Append, which acquires fresh storage.
func (b *Buffer) Release() {
	if b.bb == nil {
		return
	}
	b.bb.Reset()
	bufferPool.Put(b.bb)
	b.bb = nil
	b.r = 0
}

// compact moves unread bytes to the front once at least half the backing
// slice has been consumed.
func (b *Buffer) compact() {
	if b.r == 0 || b.r < len(b.bb.B)/2 {
		return
	}
	n := copy(b.bb.B, b.bb.B[b.r:])
	b.bb.B = b.bb.B[:n]
	b.r = 0
}
