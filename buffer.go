package coros

// Buffer is the scoped, stack-allocated ring buffer of spec.md §4.7,
// cooperating with exactly one Socket. Go has no const-generic array size,
// so "Buffer<N>" becomes a fixed capacity chosen at construction rather than
// a type parameter; the contract (EnsureData/Skip/Commit/EnsureSpace/Flush)
// is unchanged.
type Buffer struct {
	sock *Socket
	data []byte
	rpos int
	wpos int
}

// NewBuffer allocates a Buffer of the given capacity bound to sock.
func NewBuffer(sock *Socket, capacity int) *Buffer {
	return &Buffer{sock: sock, data: make([]byte, capacity)}
}

// Cap returns the buffer's fixed capacity (spec.md's N).
func (b *Buffer) Cap() int { return len(b.data) }

// Len returns the number of currently readable bytes.
func (b *Buffer) Len() int { return b.wpos - b.rpos }

// Bytes returns the currently readable region. The slice is only valid
// until the next Skip, Commit, EnsureData, EnsureSpace, or Flush call.
func (b *Buffer) Bytes() []byte { return b.data[b.rpos:b.wpos] }

// compact slides the unread region down to index 0, reclaiming the space
// already consumed by Skip.
func (b *Buffer) compact() {
	if b.rpos == 0 {
		return
	}
	n := copy(b.data, b.data[b.rpos:b.wpos])
	b.rpos = 0
	b.wpos = n
}

// EnsureData guarantees at least n readable bytes are available, issuing
// ReadAtLeast against the socket as needed and compacting first if the tail
// can't hold the shortfall. Returns the number of bytes available; an EOF
// reached before n bytes accumulate is reported as ErrDisconnect, the same
// error ReadAtLeast reports for a short read (spec.md §4.7 EnsureData).
func (b *Buffer) EnsureData(n int) (int, error) {
	if n > len(b.data) {
		return 0, ErrBufferTooSmall
	}
	if b.Len() >= n {
		return b.Len(), nil
	}

	need := n - b.Len()
	if len(b.data)-b.wpos < need {
		b.compact()
	}

	read, err := b.sock.ReadAtLeast(b.data[b.wpos:], need)
	b.wpos += read
	if err != nil {
		return b.Len(), err
	}
	return b.Len(), nil
}

// Skip advances the read index by n, discarding bytes the caller has
// already consumed. Panics if n exceeds Len(), a programming error.
func (b *Buffer) Skip(n int) {
	if n < 0 || n > b.Len() {
		panic("coros: Buffer.Skip out of range")
	}
	b.rpos += n
}

// Commit advances the write index by n, acknowledging n bytes the caller
// has written directly into the region returned by EnsureSpace. Panics if n
// exceeds the free tail space.
func (b *Buffer) Commit(n int) {
	if n < 0 || b.wpos+n > len(b.data) {
		panic("coros: Buffer.Commit out of range")
	}
	b.wpos += n
}

// EnsureSpace guarantees at least n free bytes at the tail: compacting
// first, then flushing already-readable bytes through the socket if that
// still isn't enough (spec.md §4.7 EnsureSpace). Fails if n exceeds the
// buffer's capacity outright.
func (b *Buffer) EnsureSpace(n int) ([]byte, error) {
	if n > len(b.data) {
		return nil, ErrBufferTooSmall
	}
	if len(b.data)-b.wpos < n {
		b.compact()
	}
	if len(b.data)-b.wpos < n {
		if err := b.Flush(); err != nil {
			return nil, err
		}
	}
	return b.data[b.wpos : b.wpos+n], nil
}

// Flush writes every currently readable byte through the socket exactly,
// via WriteExactly, then resets the buffer to empty (spec.md §4.7 Flush).
func (b *Buffer) Flush() error {
	if b.Len() == 0 {
		b.rpos, b.wpos = 0, 0
		return nil
	}
	_, err := b.sock.WriteExactly(b.Bytes())
	b.rpos, b.wpos = 0, 0
	return err
}
