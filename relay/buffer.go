package relay

// outputBuffer accumulates protocol bytes for coalesced socket writes. The
// same type backs the pending buffer used while the connection is
// reconnecting; in that mode a hard capacity limit applies and the write
// that would exceed it is refused rather than grown into.
type outputBuffer struct {
	buf   []byte
	limit int
}

func newOutputBuffer(initialSize int) *outputBuffer {
	return &outputBuffer{buf: make([]byte, 0, initialSize)}
}

// newPendingBuffer builds the bounded buffer that holds writes issued while
// reconnecting. A limit of zero or less means unbounded.
func newPendingBuffer(limit int) *outputBuffer {
	size := defaultPendingSize
	if limit > 0 && limit < size {
		size = limit
	}
	return &outputBuffer{buf: make([]byte, 0, size), limit: limit}
}

func (ob *outputBuffer) len() int {
	return len(ob.buf)
}

// append adds bytes, growing as needed. Returns false when the buffer is
// capacity-limited and the write does not fit.
func (ob *outputBuffer) append(data ...[]byte) bool {
	total := len(ob.buf)
	for _, chunk := range data {
		total += len(chunk)
	}
	if ob.limit > 0 && total > ob.limit {
		return false
	}

	for _, chunk := range data {
		ob.buf = append(ob.buf, chunk...)
	}
	return true
}

// bytes exposes the accumulated content; valid until the next append or
// reset.
func (ob *outputBuffer) bytes() []byte {
	return ob.buf
}

func (ob *outputBuffer) reset() {
	ob.buf = ob.buf[:0]
}
