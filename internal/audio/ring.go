package audio

// DefaultRingCapacity holds roughly two seconds of 16 kHz 16-bit mono audio.
const DefaultRingCapacity = 32000

// Ring is a fixed-capacity byte buffer with overwrite-oldest semantics. It
// absorbs audio produced before a streaming session is ready to accept it;
// under pressure the oldest bytes are dropped so that the retained window stays
// aligned with real time.
//
// Ring carries no locking: it is owned by a single session goroutine. Callers
// sharing one across goroutines must serialize access themselves.
type Ring struct {
	buf   []byte
	start int
	size  int
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Ring{buf: make([]byte, capacity)}
}

func (r *Ring) Capacity() int { return len(r.buf) }

func (r *Ring) Available() int { return r.size }

func (r *Ring) IsEmpty() bool { return r.size == 0 }

func (r *Ring) IsFull() bool { return r.size == len(r.buf) }

// Write appends p, overwriting the oldest bytes once capacity is exceeded.
// It always accepts the entire slice.
func (r *Ring) Write(p []byte) {
	capacity := len(r.buf)
	if len(p) >= capacity {
		// Only the trailing window survives.
		copy(r.buf, p[len(p)-capacity:])
		r.start = 0
		r.size = capacity
		return
	}
	end := (r.start + r.size) % capacity
	n := copy(r.buf[end:], p)
	if n < len(p) {
		copy(r.buf, p[n:])
	}
	overflow := r.size + len(p) - capacity
	if overflow > 0 {
		r.start = (r.start + overflow) % capacity
		r.size = capacity
	} else {
		r.size += len(p)
	}
}

// Read consumes and returns up to n of the oldest buffered bytes.
func (r *Ring) Read(n int) []byte {
	out := r.Peek(n)
	r.start = (r.start + len(out)) % len(r.buf)
	r.size -= len(out)
	return out
}

// Peek returns up to n of the oldest buffered bytes without consuming them.
func (r *Ring) Peek(n int) []byte {
	if n > r.size {
		n = r.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]byte, n)
	first := copy(out, r.buf[r.start:min(r.start+n, len(r.buf))])
	if first < n {
		copy(out[first:], r.buf)
	}
	return out
}

// Reset discards all buffered bytes.
func (r *Ring) Reset() {
	r.start = 0
	r.size = 0
}
