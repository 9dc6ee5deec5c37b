package monitor

import (
	"sync"

	"github.com/soildesigngroup/cm5-maker-desk/internal/dispatch"
)

// ring keeps the most recent frames, dropping the oldest when full.
type ring struct {
	mu    sync.Mutex
	buf   []dispatch.Response
	next  int
	count int
}

func newRing(size int) *ring {
	if size < 1 {
		size = 1
	}
	return &ring{buf: make([]dispatch.Response, size)}
}

func (r *ring) push(f dispatch.Response) {
	r.mu.Lock()
	r.buf[r.next] = f
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.mu.Unlock()
}

// last returns up to n frames, oldest first.
func (r *ring) last(n int) []dispatch.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]dispatch.Response, n)
	start := r.next - n
	if start < 0 {
		start += len(r.buf)
	}
	for i := range out {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

func (r *ring) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
