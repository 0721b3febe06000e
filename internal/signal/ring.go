package signal

// window is a fixed-length circular buffer with a running sum, giving O(1)
// push and mean.
type window struct {
	buf   []float64
	next  int
	count int
	sum   float64
}

func newWindow(size int) *window {
	if size < 1 {
		size = 1
	}
	return &window{buf: make([]float64, size)}
}

// push adds v and returns the evicted value (0 when the window was not full).
func (w *window) push(v float64) float64 {
	evicted := 0.0
	if w.count == len(w.buf) {
		evicted = w.buf[w.next]
	} else {
		w.count++
	}
	w.buf[w.next] = v
	w.next = (w.next + 1) % len(w.buf)
	w.sum += v - evicted
	return evicted
}

func (w *window) full() bool { return w.count == len(w.buf) }

func (w *window) mean() float64 {
	if w.count == 0 {
		return 0
	}
	return w.sum / float64(w.count)
}
