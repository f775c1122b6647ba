package engine

import "sync"

// outcomeWindow is a fixed-size ring over the most recent attempt
// outcomes, reduced to hostile-or-not. The dispatcher reads the hostile
// proportion to decide when the endpoint is pushing back hard enough to
// shed workers.
type outcomeWindow struct {
	mu  sync.Mutex
	buf []bool
	pos int
	n   int
}

func newOutcomeWindow(size int) *outcomeWindow {
	if size < 1 {
		size = 1
	}
	return &outcomeWindow{buf: make([]bool, size)}
}

func (w *outcomeWindow) observe(hostile bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf[w.pos] = hostile
	w.pos = (w.pos + 1) % len(w.buf)
	if w.n < len(w.buf) {
		w.n++
	}
}

// snapshot reports whether the window is full and, if so, the proportion
// of hostile outcomes in it. Decisions are only valid on a full window.
func (w *outcomeWindow) snapshot() (full bool, hostileRate float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.n < len(w.buf) {
		return false, 0
	}
	hostile := 0
	for _, h := range w.buf {
		if h {
			hostile++
		}
	}
	return true, float64(hostile) / float64(len(w.buf))
}

// reset empties the window after a concurrency adjustment so the next
// decision is based on outcomes observed under the new worker count.
func (w *outcomeWindow) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pos = 0
	w.n = 0
}
