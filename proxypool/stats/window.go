// Package stats holds the per-relay sliding-window statistics and the health score derived from them.
package stats

// Window is a fixed-capacity ring buffer. Appending to a full window drops the oldest entry.
type Window[T any] struct {
	buf   []T
	start int
	size  int
}

// NewWindow returns a window holding at most capacity entries. Capacity below 1 is raised to 1.
func NewWindow[T any](capacity int) *Window[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Window[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest entry when the window is full.
func (w *Window[T]) Push(v T) {
	if w.size < len(w.buf) {
		w.buf[(w.start+w.size)%len(w.buf)] = v
		w.size++
		return
	}
	w.buf[w.start] = v
	w.start = (w.start + 1) % len(w.buf)
}

func (w *Window[T]) Len() int { return w.size }

func (w *Window[T]) Cap() int { return len(w.buf) }

// Values returns the entries oldest first.
func (w *Window[T]) Values() []T {
	out := make([]T, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.buf[(w.start+i)%len(w.buf)]
	}
	return out
}

// Reset empties the window without reallocating.
func (w *Window[T]) Reset() {
	w.start, w.size = 0, 0
}
