package utils

import (
	"sync"
	"time"
)

// BoundedWindow is not safe for concurrent use; callers hold the lock of the state that owns it.
type BoundedWindow[T any] struct {
	maxAge  time.Duration
	maxSize int
	stamp   func(T) time.Time
	items   []T
}

func NewBoundedWindow[T any](maxAge time.Duration, maxSize int, stamp func(T) time.Time) *BoundedWindow[T] {
	return &BoundedWindow[T]{maxAge: maxAge, maxSize: maxSize, stamp: stamp}
}

func (w *BoundedWindow[T]) MaxAge() time.Duration {
	return w.maxAge
}

// Append adds item and evicts the oldest elements while the size bound is exceeded.
func (w *BoundedWindow[T]) Append(item T) int {
	w.items = append(w.items, item)
	if w.maxSize <= 0 || len(w.items) <= w.maxSize {
		return 0
	}
	evicted := len(w.items) - w.maxSize
	clear(w.items[:evicted])
	w.items = w.items[evicted:]
	return evicted
}

func (w *BoundedWindow[T]) Prune(now time.Time) int {
	if w.maxAge <= 0 || len(w.items) == 0 {
		return 0
	}
	cutoff := now.Add(-w.maxAge)
	kept := w.items[:0]
	for _, item := range w.items {
		if w.stamp(item).After(cutoff) {
			kept = append(kept, item)
		}
	}
	removed := len(w.items) - len(kept)
	clear(w.items[len(kept):])
	w.items = kept
	return removed
}

func (w *BoundedWindow[T]) Items() []T {
	out := make([]T, len(w.items))
	copy(out, w.items)
	return out
}

func (w *BoundedWindow[T]) Len() int {
	return len(w.items)
}

func (w *BoundedWindow[T]) Last() (T, bool) {
	var zero T
	if len(w.items) == 0 {
		return zero, false
	}
	return w.items[len(w.items)-1], true
}

// CountSince counts elements stamped after cutoff that satisfy match; a nil match counts all of them.
func (w *BoundedWindow[T]) CountSince(cutoff time.Time, match func(T) bool) int {
	count := 0
	for _, item := range w.items {
		if !w.stamp(item).After(cutoff) {
			continue
		}
		if match == nil || match(item) {
			count++
		}
	}
	return count
}

func (w *BoundedWindow[T]) Since(cutoff time.Time) []T {
	var out []T
	for _, item := range w.items {
		if w.stamp(item).After(cutoff) {
			out = append(out, item)
		}
	}
	return out
}

func (w *BoundedWindow[T]) Reset() {
	w.items = nil
}

type SlidingWindow struct {
	mu  sync.Mutex
	win *BoundedWindow[time.Time]
}

func NewSlidingWindow(window time.Duration) *SlidingWindow {
	return &SlidingWindow{win: NewBoundedWindow(window, 0, func(t time.Time) time.Time { return t })}
}

func (w *SlidingWindow) Add(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.win.Prune(now)
	w.win.Append(now)
	return w.win.Len()
}

func (w *SlidingWindow) Count(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.win.Prune(now)
	return w.win.Len()
}

func (w *SlidingWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.win.Reset()
}
