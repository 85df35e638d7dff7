// Package visibility abstracts "this element is now on screen" behind a
// one-shot subscription so consumers stay platform-agnostic.
//
// Two adapters are provided: Viewport computes intersection from element
// geometry (scroll position, viewport height, front-proximity margin), and
// Manual is driven explicitly, for tests and headless surfaces.
package visibility

import "sync"

// Rect is an element's vertical extent in document coordinates.
type Rect struct {
	Top    float64
	Height float64
}

func (r Rect) Bottom() float64 { return r.Top + r.Height }

// Element is anything with a position on the page. Bounds is read on every
// evaluation, so elements may move between checks.
type Element interface {
	Bounds() Rect
}

// Box is a fixed-position Element.
type Box struct{ R Rect }

func (b *Box) Bounds() Rect { return b.R }

// Observer is the visibility capability.
//
// Subscribe registers a one-shot watcher: onVisible runs at most once, on the
// first transition to visible, after which the watcher is disconnected.
// unsubscribe cancels a watcher that has not fired; it is idempotent and safe
// to call after firing.
type Observer interface {
	Subscribe(el Element, onVisible func()) (unsubscribe func())
}

type watch struct {
	el Element
	fn func()
}

// registry is the watcher bookkeeping shared by the adapters.
type registry struct {
	mu      sync.Mutex
	seq     uint64
	watches map[uint64]*watch
}

func (r *registry) add(w *watch) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watches == nil {
		r.watches = map[uint64]*watch{}
	}
	r.seq++
	r.watches[r.seq] = w
	return r.seq
}

func (r *registry) remove(id uint64) {
	r.mu.Lock()
	delete(r.watches, id)
	r.mu.Unlock()
}

// take removes and returns every watcher matching pred. Callbacks are run by
// the caller after the lock is released.
func (r *registry) take(pred func(*watch) bool) []*watch {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*watch
	for id, w := range r.watches {
		if pred(w) {
			out = append(out, w)
			delete(r.watches, id)
		}
	}
	return out
}

func (r *registry) takeID(id uint64, pred func(*watch) bool) *watch {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.watches[id]
	if !ok || !pred(w) {
		return nil
	}
	delete(r.watches, id)
	return w
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watches)
}

func fire(ws []*watch) {
	for _, w := range ws {
		if w.fn != nil {
			w.fn()
		}
	}
}
