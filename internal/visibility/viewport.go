package visibility

import "sync"

// Viewport is a geometry-backed Observer.
//
// An element is visible when its extent overlaps [top-margin, top+height+margin].
// The margin lets lookups start slightly before a row actually scrolls in.
type Viewport struct {
	reg registry

	mu     sync.Mutex
	top    float64
	height float64
	margin float64
}

func NewViewport(height, margin float64) *Viewport {
	if margin < 0 {
		margin = 0
	}
	return &Viewport{height: height, margin: margin}
}

// Subscribe fires immediately (synchronously) when el is already in view.
// A nil element has no geometry and counts as in view.
func (v *Viewport) Subscribe(el Element, onVisible func()) func() {
	if el == nil {
		if onVisible != nil {
			onVisible()
		}
		return func() {}
	}
	id := v.reg.add(&watch{el: el, fn: onVisible})
	if w := v.reg.takeID(id, v.visible); w != nil {
		fire([]*watch{w})
	}
	return func() { v.reg.remove(id) }
}

// Scroll moves the viewport and fires watchers that came into view.
func (v *Viewport) Scroll(top float64) int {
	v.mu.Lock()
	v.top = top
	v.mu.Unlock()
	return v.Check()
}

// Resize changes the viewport height and re-evaluates watchers.
func (v *Viewport) Resize(height float64) int {
	v.mu.Lock()
	v.height = height
	v.mu.Unlock()
	return v.Check()
}

// Check re-evaluates all watchers (e.g. after layout changes) and returns how
// many fired.
func (v *Viewport) Check() int {
	ws := v.reg.take(v.visible)
	fire(ws)
	return len(ws)
}

// Pending counts watchers that have not fired or been cancelled.
func (v *Viewport) Pending() int { return v.reg.len() }

func (v *Viewport) visible(w *watch) bool {
	v.mu.Lock()
	lo := v.top - v.margin
	hi := v.top + v.height + v.margin
	v.mu.Unlock()
	r := w.el.Bounds()
	return r.Top <= hi && r.Bottom() >= lo
}
