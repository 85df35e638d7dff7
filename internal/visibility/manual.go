package visibility

// Manual is an Observer driven by explicit Reveal calls.
//
// With Immediate set, every subscription fires synchronously, which models a
// surface where everything is always on screen.
type Manual struct {
	Immediate bool

	reg registry
}

func (m *Manual) Subscribe(el Element, onVisible func()) func() {
	if m.Immediate {
		if onVisible != nil {
			onVisible()
		}
		return func() {}
	}
	id := m.reg.add(&watch{el: el, fn: onVisible})
	return func() { m.reg.remove(id) }
}

// Reveal fires every pending watcher registered for el and returns how many fired.
func (m *Manual) Reveal(el Element) int {
	ws := m.reg.take(func(w *watch) bool { return w.el == el })
	fire(ws)
	return len(ws)
}

// RevealAll fires every pending watcher.
func (m *Manual) RevealAll() int {
	ws := m.reg.take(func(*watch) bool { return true })
	fire(ws)
	return len(ws)
}

func (m *Manual) Pending() int { return m.reg.len() }
