package session

// Observer receives a session snapshot after every transition. The snapshot
// is the observer's own copy; mutating it has no effect on the session.
type Observer func(Snapshot)

type watcher struct {
	fn      Observer
	removed bool
}

// Subscribe registers an observer and synchronously delivers the current
// snapshot before returning, so subscribers never wait for the first
// transition to learn the state. Observers are notified in subscription
// order on every subsequent transition.
//
// The returned function unsubscribes the observer; calling it more than
// once is a no-op.
func (m *Machine) Subscribe(fn Observer) (unsubscribe func()) {
	m.mu.Lock()
	w := &watcher{fn: fn}
	m.watchers = append(m.watchers, w)
	// Initial delivery happens under the same lock as transition
	// notifications, so it cannot interleave with a concurrent event.
	fn(m.snap.clone())
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if w.removed {
			return
		}
		w.removed = true
		for i, cur := range m.watchers {
			if cur == w {
				m.watchers = append(m.watchers[:i], m.watchers[i+1:]...)
				break
			}
		}
	}
}
