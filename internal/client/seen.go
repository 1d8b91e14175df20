package client

// seenKey identifies one delivered event.
type seenKey struct {
	method string
	id     int64
}

// seenWindow remembers the last N delivered (method, eventId) pairs.
type seenWindow struct {
	ring []seenKey
	next int
	full bool
	set  map[seenKey]struct{}
}

func newSeenWindow(size int) *seenWindow {
	if size <= 0 {
		size = DefaultSeenWindow
	}
	return &seenWindow{ring: make([]seenKey, size), set: make(map[seenKey]struct{}, size)}
}

func (w *seenWindow) contains(k seenKey) bool {
	_, ok := w.set[k]
	return ok
}

func (w *seenWindow) add(k seenKey) {
	if w.full {
		delete(w.set, w.ring[w.next])
	}
	w.ring[w.next] = k
	w.set[k] = struct{}{}
	w.next = (w.next + 1) % len(w.ring)
	if w.next == 0 {
		w.full = true
	}
}

// minID returns the smallest remembered id, or 0 when empty.
func (w *seenWindow) minID() int64 {
	var lowest int64
	for k := range w.set {
		if lowest == 0 || k.id < lowest {
			lowest = k.id
		}
	}
	return lowest
}

func (w *seenWindow) reset() {
	clear(w.set)
	w.next = 0
	w.full = false
}
