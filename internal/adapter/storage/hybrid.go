package storage

// Hybrid routes the persistent and blob namespaces to a durable backend
// (Postgres) and the volatile and set namespaces to a fast backend
// (Redis or memory). This keeps answers and definitions strongly
// consistent while counters, task status and ready sets stay hot.
type Hybrid struct {
	durable Backend
	fast    Backend
}

// NewHybrid constructs a Hybrid splitter over the two backends.
func NewHybrid(durable, fast Backend) *Hybrid {
	return &Hybrid{durable: durable, fast: fast}
}

// Persistent implements Backend.
func (h *Hybrid) Persistent() KV { return h.durable.Persistent() }

// Volatile implements Backend.
func (h *Hybrid) Volatile() CounterKV { return h.fast.Volatile() }

// Sets implements Backend.
func (h *Hybrid) Sets() Sets { return h.fast.Sets() }

// Blobs implements Backend.
func (h *Hybrid) Blobs() Blobs { return h.durable.Blobs() }

// Close implements Backend.
func (h *Hybrid) Close() error {
	errFast := h.fast.Close()
	if err := h.durable.Close(); err != nil {
		return err
	}
	return errFast
}
