package observe

import (
	"io"
	"sync"
)

// Broadcaster fans diagnostics lines out to the primary diagnostics stream
// plus any attached observers. The primary stream is authoritative: its
// write result is the write result. Observers are best-effort; one that
// errors is detached rather than ever stalling the diagnostics pump.
type Broadcaster struct {
	primary io.Writer

	mu        sync.Mutex
	observers []io.Writer
}

func NewBroadcaster(primary io.Writer) *Broadcaster {
	return &Broadcaster{primary: primary}
}

func (b *Broadcaster) Attach(w io.Writer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, w)
}

func (b *Broadcaster) Detach(w io.Writer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detachLocked(w)
}

func (b *Broadcaster) detachLocked(w io.Writer) {
	for i := 0; i < len(b.observers); i++ {
		if b.observers[i] == w {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
		}
	}
}

func (b *Broadcaster) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var failed []io.Writer
	for _, w := range b.observers {
		if _, err := w.Write(p); err != nil {
			failed = append(failed, w)
		}
	}
	for _, w := range failed {
		b.detachLocked(w)
	}
	return b.primary.Write(p)
}
