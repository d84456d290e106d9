// Package msync holds small channel-based synchronisation primitives.
package msync

type Nothing struct{}

// Signal is a coalescing wakeup: any number of Set() before Wait()
// result in one wakeup, Set() never blocks.
type Signal chan Nothing

func NewSignal() Signal { return make(chan Nothing, 1) }

func (s Signal) Set() {
	select {
	case s <- Nothing{}:
	default:
	}
}

// Clear drops pending wakeup, returns true if there was one.
func (s Signal) Clear() bool {
	select {
	case <-s:
		return true
	default:
		return false
	}
}

func (s Signal) Wait() { <-s }
