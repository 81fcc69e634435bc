package orchestrator

import "sync"

// Guard is the single flight admission flag. It is busy exactly when it has
// an owner.
type Guard struct {
	mx    sync.Mutex
	owner string
}

// TryAcquire makes id the owner if the guard is free.
func (g *Guard) TryAcquire(id string) bool {
	if id == "" {
		panic("orchestrator: empty job id")
	}
	g.mx.Lock()
	defer g.mx.Unlock()
	if g.owner != "" {
		return false
	}
	g.owner = id
	return true
}

// Release frees the guard. Releasing a free guard is a programming error.
func (g *Guard) Release() {
	g.mx.Lock()
	defer g.mx.Unlock()
	if g.owner == "" {
		panic("orchestrator: release of a free guard")
	}
	g.owner = ""
}

func (g *Guard) Owner() (string, bool) {
	g.mx.Lock()
	defer g.mx.Unlock()
	return g.owner, g.owner != ""
}
