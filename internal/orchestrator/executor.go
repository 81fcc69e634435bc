package orchestrator

import (
	"errors"
	"sync"
)

var ErrExecutorClosed = errors.New("executor closed")

// Executor runs submitted units of work in their own goroutines. Submit
// never waits for the unit to finish.
type Executor struct {
	mx     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func (e *Executor) Submit(unit func()) error {
	_, err := e.TrySubmit(func() bool { return true }, unit)
	return err
}

// TrySubmit starts unit only if admit returns true. admit is not called
// once the executor is closed, so whatever it reserves is always handed to
// a running unit.
func (e *Executor) TrySubmit(admit func() bool, unit func()) (bool, error) {
	e.mx.Lock()
	defer e.mx.Unlock()
	if e.closed {
		return false, ErrExecutorClosed
	}
	if !admit() {
		return false, nil
	}
	e.wg.Go(unit)
	return true, nil
}

// Close rejects further submissions and waits for the running units.
func (e *Executor) Close() {
	e.mx.Lock()
	e.closed = true
	e.mx.Unlock()
	e.wg.Wait()
}
