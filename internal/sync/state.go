package sync

import (
	"context"
	"errors"
	gosync "sync"
)

// ErrBusy is returned when a room operation overlaps one that cannot
// be superseded (initial load or reconciliation in flight).
var ErrBusy = errors.New("room operation already in progress")

type roomPhase int

const (
	phaseIdle roomPhase = iota
	phaseLoadingInitial
	phaseReady
	phaseLoadingOlder
	phaseLoadingNewer
	phaseReconciling
)

func (p roomPhase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseLoadingInitial:
		return "loading_initial"
	case phaseReady:
		return "ready"
	case phaseLoadingOlder:
		return "loading_older"
	case phaseLoadingNewer:
		return "loading_newer"
	case phaseReconciling:
		return "reconciling"
	}
	return "unknown"
}

// roomGuard serializes operations on one room. Pagination may supersede
// in-flight pagination (the older context is cancelled); everything
// else overlapping returns ErrBusy. The generation counter keeps a
// superseded operation's exit from stomping its successor's phase.
type roomGuard struct {
	mu     gosync.Mutex
	phase  roomPhase
	cancel context.CancelFunc
	gen    int
}

// enter attempts the transition into to. It returns the generation
// token to pass to exit, and the phase to restore on failure.
func (g *roomGuard) enter(to roomPhase, cancel context.CancelFunc) (gen int, prev roomPhase, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch to {
	case phaseLoadingInitial:
		if g.phase != phaseIdle && g.phase != phaseReady {
			return 0, 0, ErrBusy
		}
	case phaseLoadingOlder, phaseLoadingNewer:
		switch g.phase {
		case phaseReady:
		case phaseLoadingOlder, phaseLoadingNewer:
			if g.cancel != nil {
				g.cancel()
			}
		default:
			return 0, 0, ErrBusy
		}
	case phaseReconciling:
		if g.phase != phaseReady {
			return 0, 0, ErrBusy
		}
	default:
		return 0, 0, ErrBusy
	}

	prev = g.phase
	g.phase = to
	g.cancel = cancel
	g.gen++
	return g.gen, prev, nil
}

// exit restores the guard to phase to, unless a superseding operation
// already took over.
func (g *roomGuard) exit(gen int, to roomPhase) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gen != gen {
		return
	}
	g.phase = to
	g.cancel = nil
}

func (g *roomGuard) current() roomPhase {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.phase
}

func (g *roomGuard) reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		g.cancel()
	}
	g.phase = phaseIdle
	g.cancel = nil
	g.gen++
}
