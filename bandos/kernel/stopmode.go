package kernel

import (
	"fmt"
	"sync"
)

// Inhibitor names a reason the system may not enter stop mode.
type Inhibitor uint8

const (
	InhibitorFlash Inhibitor = iota
	InhibitorConsole
	InhibitorApp

	numInhibitors
)

func (i Inhibitor) String() string {
	switch i {
	case InhibitorFlash:
		return "flash"
	case InhibitorConsole:
		return "console"
	case InhibitorApp:
		return "app"
	default:
		return fmt.Sprintf("inhibitor%d", uint8(i))
	}
}

// StopMode holds refcounted stop-mode inhibitors.
type StopMode struct {
	mu     sync.Mutex
	counts [numInhibitors]int
}

func NewStopMode() *StopMode { return &StopMode{} }

func (s *StopMode) Inhibit(id Inhibitor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[id]++
}

// Allow drops one reference. Dropping below zero is a bookkeeping bug and panics.
func (s *StopMode) Allow(id Inhibitor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[id] == 0 {
		panic(fmt.Sprintf("kernel: stop mode %s allowed more than inhibited", id))
	}
	s.counts[id]--
}

func (s *StopMode) Count(id Inhibitor) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[id]
}

// StopAllowed reports whether no inhibitor is held.
func (s *StopMode) StopAllowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.counts {
		if n != 0 {
			return false
		}
	}
	return true
}
