package lock

import (
	"fmt"
	"sync"
)

const (
	ModeGlobal    = "global"
	ModeReference = "reference"
)

// Locker serialises provisioning and reaping of artifact references.
type Locker interface {
	// Lock guards provisioning of a single reference.
	Lock(ref string) (unlock func())
	// BeginCycle starts a reaper cycle.
	BeginCycle() Cycle
}

// Cycle is held for the duration of one reaper cycle.
type Cycle interface {
	// Entry guards reclamation of a single reference within the cycle.
	Entry(ref string) (unlock func())
	End()
}

func New(mode string) (Locker, error) {
	switch mode {
	case "", ModeGlobal:
		return NewGlobal(), nil
	case ModeReference:
		return NewKeyed(), nil
	default:
		return nil, fmt.Errorf("unknown lock mode %s", mode)
	}
}

var _ Locker = &Global{}

// Global uses one mutex for every reference. A reaper cycle holds it from
// start to end so no provisioning interleaves with reclamation.
type Global struct {
	mx sync.Mutex
}

func NewGlobal() *Global {
	return &Global{}
}

func (g *Global) Lock(ref string) func() {
	g.mx.Lock()
	return g.mx.Unlock
}

func (g *Global) BeginCycle() Cycle {
	g.mx.Lock()
	return &globalCycle{unlock: sync.OnceFunc(g.mx.Unlock)}
}

type globalCycle struct {
	unlock func()
}

func (c *globalCycle) Entry(ref string) func() {
	return func() {}
}

func (c *globalCycle) End() {
	c.unlock()
}

var _ Locker = &Keyed{}

// Keyed holds one lazily created mutex per reference. Provisioning of
// different references proceeds concurrently and the reaper only blocks the
// reference it is currently reclaiming.
type Keyed struct {
	locks map[string]*refLock
	mx    sync.Mutex
}

type refLock struct {
	mx      sync.Mutex
	holders int
}

func NewKeyed() *Keyed {
	return &Keyed{
		locks: map[string]*refLock{},
	}
}

func (k *Keyed) Lock(ref string) func() {
	k.mx.Lock()
	l, ok := k.locks[ref]
	if !ok {
		l = &refLock{}
		k.locks[ref] = l
	}
	l.holders++
	k.mx.Unlock()

	l.mx.Lock()
	return sync.OnceFunc(func() {
		l.mx.Unlock()
		k.mx.Lock()
		l.holders--
		if l.holders == 0 {
			delete(k.locks, ref)
		}
		k.mx.Unlock()
	})
}

func (k *Keyed) BeginCycle() Cycle {
	return keyedCycle{k: k}
}

// Size returns the number of references with a pending or held lock.
func (k *Keyed) Size() int {
	k.mx.Lock()
	defer k.mx.Unlock()

	return len(k.locks)
}

type keyedCycle struct {
	k *Keyed
}

func (c keyedCycle) Entry(ref string) func() {
	return c.k.Lock(ref)
}

func (c keyedCycle) End() {}
