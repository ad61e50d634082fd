package ledger

import (
	"maps"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Ledger records the last time each artifact reference was accessed. It is
// advisory metadata for reclamation; the runtime stays authoritative for
// whether an instance actually exists.
type Ledger struct {
	clock   clock.PassiveClock
	entries map[string]time.Time
	mx      sync.RWMutex
}

func New(clk clock.PassiveClock) *Ledger {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Ledger{
		clock:   clk,
		entries: map[string]time.Time{},
	}
}

// Touch stamps the reference with the current time and returns the stored value.
func (l *Ledger) Touch(ref string) time.Time {
	return l.TouchAt(ref, l.clock.Now())
}

// TouchAt stamps the reference with t unless a later access is already
// recorded. Timestamps never move backwards for a live entry.
func (l *Ledger) TouchAt(ref string, t time.Time) time.Time {
	l.mx.Lock()
	defer l.mx.Unlock()

	last, ok := l.entries[ref]
	if ok && !t.After(last) {
		return last
	}
	l.entries[ref] = t
	return t
}

// Adopt creates an entry stamped now only if none exists.
func (l *Ledger) Adopt(ref string) (time.Time, bool) {
	l.mx.Lock()
	defer l.mx.Unlock()

	if last, ok := l.entries[ref]; ok {
		return last, false
	}
	now := l.clock.Now()
	l.entries[ref] = now
	return now, true
}

func (l *Ledger) LastAccess(ref string) (time.Time, bool) {
	l.mx.RLock()
	defer l.mx.RUnlock()

	t, ok := l.entries[ref]
	return t, ok
}

func (l *Ledger) Delete(ref string) {
	l.mx.Lock()
	defer l.mx.Unlock()

	delete(l.entries, ref)
}

// Snapshot returns a copy of all entries.
func (l *Ledger) Snapshot() map[string]time.Time {
	l.mx.RLock()
	defer l.mx.RUnlock()

	return maps.Clone(l.entries)
}

func (l *Ledger) Len() int {
	l.mx.RLock()
	defer l.mx.RUnlock()

	return len(l.entries)
}
