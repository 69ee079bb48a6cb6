package castle

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// UnitID identifies one execution unit: an action on a node.
type UnitID struct {
	Action ActionID
	Node   string
}

func (u UnitID) String() string {
	return u.Action.String() + "@" + u.Node
}

// UnitState is the lifecycle state of an execution unit.
type UnitState int

const (
	// UnitPending units wait for their dependencies.
	UnitPending UnitState = iota
	// UnitEligible units wait for their node and a concurrency slot.
	UnitEligible
	UnitRunning
	UnitSucceeded
	UnitFailed
	// UnitCanceled units were never dispatched because the run stopped.
	UnitCanceled
)

func (s UnitState) String() string {
	switch s {
	case UnitPending:
		return "pending"
	case UnitEligible:
		return "eligible"
	case UnitRunning:
		return "running"
	case UnitSucceeded:
		return "succeeded"
	case UnitFailed:
		return "failed"
	case UnitCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s UnitState) Terminal() bool {
	return s == UnitSucceeded || s == UnitFailed || s == UnitCanceled
}

// next validates the transition from s to to.
func (s UnitState) next(to UnitState) error {
	switch s {
	case UnitPending:
		// Failed without running: a dependency failed.
		if to == UnitEligible || to == UnitFailed || to == UnitCanceled {
			return nil
		}
	case UnitEligible:
		if to == UnitRunning || to == UnitCanceled {
			return nil
		}
	case UnitRunning:
		if to == UnitSucceeded || to == UnitFailed {
			return nil
		}
	}
	return fmt.Errorf("illegal unit transition %s -> %s", s, to)
}

// UnitEvent is one recorded state transition.
type UnitEvent struct {
	Unit  UnitID
	State UnitState
	At    time.Time
}

func (e UnitEvent) String() string {
	return fmt.Sprintf("%s %s %s", e.At.Format(time.StampMicro), e.Unit, e.State)
}

// UnitLog records the transitions of every unit of a run and rejects
// illegal ones.
type UnitLog struct {
	sync.Mutex
	events []UnitEvent
	states map[UnitID]UnitState
}

// NewUnitLog returns a log in which every unit is pending.
func NewUnitLog(units []UnitID) *UnitLog {
	states := make(map[UnitID]UnitState, len(units))
	for _, u := range units {
		states[u] = UnitPending
	}
	return &UnitLog{states: states}
}

// Record moves unit to state.
func (l *UnitLog) Record(unit UnitID, to UnitState) error {
	l.Lock()
	defer l.Unlock()
	from, ok := l.states[unit]
	if !ok {
		return fmt.Errorf("unit %s is not part of this run", unit)
	}
	if err := from.next(to); err != nil {
		return fmt.Errorf("unit %s: %w", unit, err)
	}
	l.states[unit] = to
	l.events = append(l.events, UnitEvent{Unit: unit, State: to, At: time.Now()})
	return nil
}

func (l *UnitLog) State(unit UnitID) UnitState {
	l.Lock()
	defer l.Unlock()
	return l.states[unit]
}

// Events returns a copy of the recorded transitions in order.
func (l *UnitLog) Events() []UnitEvent {
	l.Lock()
	defer l.Unlock()
	out := make([]UnitEvent, len(l.events))
	copy(out, l.events)
	return out
}

// Counts returns the number of units in each state.
func (l *UnitLog) Counts() map[UnitState]int {
	l.Lock()
	defer l.Unlock()
	out := make(map[UnitState]int)
	for _, s := range l.states {
		out[s]++
	}
	return out
}

func (l *UnitLog) String() string {
	var sb strings.Builder
	for _, e := range l.Events() {
		sb.WriteString(e.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}
