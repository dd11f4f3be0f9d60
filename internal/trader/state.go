package trader

import (
	"context"

	"github.com/looplab/fsm"
)

// Lifecycle states.
const (
	StateLoaded   = "loaded"
	StateStarting = "starting"
	StateRunning  = "running"
	StateStopping = "stopping"
	StateStopped  = "stopped"
	StateErrored  = "errored"
)

// State machine events. Guards (tier, quota, ownership) live in the
// manager; the machine only enforces transition shape.
const (
	eventStart   = "start"
	eventStarted = "started"
	eventAbort   = "abort"
	eventStop    = "stop"
	eventStopped = "stopped"
	eventFail    = "fail"
	eventReload  = "reload"
)

// newStateMachine builds the per-trader lifecycle machine. onChange fires
// on every committed transition.
func newStateMachine(onChange func(from, to string)) *fsm.FSM {
	callbacks := fsm.Callbacks{}
	if onChange != nil {
		callbacks["enter_state"] = func(_ context.Context, e *fsm.Event) {
			onChange(e.Src, e.Dst)
		}
	}
	return fsm.NewFSM(
		StateLoaded,
		fsm.Events{
			{Name: eventStart, Src: []string{StateLoaded, StateStopped}, Dst: StateStarting},
			{Name: eventStarted, Src: []string{StateStarting}, Dst: StateRunning},
			// compile or subscribe failure during start leaves no partial state
			{Name: eventAbort, Src: []string{StateStarting}, Dst: StateLoaded},
			{Name: eventStop, Src: []string{StateRunning}, Dst: StateStopping},
			{Name: eventStopped, Src: []string{StateStopping}, Dst: StateStopped},
			{Name: eventFail, Src: []string{StateLoaded, StateStarting, StateRunning, StateStopping, StateStopped}, Dst: StateErrored},
			{Name: eventReload, Src: []string{StateErrored}, Dst: StateLoaded},
		},
		callbacks,
	)
}
