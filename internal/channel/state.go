package channel

import (
	"fmt"
	"sync"
	"time"

	"github.com/heysalad/laura-camera-client/pkg/model"
)

// transitions lists the legal target states for every state.
var transitions = map[model.ChannelState][]model.ChannelState{
	model.ChannelUnconfigured:    {model.ChannelConnecting, model.ChannelClosed},
	model.ChannelConnecting:      {model.ChannelSubscribed, model.ChannelDegradedPolling, model.ChannelClosed},
	model.ChannelSubscribed:      {model.ChannelConnecting, model.ChannelClosed},
	model.ChannelDegradedPolling: {model.ChannelSubscribed, model.ChannelConnecting, model.ChannelClosed},
	model.ChannelClosed:          {},
}

// StateObserver is called after every accepted transition.
type StateObserver func(from, to model.ChannelState)

// StateTracker holds the channel state and rejects illegal transitions.
type StateTracker struct {
	current  model.ChannelState
	mux      *sync.RWMutex
	observer StateObserver
}

func NewStateTracker(observer StateObserver) *StateTracker {
	return &StateTracker{current: model.ChannelUnconfigured, mux: &sync.RWMutex{}, observer: observer}
}

func (st *StateTracker) Current() model.ChannelState {
	st.mux.RLock()
	defer st.mux.RUnlock()
	return st.current
}

// Transition moves to state `to`, or returns an error if the move is illegal.
// Moving to the current state is a no-op.
func (st *StateTracker) Transition(to model.ChannelState) error {
	st.mux.Lock()
	from := st.current
	if from == to {
		st.mux.Unlock()
		return nil
	}
	if !canTransition(from, to) {
		st.mux.Unlock()
		return fmt.Errorf("illegal channel transition %s -> %s", from, to)
	}
	st.current = to
	st.mux.Unlock()

	if st.observer != nil {
		st.observer(from, to)
	}
	return nil
}

func canTransition(from, to model.ChannelState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// WaitFor blocks until the tracker reaches state or the wait times out.
func (st *StateTracker) WaitFor(state model.ChannelState, timeout time.Duration) bool {
	endTime := time.Now().Add(timeout)
	for {
		if st.Current() == state {
			return true
		}
		if time.Now().After(endTime) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}
