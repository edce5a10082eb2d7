package jobstate

import "sync"

// Store is the one shared mutable cell holding a job's current State.
// Transitions run under the lock through Apply; readers get value copies.
type Store struct {
	mu    sync.Mutex
	state State
}

// NewStore seeds a store with the initial state.
func NewStore(initial State) *Store {
	return &Store{state: initial}
}

// Get returns the current state. The returned value shares no mutable
// structure with the store.
func (st *Store) Get() State {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state.clone()
}

// Apply runs a transition atomically. On error the stored state is
// unchanged.
func (st *Store) Apply(fn func(State) (State, error)) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	next, err := fn(st.state)
	if err != nil {
		return err
	}
	st.state = next
	return nil
}
