// Package jobstate tracks where every work item of a job stands.
//
// State is a value: transitions are pure functions producing a new State,
// never mutating the old one. Every transition re-checks the accounting
// invariant (pending + active + completed + failed == total), so a bug in
// any caller surfaces at the transition that introduced it instead of at a
// checkpoint much later. Store adds the one mutex-protected mutable cell
// the engine shares between its loops.
package jobstate

import (
	"errors"
	"fmt"

	"github.com/loomctl/loom/pkg/types"
)

var (
	// ErrUnknownItem reports a transition naming an item the job never had.
	ErrUnknownItem = errors.New("unknown work item")
	// ErrWrongStatus reports a transition from a status the item is not in.
	ErrWrongStatus = errors.New("item not in required status")
	// ErrWrongPhase reports a phase transition the state machine forbids.
	ErrWrongPhase = errors.New("invalid phase transition")
)

// Counts summarizes item accounting for status reporting.
type Counts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// State is an immutable snapshot of a job's progress. The zero value is not
// usable; build one with New or decode one from a checkpoint.
type State struct {
	JobID types.JobID    `json:"job_id"`
	Phase types.JobPhase `json:"phase"`

	// Items holds the payload of every work item, keyed by ID. Immutable
	// after New; carried so a resume can re-dispatch without the source.
	Items map[types.ItemID]types.WorkItem `json:"items"`

	// Pending preserves dispatch order.
	Pending   []types.ItemID                  `json:"pending"`
	Active    map[types.ItemID]types.WorkerID `json:"active"`
	Completed []types.ItemID                  `json:"completed"`
	Failed    []types.ItemID                  `json:"failed"`

	// Attempts counts dispatches per item, 1-based after first dispatch.
	Attempts map[types.ItemID]int `json:"attempts"`
}

// New builds the initial state for a job: all items pending, phase
// Initializing. Duplicate item IDs are rejected.
func New(jobID types.JobID, items []types.WorkItem) (State, error) {
	s := State{
		JobID:    jobID,
		Phase:    types.PhaseInitializing,
		Items:    make(map[types.ItemID]types.WorkItem, len(items)),
		Pending:  make([]types.ItemID, 0, len(items)),
		Active:   make(map[types.ItemID]types.WorkerID),
		Attempts: make(map[types.ItemID]int, len(items)),
	}
	for _, it := range items {
		if _, dup := s.Items[it.ID]; dup {
			return State{}, fmt.Errorf("duplicate work item id %q", it.ID)
		}
		s.Items[it.ID] = it
		s.Pending = append(s.Pending, it.ID)
	}
	return s, nil
}

// Counts returns the current item accounting.
func (s State) Counts() Counts {
	return Counts{
		Total:     len(s.Items),
		Pending:   len(s.Pending),
		Active:    len(s.Active),
		Completed: len(s.Completed),
		Failed:    len(s.Failed),
	}
}

// NextPending returns the first pending item, if any.
func (s State) NextPending() (types.WorkItem, bool) {
	if len(s.Pending) == 0 {
		return types.WorkItem{}, false
	}
	return s.Items[s.Pending[0]], true
}

// MapDone reports whether every item reached a terminal status.
func (s State) MapDone() bool {
	return len(s.Pending) == 0 && len(s.Active) == 0
}

// BeginMapping moves Initializing -> Mapping.
func (s State) BeginMapping() (State, error) {
	if s.Phase != types.PhaseInitializing {
		return State{}, fmt.Errorf("%w: %s -> %s", ErrWrongPhase, s.Phase, types.PhaseMapping)
	}
	n := s.clone()
	n.Phase = types.PhaseMapping
	return n, n.check()
}

// Dispatch moves an item from pending to active under workerID and bumps
// its attempt count.
func (s State) Dispatch(itemID types.ItemID, workerID types.WorkerID) (State, error) {
	if _, ok := s.Items[itemID]; !ok {
		return State{}, fmt.Errorf("%w: %s", ErrUnknownItem, itemID)
	}
	idx := indexOf(s.Pending, itemID)
	if idx < 0 {
		return State{}, fmt.Errorf("%w: %s is not pending", ErrWrongStatus, itemID)
	}
	n := s.clone()
	n.Pending = append(n.Pending[:idx:idx], n.Pending[idx+1:]...)
	n.Active[itemID] = workerID
	n.Attempts[itemID]++
	return n, n.check()
}

// Complete moves an active item to completed.
func (s State) Complete(itemID types.ItemID) (State, error) {
	n, err := s.takeActive(itemID)
	if err != nil {
		return State{}, err
	}
	n.Completed = append(n.Completed, itemID)
	return n, n.check()
}

// Fail moves an active item to failed. Terminal: retries go through Requeue
// instead.
func (s State) Fail(itemID types.ItemID) (State, error) {
	n, err := s.takeActive(itemID)
	if err != nil {
		return State{}, err
	}
	n.Failed = append(n.Failed, itemID)
	return n, n.check()
}

// Requeue moves an active item back to the end of pending, keeping its
// attempt count. Used for retries and for items caught mid-flight by an
// interruption.
func (s State) Requeue(itemID types.ItemID) (State, error) {
	n, err := s.takeActive(itemID)
	if err != nil {
		return State{}, err
	}
	n.Pending = append(n.Pending, itemID)
	return n, n.check()
}

// ForceComplete moves an item to completed from pending or active. Resume
// uses it to reconcile items whose merge outlived the last checkpoint.
func (s State) ForceComplete(itemID types.ItemID) (State, error) {
	if _, ok := s.Items[itemID]; !ok {
		return State{}, fmt.Errorf("%w: %s", ErrUnknownItem, itemID)
	}
	n := s.clone()
	if idx := indexOf(n.Pending, itemID); idx >= 0 {
		n.Pending = append(n.Pending[:idx:idx], n.Pending[idx+1:]...)
	} else if _, ok := n.Active[itemID]; ok {
		delete(n.Active, itemID)
	} else {
		return State{}, fmt.Errorf("%w: %s already terminal", ErrWrongStatus, itemID)
	}
	n.Completed = append(n.Completed, itemID)
	return n, n.check()
}

// RequeueAllActive returns every active item to pending. Resume calls this
// once for items that were mid-execution when the job was interrupted.
func (s State) RequeueAllActive() State {
	n := s.clone()
	for id := range n.Active {
		n.Pending = append(n.Pending, id)
	}
	n.Active = make(map[types.ItemID]types.WorkerID)
	return n
}

// BeginReducing moves Mapping -> Reducing; legal only once every item is
// terminal.
func (s State) BeginReducing() (State, error) {
	if s.Phase != types.PhaseMapping {
		return State{}, fmt.Errorf("%w: %s -> %s", ErrWrongPhase, s.Phase, types.PhaseReducing)
	}
	if !s.MapDone() {
		return State{}, fmt.Errorf("%w: %d pending, %d active items remain",
			ErrWrongPhase, len(s.Pending), len(s.Active))
	}
	n := s.clone()
	n.Phase = types.PhaseReducing
	return n, n.check()
}

// Finish moves the job to Completed (from Reducing) or Failed (from any
// non-terminal phase).
func (s State) Finish(success bool) (State, error) {
	if s.Phase == types.PhaseCompleted || s.Phase == types.PhaseFailed {
		return State{}, fmt.Errorf("%w: job already %s", ErrWrongPhase, s.Phase)
	}
	if success && s.Phase != types.PhaseReducing {
		return State{}, fmt.Errorf("%w: %s -> %s", ErrWrongPhase, s.Phase, types.PhaseCompleted)
	}
	n := s.clone()
	if success {
		n.Phase = types.PhaseCompleted
	} else {
		n.Phase = types.PhaseFailed
	}
	return n, n.check()
}

// AttemptsFor returns how many times the item has been dispatched.
func (s State) AttemptsFor(itemID types.ItemID) int {
	return s.Attempts[itemID]
}

func (s State) takeActive(itemID types.ItemID) (State, error) {
	if _, ok := s.Items[itemID]; !ok {
		return State{}, fmt.Errorf("%w: %s", ErrUnknownItem, itemID)
	}
	if _, ok := s.Active[itemID]; !ok {
		return State{}, fmt.Errorf("%w: %s is not active", ErrWrongStatus, itemID)
	}
	n := s.clone()
	delete(n.Active, itemID)
	return n, nil
}

func (s State) clone() State {
	n := s
	n.Items = s.Items // immutable, shared
	n.Pending = append([]types.ItemID(nil), s.Pending...)
	n.Completed = append([]types.ItemID(nil), s.Completed...)
	n.Failed = append([]types.ItemID(nil), s.Failed...)
	n.Active = make(map[types.ItemID]types.WorkerID, len(s.Active))
	for k, v := range s.Active {
		n.Active[k] = v
	}
	n.Attempts = make(map[types.ItemID]int, len(s.Attempts))
	for k, v := range s.Attempts {
		n.Attempts[k] = v
	}
	return n
}

func (s State) check() error {
	got := len(s.Pending) + len(s.Active) + len(s.Completed) + len(s.Failed)
	if got != len(s.Items) {
		return fmt.Errorf("item accounting broken: %d tracked, %d total", got, len(s.Items))
	}
	return nil
}

func indexOf(ids []types.ItemID, id types.ItemID) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
