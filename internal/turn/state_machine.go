// Package turn is the turn engine: the per-turn tool-call loop that drives
// one LLM round-trip after another until a final answer is produced or an
// iteration/tool-call limit is hit. Grounded on
// original_source/backend/chat/engine.py and
// original_source/backend/chat/state_machine.py.
package turn

import "log/slog"

// State is one node of the turn's observability state machine — purely
// descriptive, it never gates tool dispatch.
type State string

const (
	StatePlanning         State = "planning"
	StateSemanticShortcut State = "semantic_shortcut"
	StateDataFetching     State = "data_fetching"
	StateAnalyzing        State = "analyzing"
	StatePresenting       State = "presenting"
	StateError            State = "error"
	StateCompleted        State = "completed"
)

var transitionTable = map[State]map[State]bool{
	StatePlanning: {
		StateSemanticShortcut: true, StateDataFetching: true, StateAnalyzing: true,
		StatePresenting: true, StateCompleted: true, StateError: true,
	},
	StateSemanticShortcut: {StatePresenting: true, StateCompleted: true, StateError: true},
	StateDataFetching:     {StateAnalyzing: true, StatePresenting: true, StateError: true, StateCompleted: true},
	StateAnalyzing:        {StateDataFetching: true, StatePresenting: true, StateError: true, StateCompleted: true},
	StatePresenting:       {StateAnalyzing: true, StateError: true, StateCompleted: true},
	StateError:            {StatePlanning: true, StateCompleted: true},
	StateCompleted:        {},
}

// Transition is one recorded state change, kept for the turn's audit trail.
type Transition struct {
	From   State
	To     State
	Reason string
}

// TransitionState validates and applies a state change, appending it to
// transitions. An illegal transition is recorded as a forced move to
// StateError rather than rejected outright, matching
// state_machine.py::transition_state.
func TransitionState(current, to State, reason string, transitions *[]Transition, worldlineID string, log *slog.Logger) State {
	if current == to {
		return current
	}

	allowed := transitionTable[current]
	if !allowed[to] {
		if log != nil {
			log.Warn("invalid state transition", "from", current, "to", to, "reason", reason, "worldline_id", worldlineID)
		}
		*transitions = append(*transitions, Transition{
			From: current, To: StateError,
			Reason: "invalid_transition:" + string(current) + "->" + string(to) + ":" + reason,
		})
		return StateError
	}

	*transitions = append(*transitions, Transition{From: current, To: to, Reason: reason})
	return to
}
