package turn

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransitionStateAllowedMove(t *testing.T) {
	var transitions []Transition
	next := TransitionState(StatePlanning, StateDataFetching, "iteration", &transitions, "w_1", nil)

	assert.Equal(t, StateDataFetching, next)
	assert.Equal(t, []Transition{{From: StatePlanning, To: StateDataFetching, Reason: "iteration"}}, transitions)
}

func TestTransitionStateSameStateIsNoop(t *testing.T) {
	var transitions []Transition
	next := TransitionState(StatePlanning, StatePlanning, "iteration", &transitions, "w_1", nil)

	assert.Equal(t, StatePlanning, next)
	assert.Empty(t, transitions)
}

func TestTransitionStateIllegalMoveForcesError(t *testing.T) {
	var transitions []Transition
	next := TransitionState(StateCompleted, StateDataFetching, "iteration", &transitions, "w_1", nil)

	assert.Equal(t, StateError, next)
	assert.Len(t, transitions, 1)
	assert.Equal(t, StateCompleted, transitions[0].From)
	assert.Equal(t, StateError, transitions[0].To)
	assert.Contains(t, transitions[0].Reason, "invalid_transition:completed->data_fetching:iteration")
}

func TestTransitionStateFromErrorCanReplan(t *testing.T) {
	var transitions []Transition
	next := TransitionState(StateError, StatePlanning, "retry", &transitions, "w_1", nil)

	assert.Equal(t, StatePlanning, next)
	assert.Equal(t, []Transition{{From: StateError, To: StatePlanning, Reason: "retry"}}, transitions)
}
