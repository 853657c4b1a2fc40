package subagent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ssh-vom/analysisd/internal/model"
)

func TestFallbackTaskSplitProducesBoundedTasks(t *testing.T) {
	tasks := fallbackTaskSplit("analyze churn", 2)
	assert.Len(t, tasks, 2)
	assert.Equal(t, "schema-scout", tasks[0].Label)
	assert.Contains(t, tasks[0].Message, "analyze churn")
}

func TestFallbackTaskSplitEmptyGoal(t *testing.T) {
	tasks := fallbackTaskSplit("   ", 3)
	assert.Nil(t, tasks)
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, isRetryableError("received 429 too many requests"))
	assert.True(t, isRetryableError("upstream connection reset"))
	assert.False(t, isRetryableError("invalid sql syntax"))
	assert.False(t, isRetryableError(""))
}

func TestIsLoopLimitOutcomeFromText(t *testing.T) {
	events := []*model.Event{
		{Type: model.EventAssistantMessage, Payload: map[string]any{
			"text": "I reached the tool-loop limit before producing a final answer.",
		}},
	}
	assert.True(t, isLoopLimitOutcome(events, ""))
}

func TestIsLoopLimitOutcomeFromStateTrace(t *testing.T) {
	events := []*model.Event{
		{Type: model.EventAssistantMessage, Payload: map[string]any{
			"text": "here is the answer",
			"state_trace": []any{
				map[string]any{"reason": "iteration"},
				map[string]any{"reason": "max_iterations_reached"},
			},
		}},
	}
	assert.True(t, isLoopLimitOutcome(events, ""))
}

func TestIsLoopLimitOutcomeFalseForNormalAnswer(t *testing.T) {
	events := []*model.Event{
		{Type: model.EventAssistantMessage, Payload: map[string]any{"text": "all done"}},
	}
	assert.False(t, isLoopLimitOutcome(events, ""))
}

func TestAssistantTextFromEventsPicksLastNonEmpty(t *testing.T) {
	events := []*model.Event{
		{Type: model.EventAssistantMessage, Payload: map[string]any{"text": "first"}},
		{Type: model.EventToolResultSQL, Payload: map[string]any{"rows": []any{}}},
		{Type: model.EventAssistantMessage, Payload: map[string]any{"text": "second"}},
	}
	assert.Equal(t, "second", assistantTextFromEvents(events))
}

func TestClampInt(t *testing.T) {
	assert.Equal(t, 300, clampInt(0, 300, 1, 1800))
	assert.Equal(t, 1800, clampInt(5000, 300, 1, 1800))
	assert.Equal(t, 1, clampInt(-5, 300, 1, 1800))
}
