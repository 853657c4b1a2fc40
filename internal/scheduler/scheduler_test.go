package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ssh-vom/analysisd/internal/model"
)

func TestBuildSummaryUsesLastAssistantMessage(t *testing.T) {
	events := []*model.Event{
		{Type: model.EventUserMessage, Payload: map[string]any{"text": "hi"}},
		{Type: model.EventAssistantMessage, Payload: map[string]any{"text": "first answer"}},
		{Type: model.EventToolResultSQL, Payload: map[string]any{"rows": []any{}}},
		{Type: model.EventAssistantMessage, Payload: map[string]any{"text": "final answer"}},
	}

	summary := buildSummary(events)
	assert.Equal(t, 4, summary.EventCount)
	assert.Equal(t, "final answer", summary.AssistantPreview)
}

func TestBuildSummaryTruncatesLongPreview(t *testing.T) {
	long := ""
	for i := 0; i < 400; i++ {
		long += "x"
	}
	events := []*model.Event{
		{Type: model.EventAssistantMessage, Payload: map[string]any{"text": long}},
	}

	summary := buildSummary(events)
	assert.Equal(t, previewChars+3, len(summary.AssistantPreview))
	assert.Contains(t, summary.AssistantPreview, "...")
}

func TestBuildSummaryEmptyEventsHasNoPreview(t *testing.T) {
	summary := buildSummary(nil)
	assert.Equal(t, 0, summary.EventCount)
	assert.Equal(t, "", summary.AssistantPreview)
}
