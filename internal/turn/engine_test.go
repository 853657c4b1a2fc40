package turn

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ssh-vom/analysisd/internal/llm"
	"github.com/ssh-vom/analysisd/internal/model"
	"github.com/ssh-vom/analysisd/internal/tooling"
)

func TestToolSignatureStableUnderKeyOrder(t *testing.T) {
	a := tooling.Arguments{"sql": "select 1", "limit": 10}
	b := tooling.Arguments{"limit": 10, "sql": "select 1"}

	assert.Equal(t, toolSignature("w_1", "run_sql", a), toolSignature("w_1", "run_sql", b))
}

func TestToolSignatureDiffersByWorldlineOrArgs(t *testing.T) {
	base := toolSignature("w_1", "run_sql", tooling.Arguments{"sql": "select 1"})

	assert.NotEqual(t, base, toolSignature("w_2", "run_sql", tooling.Arguments{"sql": "select 1"}))
	assert.NotEqual(t, base, toolSignature("w_1", "run_sql", tooling.Arguments{"sql": "select 2"}))
}

func TestSerializeToolResultTruncatesLongPayloads(t *testing.T) {
	big := make([]any, 5000)
	for i := range big {
		big[i] = "row"
	}
	serialized := serializeToolResult(map[string]any{"rows": big})

	assert.LessOrEqual(t, len(serialized), maxToolResultChars+len("...(truncated)"))
	assert.Contains(t, serialized, "...(truncated)")
}

func TestSerializeToolResultShortPayloadUnchanged(t *testing.T) {
	serialized := serializeToolResult(map[string]any{"ok": true})
	assert.Equal(t, `{"ok":true}`, serialized)
}

func TestInsertMessageIntoEmptyList(t *testing.T) {
	out := insertMessage(nil, 0, llm.Message{Role: llm.RoleSystem, Content: "inventory"})
	assert.Equal(t, []llm.Message{{Role: llm.RoleSystem, Content: "inventory"}}, out)
}

func TestInsertMessageAtMiddleIndex(t *testing.T) {
	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: "hi"},
		{Role: llm.RoleAssistant, Content: "hello"},
	}
	out := insertMessage(msgs, 1, llm.Message{Role: llm.RoleSystem, Content: "checkpoint"})

	assert.Equal(t, []llm.Message{
		{Role: llm.RoleUser, Content: "hi"},
		{Role: llm.RoleSystem, Content: "checkpoint"},
		{Role: llm.RoleAssistant, Content: "hello"},
	}, out)
}

func TestInsertMessagePastEndAppends(t *testing.T) {
	msgs := []llm.Message{{Role: llm.RoleUser, Content: "hi"}}
	out := insertMessage(msgs, 5, llm.Message{Role: llm.RoleSystem, Content: "tail"})

	assert.Equal(t, []llm.Message{
		{Role: llm.RoleUser, Content: "hi"},
		{Role: llm.RoleSystem, Content: "tail"},
	}, out)
}

func TestIsNumericSQLType(t *testing.T) {
	assert.True(t, isNumericSQLType("BIGINT"))
	assert.True(t, isNumericSQLType("DECIMAL(10,2)"))
	assert.True(t, isNumericSQLType("DOUBLE"))
	assert.False(t, isNumericSQLType("VARCHAR"))
	assert.False(t, isNumericSQLType("TIMESTAMP"))
}

func TestCapStringsTruncates(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, capStrings([]string{"a", "b", "c"}, 2))
	assert.Equal(t, []string{"a"}, capStrings([]string{"a"}, 2))
}

func TestIntFromAnyHandlesMixedNumericTypes(t *testing.T) {
	assert.Equal(t, 3, intFromAny(3))
	assert.Equal(t, 3, intFromAny(int64(3)))
	assert.Equal(t, 3, intFromAny(float64(3.9)))
	assert.Equal(t, 0, intFromAny("nope"))
}

func TestBuildDataIntentSummaryClassifiesColumns(t *testing.T) {
	sqlResult := map[string]any{
		"row_count":     float64(42),
		"preview_count": float64(10),
		"columns": []any{
			map[string]any{"name": "order_date", "type": "DATE"},
			map[string]any{"name": "revenue", "type": "DOUBLE"},
			map[string]any{"name": "region", "type": "VARCHAR"},
		},
	}
	summary := buildDataIntentSummary(sqlResult, "select 1")

	assert.Equal(t, 42, summary["row_count"])
	assert.Equal(t, []string{"order_date", "revenue", "region"}, summary["columns"])
	assert.Equal(t, []string{"revenue"}, summary["measures"])
	assert.Equal(t, []string{"order_date", "region"}, summary["dimensions"])
	assert.Equal(t, []string{"order_date"}, summary["time_columns"])
}

func TestBuildDataIntentSummaryNilOnError(t *testing.T) {
	assert.Nil(t, buildDataIntentSummary(map[string]any{"error": "bad sql"}, ""))
}

func TestDataIntentMessageFromEventsSkipsErroredResults(t *testing.T) {
	callID := "evt_call"
	events := []*model.Event{
		{ID: callID, Type: model.EventToolCallSQL, Payload: map[string]any{"sql": "select 1"}},
		{ID: "evt_result", Type: model.EventToolResultSQL, ParentEventID: &callID, Payload: map[string]any{"error": "bad"}},
	}
	assert.Nil(t, dataIntentMessageFromEvents(events))
}

func TestDataIntentMessageFromEventsUsesMostRecentSuccess(t *testing.T) {
	call1 := "evt_call_1"
	call2 := "evt_call_2"
	events := []*model.Event{
		{ID: call1, Type: model.EventToolCallSQL, Payload: map[string]any{"sql": "select 1"}},
		{ID: "evt_result_1", Type: model.EventToolResultSQL, ParentEventID: &call1, Payload: map[string]any{
			"row_count": float64(1), "columns": []any{},
		}},
		{ID: call2, Type: model.EventToolCallSQL, Payload: map[string]any{"sql": "select 2"}},
		{ID: "evt_result_2", Type: model.EventToolResultSQL, ParentEventID: &call2, Payload: map[string]any{
			"row_count": float64(2), "columns": []any{},
		}},
	}
	msg := dataIntentMessageFromEvents(events)
	if assert.NotNil(t, msg) {
		assert.Contains(t, msg.Content, "select 2")
	}
}
