package toolexec

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ssh-vom/analysisd/internal/model"
)

func TestValidateReadOnlySQLAcceptsSelect(t *testing.T) {
	assert.NoError(t, ValidateReadOnlySQL("select * from events limit 10"))
	assert.NoError(t, ValidateReadOnlySQL("  WITH x AS (select 1) select * from x"))
	assert.NoError(t, ValidateReadOnlySQL("EXPLAIN select 1"))
}

func TestValidateReadOnlySQLRejectsWrites(t *testing.T) {
	assert.Error(t, ValidateReadOnlySQL("insert into events values (1)"))
	assert.Error(t, ValidateReadOnlySQL("drop table events"))
	assert.Error(t, ValidateReadOnlySQL("update events set x = 1"))
}

func TestValidateReadOnlySQLRejectsMultipleStatements(t *testing.T) {
	err := ValidateReadOnlySQL("select 1; select 2;")
	assert.Error(t, err)
}

func TestDetectForbiddenToolInvocations(t *testing.T) {
	found := detectForbiddenToolInvocations("df = run_sql('select 1')\nprint(df)")
	assert.Equal(t, []string{"run_sql"}, found)

	assert.Nil(t, detectForbiddenToolInvocations("print('hello world')"))
}

func TestExtractSuccessfulPythonCodesSkipsFailures(t *testing.T) {
	callOK := "evt_call_ok"
	callFail := "evt_call_fail"
	events := []*model.Event{
		{ID: callOK, Type: model.EventToolCallPython, Payload: map[string]any{"code": "x = 1"}},
		{ID: "evt_result_ok", Type: model.EventToolResultPython, ParentEventID: &callOK, Payload: map[string]any{"stdout": "ok"}},
		{ID: callFail, Type: model.EventToolCallPython, Payload: map[string]any{"code": "raise ValueError()"}},
		{ID: "evt_result_fail", Type: model.EventToolResultPython, ParentEventID: &callFail, Payload: map[string]any{"error": "boom"}},
	}
	codes := extractSuccessfulPythonCodes(events)
	assert.Equal(t, []string{"x = 1"}, codes)
}

func TestExtractLatestSuccessfulSQLResultPicksMostRecent(t *testing.T) {
	events := []*model.Event{
		{Type: model.EventToolResultSQL, Payload: map[string]any{"rows": []any{"a"}}},
		{Type: model.EventToolResultSQL, Payload: map[string]any{"error": "bad sql"}},
		{Type: model.EventToolResultSQL, Payload: map[string]any{"rows": []any{"b"}}},
	}
	latest := extractLatestSuccessfulSQLResult(events)
	assert.Equal(t, []any{"b"}, latest["rows"])
}

func TestExtractLatestSuccessfulSQLResultNoneFound(t *testing.T) {
	events := []*model.Event{
		{Type: model.EventToolResultSQL, Payload: map[string]any{"error": "bad sql"}},
	}
	assert.Nil(t, extractLatestSuccessfulSQLResult(events))
}

func TestBuildReplayCodeNoPriorCodes(t *testing.T) {
	assert.Equal(t, "x = 1", buildReplayCode(nil, "x = 1"))
}

func TestBuildReplayCodeIncludesPriorSteps(t *testing.T) {
	code := buildReplayCode([]string{"a = 1", "b = 2"}, "print(a + b)")
	assert.Contains(t, code, "replay_step_1")
	assert.Contains(t, code, "replay_step_2")
	assert.Contains(t, code, "current_step")
	assert.Contains(t, code, "print(a + b)")
}

func TestBuildSQLContextCodeEmptyWhenNil(t *testing.T) {
	assert.Equal(t, "", buildSQLContextCode(nil))
}

func TestBuildSQLContextCodeProducesBindings(t *testing.T) {
	code := buildSQLContextCode(map[string]any{"rows": []any{}, "columns": []any{}})
	assert.Contains(t, code, "LATEST_SQL_RESULT")
	assert.Contains(t, code, "LATEST_SQL_DF")
}
