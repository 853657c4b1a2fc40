package tooling

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateToolArgumentsAcceptsValidSQL(t *testing.T) {
	err := ValidateToolArguments("run_sql", Arguments{"sql": "select 1", "limit": 10})
	assert.NoError(t, err)
}

func TestValidateToolArgumentsRejectsMissingRequiredField(t *testing.T) {
	err := ValidateToolArguments("run_sql", Arguments{"limit": 10})
	assert.Error(t, err)
}

func TestValidateToolArgumentsRejectsAdditionalProperties(t *testing.T) {
	err := ValidateToolArguments("run_python", Arguments{"code": "print(1)", "bogus_field": true})
	assert.Error(t, err)
}

func TestValidateToolArgumentsRejectsOutOfRangeLimit(t *testing.T) {
	err := ValidateToolArguments("run_sql", Arguments{"sql": "select 1", "limit": 999999})
	assert.Error(t, err)
}

func TestValidateToolArgumentsSpawnSubagentsRequiresGoalOrTasks(t *testing.T) {
	err := ValidateToolArguments("spawn_subagents", Arguments{})
	assert.Error(t, err)

	err = ValidateToolArguments("spawn_subagents", Arguments{"goal": "investigate latency"})
	assert.NoError(t, err)
}

func TestValidateToolArgumentsUnknownToolIsNoOp(t *testing.T) {
	err := ValidateToolArguments("not_a_real_tool", Arguments{"whatever": true})
	assert.NoError(t, err)
}
