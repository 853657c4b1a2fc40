package tooling

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeToolArgumentsAliasesSQLFields(t *testing.T) {
	result := NormalizeToolArguments("run_sql", Arguments{"query": "SELECT 1"})
	assert.Equal(t, "SELECT 1", result["sql"])
	assert.Equal(t, 100, result["limit"])
}

func TestNormalizeToolArgumentsUnwrapsEmbeddedPayload(t *testing.T) {
	result := NormalizeToolArguments("run_python", Arguments{
		"code": `{"code":"print(1)","timeout":45}`,
	})
	assert.Equal(t, "print(1)", result["code"])
	// timeout from the embedded object is not hoisted, only code is unwrapped.
	assert.Equal(t, 30, result["timeout"])
}

func TestNormalizeToolArgumentsClampsLimitAndTimeout(t *testing.T) {
	result := NormalizeToolArguments("run_sql", Arguments{"sql": "SELECT 1", "limit": 999999})
	assert.Equal(t, 10000, result["limit"])

	result = NormalizeToolArguments("run_python", Arguments{"code": "1+1", "timeout": -5})
	assert.Equal(t, 1, result["timeout"])
}

func TestNormalizeToolArgumentsRescuesRawFragment(t *testing.T) {
	raw := `{"sql": "SELECT * FROM t WHERE x = \"y\""}`
	result := NormalizeToolArguments("run_sql", Arguments{"_raw": raw})
	assert.Equal(t, `SELECT * FROM t WHERE x = "y"`, result["sql"])
	_, hasRaw := result["_raw"]
	assert.False(t, hasRaw)
}

func TestNormalizeToolArgumentsDropsNonStringSQL(t *testing.T) {
	result := NormalizeToolArguments("run_sql", Arguments{"sql": 42})
	_, hasSQL := result["sql"]
	assert.False(t, hasSQL)
}

func TestLooksLikeCompleteToolArgs(t *testing.T) {
	assert.True(t, LooksLikeCompleteToolArgs(`{"sql": "SELECT 1"}`))
	assert.False(t, LooksLikeCompleteToolArgs(`{"limit": 1}`))
	assert.False(t, LooksLikeCompleteToolArgs(`not json`))
}

func TestChunkHasNonEmptyCodeOrSQL(t *testing.T) {
	assert.True(t, ChunkHasNonEmptyCodeOrSQL(`{"sql": "SELECT 1"}`, "run_sql"))
	assert.False(t, ChunkHasNonEmptyCodeOrSQL(`{"sql": ""}`, "run_sql"))
	assert.False(t, ChunkHasNonEmptyCodeOrSQL(`{"limit": 5}`, "run_sql"))
}
