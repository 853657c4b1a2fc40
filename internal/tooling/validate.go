package tooling

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// compiledSchemas lazily compiles each tool's InputSchema map (defined in
// schemas.go as plain map literals, mirroring tooling.py's schema dicts) into
// a *jsonschema.Schema the first time it's needed, then reuses it.
var (
	compileOnce     sync.Once
	compiledSchemas map[string]*jsonschema.Schema
	compileErr      error
)

func schemaSource() map[string]map[string]any {
	return map[string]map[string]any{
		"run_sql":         SQLToolSchema,
		"run_python":      PythonToolSchema,
		"time_travel":     TimeTravelToolSchema,
		"spawn_subagents": SpawnSubagentsToolSchema,
	}
}

func compileSchemas() (map[string]*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	for name, schema := range schemaSource() {
		resourceName := name + ".json"
		raw, err := json.Marshal(schema)
		if err != nil {
			return nil, fmt.Errorf("marshal schema for %s: %w", name, err)
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("unmarshal schema for %s: %w", name, err)
		}
		if err := compiler.AddResource(resourceName, doc); err != nil {
			return nil, fmt.Errorf("add schema resource for %s: %w", name, err)
		}
	}

	compiled := make(map[string]*jsonschema.Schema, len(schemaSource()))
	for name := range schemaSource() {
		schema, err := compiler.Compile(name + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", name, err)
		}
		compiled[name] = schema
	}
	return compiled, nil
}

// ValidateToolArguments validates a tool call's normalized arguments against
// its mirrored JSON Schema, mirroring tooling.py's post-normalization
// jsonschema.validate() call. An unrecognized tool name is not a schema
// error — Dispatcher.Execute's default case already reports "unknown tool" —
// so it returns nil here.
func ValidateToolArguments(toolName string, args Arguments) error {
	compileOnce.Do(func() {
		compiledSchemas, compileErr = compileSchemas()
	})
	if compileErr != nil {
		return fmt.Errorf("tool schema compilation: %w", compileErr)
	}

	schema, ok := compiledSchemas[toolName]
	if !ok {
		return nil
	}

	raw, err := json.Marshal(map[string]any(args))
	if err != nil {
		return fmt.Errorf("marshal %s arguments: %w", toolName, err)
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("unmarshal %s arguments: %w", toolName, err)
	}
	return schema.Validate(instance)
}
