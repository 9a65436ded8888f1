package tools

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaCache compiles each tool's input schema once and reuses it
// across dispatches.
type schemaCache struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{compiled: make(map[string]*jsonschema.Schema)}
}

func (c *schemaCache) schemaFor(tool Tool) (*jsonschema.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.compiled[tool.Name()]; ok {
		return s, nil
	}

	raw, err := json.Marshal(tool.InputSchema())
	if err != nil {
		return nil, fmt.Errorf("marshal schema for %s: %w", tool.Name(), err)
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema for %s: %w", tool.Name(), err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(tool.Name()+".json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource for %s: %w", tool.Name(), err)
	}
	schema, err := compiler.Compile(tool.Name() + ".json")
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", tool.Name(), err)
	}
	c.compiled[tool.Name()] = schema
	return schema, nil
}

// validate checks a call's input against the tool's input schema.
func (c *schemaCache) validate(tool Tool, input json.RawMessage) error {
	schema, err := c.schemaFor(tool)
	if err != nil {
		return err
	}
	raw := string(input)
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(parsed); err != nil {
		return err
	}
	return nil
}
