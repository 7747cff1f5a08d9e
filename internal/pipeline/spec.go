package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/foundry/foreman/internal/store"
)

// planSchemaJSON constrains planner output: the structured spec a
// requirement carries through the rest of the pipeline.
const planSchemaJSON = `{
	"type": "object",
	"required": ["title", "description", "acceptance_criteria"],
	"properties": {
		"title": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"acceptance_criteria": {"type": "array", "items": {"type": "string"}},
		"dependencies": {"type": "array", "items": {"type": "string"}}
	}
}`

var planSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("plan.json", doc); err != nil {
		return nil, fmt.Errorf("add plan schema resource: %w", err)
	}
	schema, err := c.Compile("plan.json")
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}
	return schema, nil
})

// ParsePlan extracts the JSON object from planner output, validates it
// against the plan schema, and returns the structured spec.
func ParsePlan(output string) (store.Spec, error) {
	jsonStr := extractJSON(output)
	if jsonStr == "" {
		return store.Spec{}, &Error{Kind: KindPlanInvalid, Detail: "planner output contains no JSON"}
	}

	schema, err := planSchema()
	if err != nil {
		return store.Spec{}, err
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return store.Spec{}, &Error{Kind: KindPlanInvalid, Detail: "planner output is not valid JSON", Err: err}
	}
	if err := schema.Validate(parsed); err != nil {
		return store.Spec{}, &Error{Kind: KindPlanInvalid, Detail: "planner output failed schema validation", Err: err}
	}

	var spec store.Spec
	if err := json.Unmarshal([]byte(jsonStr), &spec); err != nil {
		return store.Spec{}, &Error{Kind: KindPlanInvalid, Detail: "decode plan", Err: err}
	}
	return spec, nil
}

// extractJSON finds a JSON object or array in agent output: a ```json fenced
// block first, then the first balanced {...} or [...] in raw text.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + len("```json")
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); candidate != "" {
				return candidate
			}
		}
	}

	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			candidate := extractBalanced(text[i:])
			if candidate != "" && json.Valid([]byte(candidate)) {
				return candidate
			}
		}
	}
	return ""
}

// extractBalanced returns the balanced JSON structure starting at s[0], or ""
// if the delimiters never close.
func extractBalanced(s string) string {
	if len(s) == 0 {
		return ""
	}
	open := s[0]
	var close byte
	switch open {
	case '{':
		close = '}'
	case '[':
		close = ']'
	default:
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}

// boolField extracts a boolean verdict field from agent output JSON. Missing
// or malformed output reads as false: an agent that cannot produce a verdict
// has not passed.
func boolField(output string, keys ...string) bool {
	jsonStr := extractJSON(output)
	if jsonStr == "" {
		return false
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(jsonStr), &fields); err != nil {
		return false
	}
	for _, key := range keys {
		if v, ok := fields[key].(bool); ok {
			return v
		}
	}
	return false
}
