package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// planSchemaJSON is the closed wire format for structured plans. Anything a
// backend emits that claims to be a plan must satisfy it before ingestion.
const planSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["kind", "steps"],
  "properties": {
    "kind": {"const": "plan"},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["kind"],
        "properties": {
          "kind": {"enum": ["command", "edit", "create", "delete", "rename", "output"]},
          "worktree": {"type": "string"},
          "command": {"type": "string", "minLength": 1},
          "path": {"type": "string", "minLength": 1},
          "to": {"type": "string", "minLength": 1},
          "content": {"type": "string"},
          "text": {"type": "string"}
        },
        "allOf": [
          {"if": {"properties": {"kind": {"const": "command"}}}, "then": {"required": ["command"]}},
          {"if": {"properties": {"kind": {"const": "edit"}}}, "then": {"required": ["path", "content"]}},
          {"if": {"properties": {"kind": {"const": "create"}}}, "then": {"required": ["path", "content"]}},
          {"if": {"properties": {"kind": {"const": "delete"}}}, "then": {"required": ["path"]}},
          {"if": {"properties": {"kind": {"const": "rename"}}}, "then": {"required": ["path", "to"]}},
          {"if": {"properties": {"kind": {"const": "output"}}}, "then": {"required": ["text"]}}
        ]
      }
    }
  }
}`

var planSchema = mustCompilePlanSchema()

func mustCompilePlanSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("plan schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("plan.json", doc); err != nil {
		panic(fmt.Sprintf("plan schema: %v", err))
	}
	schema, err := c.Compile("plan.json")
	if err != nil {
		panic(fmt.Sprintf("plan schema: %v", err))
	}
	return schema
}

// DecodeResponse classifies raw backend output. JSON that looks like a plan
// (has a kind or steps key) must validate against the schema; any other
// output is a direct answer. An empty response is an error.
func DecodeResponse(raw string) (*Plan, string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, "", fmt.Errorf("backend produced no output")
	}

	jsonStr := extractJSON(trimmed)
	if jsonStr == "" || !looksLikePlan(jsonStr) {
		return nil, trimmed, nil
	}

	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return nil, "", fmt.Errorf("invalid plan JSON: %w", err)
	}
	if err := planSchema.Validate(parsed); err != nil {
		return nil, "", fmt.Errorf("plan schema violation: %w", err)
	}

	var plan Plan
	if err := json.Unmarshal([]byte(jsonStr), &plan); err != nil {
		return nil, "", fmt.Errorf("decode plan: %w", err)
	}
	return &plan, "", nil
}

// looksLikePlan reports whether the candidate JSON is claiming to be a plan,
// as opposed to incidental JSON quoted inside a prose answer.
func looksLikePlan(jsonStr string) bool {
	var probe struct {
		Kind  string          `json:"kind"`
		Steps json.RawMessage `json:"steps"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &probe); err != nil {
		return false
	}
	return probe.Kind != "" || len(probe.Steps) > 0
}

// extractJSON finds a JSON object in the response text: fenced json block
// first, then any fenced block, then the first balanced object.
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

	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if isJSON(candidate) {
				return candidate
			}
		}
	}

	for i := 0; i < len(text); i++ {
		if text[i] == '{' {
			candidate := extractBalanced(text[i:])
			if candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}
	return ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced returns the balanced object at the start of s, tracking
// strings and escapes so braces inside values do not end the scan early.
func extractBalanced(s string) string {
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
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
