package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/nodeflow/pkg/schema"
)

// graphDocumentSchema describes the shape of a WorkflowGraph document.
const graphDocumentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "nodes": {"type": "array", "items": {"$ref": "#/$defs/node"}},
    "connections": {"type": ["array", "null"], "items": {"$ref": "#/$defs/connection"}}
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "name": {"type": "string"},
        "type": {"type": "string", "minLength": 1},
        "enabled": {"type": "boolean"},
        "parameters": {"type": ["object", "null"]}
      },
      "additionalProperties": false
    },
    "connection": {
      "type": "object",
      "required": ["source_node_id", "target_node_id"],
      "properties": {
        "source_node_id": {"type": "string", "minLength": 1},
        "target_node_id": {"type": "string", "minLength": 1},
        "type": {"type": "string"},
        "source_output_index": {"type": "integer", "minimum": 0},
        "target_input_index": {"type": "integer", "minimum": 0},
        "condition": {"type": "string"}
      },
      "additionalProperties": false
    }
  }
}`

const graphDocumentURL = "nodeflow://schemas/graph.json"

// Violation is one failed schema keyword. Path uses the same notation as the
// graph checks, e.g. "nodes[1].parameters.values".
type Violation struct {
	Path    string
	Message string
}

// SchemaValidator checks graph documents and node parameters with JSON Schema
// draft 2020-12. Parameter schemas are compiled once per distinct document.
// Safe for concurrent use.
type SchemaValidator struct {
	document *jsonschema.Schema

	mu     sync.RWMutex
	params map[string]*jsonschema.Schema
}

// NewSchemaValidator compiles the graph document schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	compiled, err := compileSchema(graphDocumentURL, graphDocumentSchema)
	if err != nil {
		return nil, fmt.Errorf("graph document schema: %w", err)
	}
	return &SchemaValidator{document: compiled, params: make(map[string]*jsonschema.Schema)}, nil
}

// CheckDocument returns the structural violations of g. The error is non-nil
// only when g cannot be serialized.
func (v *SchemaValidator) CheckDocument(g schema.WorkflowGraph) ([]Violation, error) {
	return check(v.document, g, "")
}

// CheckParams validates a node's parameters against its runner's schema.
// Nil parameters are checked as an empty object. The error is non-nil when
// paramSchema itself is unusable.
func (v *SchemaValidator) CheckParams(path string, params map[string]any, paramSchema []byte) ([]Violation, error) {
	if len(paramSchema) == 0 {
		return nil, nil
	}
	compiled, err := v.paramSchema(paramSchema)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: parameter schema does not compile", path).WithCause(err)
	}
	if params == nil {
		params = map[string]any{}
	}
	return check(compiled, params, path)
}

// Cached reports how many parameter schemas have been compiled.
func (v *SchemaValidator) Cached() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.params)
}

func (v *SchemaValidator) paramSchema(doc []byte) (*jsonschema.Schema, error) {
	key := string(doc)

	v.mu.RLock()
	compiled, ok := v.params[key]
	v.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if compiled, ok := v.params[key]; ok {
		return compiled, nil
	}
	compiled, err := compileSchema(fmt.Sprintf("nodeflow://schemas/params/%d.json", len(v.params)), key)
	if err != nil {
		return nil, err
	}
	v.params[key] = compiled
	return compiled, nil
}

// compileSchema compiles doc under url with format assertions enabled.
// Each schema gets its own compiler so resource URLs never collide.
func compileSchema(url, doc string) (*jsonschema.Schema, error) {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, parsed); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

func check(s *jsonschema.Schema, value any, base string) ([]Violation, error) {
	// The validator expects decoded JSON (json.Number, map[string]any), so
	// Go values are round-tripped first.
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, err
	}

	err = s.Validate(doc)
	if err == nil {
		return nil, nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return nil, err
	}
	return leaves(verr, base, nil), nil
}

// leaves flattens the error tree into its leaf violations.
func leaves(verr *jsonschema.ValidationError, base string, out []Violation) []Violation {
	if len(verr.Causes) == 0 {
		return append(out, Violation{Path: joinPointer(base, verr.InstanceLocation), Message: verr.Error()})
	}
	for _, cause := range verr.Causes {
		out = leaves(cause, base, out)
	}
	return out
}

// joinPointer renders JSON pointer tokens in path notation:
// base "nodes[0].parameters" + [values key] = "nodes[0].parameters.values.key",
// "" + [nodes 2 type] = "nodes[2].type".
func joinPointer(base string, tokens []string) string {
	var b strings.Builder
	b.WriteString(base)
	for _, tok := range tokens {
		if _, err := strconv.Atoi(tok); err == nil {
			b.WriteString("[" + tok + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(tok)
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}
