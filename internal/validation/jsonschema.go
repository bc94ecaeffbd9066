package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/flowplane/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// Stage document schemas. The template stage is lenient (placeholders and
// unknown fields pass); the executable and dag stages reject unknown
// fields and enforce the full shape.

const templateSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowplane.dev/schemas/template.json",
  "type": "object",
  "properties": {
    "workflow_id": { "type": "string" },
    "version": { "type": "integer" },
    "triggers": { "type": "array", "items": { "type": "object" } },
    "actions": { "type": "array", "items": { "type": "object" } },
    "flow_control": { "type": "object" },
    "routes": { "type": "array", "items": { "type": "object" } },
    "policies": { "type": "object" },
    "missing_information": {
      "type": "array",
      "items": { "type": "string" }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": true
}`

const executableSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowplane.dev/schemas/executable.json",
  "type": "object",
  "required": ["workflow_id", "version", "triggers", "actions"],
  "properties": {
    "workflow_id": { "type": "string", "minLength": 1 },
    "version": { "type": "integer", "minimum": 1 },
    "user_id": { "type": "string" },
    "triggers": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/trigger" }
    },
    "actions": {
      "type": "array",
      "items": { "$ref": "#/$defs/action" }
    },
    "flow_control": { "$ref": "#/$defs/flow_control" },
    "routes": {
      "type": "array",
      "items": { "$ref": "#/$defs/route" }
    },
    "policies": { "$ref": "#/$defs/globals" },
    "missing_information": {
      "type": "array",
      "items": { "type": "string" }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "trigger": {
      "type": "object",
      "required": ["local_id", "exec"],
      "properties": {
        "local_id": { "type": "string", "minLength": 1 },
        "type": { "type": "string" },
        "exec": {
          "type": "object",
          "required": ["provider", "trigger_slug"],
          "properties": {
            "provider": { "type": "string", "minLength": 1 },
            "trigger_slug": { "type": "string", "minLength": 1 },
            "connection_id": { "type": "string" },
            "configuration": { "type": "object" }
          },
          "additionalProperties": false
        },
        "schedule": {
          "type": "object",
          "required": ["cron_expr"],
          "properties": {
            "cron_expr": { "type": "string", "minLength": 1 },
            "timezone": { "type": "string" }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    },
    "action": {
      "type": "object",
      "required": ["local_id", "exec"],
      "properties": {
        "local_id": { "type": "string", "minLength": 1 },
        "exec": {
          "type": "object",
          "required": ["provider", "action_slug"],
          "properties": {
            "provider": { "type": "string", "minLength": 1 },
            "action_slug": { "type": "string", "minLength": 1 },
            "connection_id": { "type": "string" },
            "input_template": { "type": "object" },
            "output_vars": {
              "type": "object",
              "additionalProperties": { "type": "string" }
            },
            "retry": { "$ref": "#/$defs/retry" },
            "timeout_ms": { "type": "integer", "minimum": 0 }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    },
    "flow_control": {
      "type": "object",
      "properties": {
        "conditions": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["branches"],
            "properties": {
              "local_id": { "type": "string" },
              "incoming_ref": { "type": "string" },
              "branches": {
                "type": "array",
                "minItems": 1,
                "items": {
                  "type": "object",
                  "required": ["expr", "target_ref"],
                  "properties": {
                    "name": { "type": "string" },
                    "expr": { "type": "string", "minLength": 1 },
                    "target_ref": { "type": "string", "minLength": 1 }
                  },
                  "additionalProperties": false
                }
              },
              "else_ref": { "type": "string" }
            },
            "additionalProperties": false
          }
        },
        "switches": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["selector", "cases"],
            "properties": {
              "local_id": { "type": "string" },
              "incoming_ref": { "type": "string" },
              "selector": { "type": "string", "minLength": 1 },
              "cases": {
                "type": "array",
                "minItems": 1,
                "items": {
                  "type": "object",
                  "required": ["value", "target_ref"],
                  "properties": {
                    "value": {},
                    "target_ref": { "type": "string", "minLength": 1 }
                  },
                  "additionalProperties": false
                }
              },
              "default_ref": { "type": "string" }
            },
            "additionalProperties": false
          }
        },
        "parallel_execution": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["targets"],
            "properties": {
              "local_id": { "type": "string" },
              "incoming_ref": { "type": "string" },
              "targets": {
                "type": "array",
                "minItems": 2,
                "items": { "type": "string" }
              },
              "outgoing_ref": { "type": "string" },
              "join_mode": { "type": "string" }
            },
            "additionalProperties": false
          }
        },
        "loops": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["kind", "body_ref"],
            "properties": {
              "local_id": { "type": "string" },
              "kind": { "type": "string", "enum": ["while", "foreach"] },
              "incoming_ref": { "type": "string" },
              "body_ref": { "type": "string", "minLength": 1 },
              "condition": { "type": "string" },
              "max_iterations": { "type": "integer", "minimum": 0 },
              "source": { "type": "string" },
              "item_var": { "type": "string" },
              "index_var": { "type": "string" },
              "max_concurrency": { "type": "integer", "minimum": 0 }
            },
            "additionalProperties": false
          }
        }
      },
      "additionalProperties": false
    },
    "route": {
      "type": "object",
      "required": ["from_ref", "to_ref"],
      "properties": {
        "from_ref": { "type": "string", "minLength": 1 },
        "to_ref": { "type": "string", "minLength": 1 },
        "when": { "type": "string", "enum": ["always", "success", "error"] },
        "expr": { "type": "string" }
      },
      "additionalProperties": false
    },
    "globals": {
      "type": "object",
      "properties": {
        "retry": { "$ref": "#/$defs/retry" },
        "timeout_ms": { "type": "integer", "minimum": 0 },
        "max_parallelism": { "type": "integer", "minimum": 1 }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["retries"],
      "properties": {
        "retries": { "type": "integer", "minimum": 0 },
        "backoff": { "type": "string", "enum": ["linear", "exponential"] },
        "delay_ms": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    }
  }
}`

const dagSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowplane.dev/schemas/dag.json",
  "type": "object",
  "required": ["workflow_id", "version", "nodes", "edges"],
  "properties": {
    "workflow_id": { "type": "string", "minLength": 1 },
    "version": { "type": "integer", "minimum": 1 },
    "user_id": { "type": "string" },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    },
    "globals": { "$ref": "#/$defs/globals" }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["trigger", "action", "gateway_if", "gateway_switch", "parallel", "join", "loop_while", "loop_foreach"]
        },
        "data": { "$ref": "#/$defs/node_data" }
      },
      "additionalProperties": false
    },
    "node_data": {
      "type": "object",
      "properties": {
        "kind": { "type": "string", "enum": ["event_based", "schedule_based"] },
        "toolkit_slug": { "type": "string" },
        "composio_trigger_slug": { "type": "string" },
        "filter": { "type": "object" },
        "cron_expr": { "type": "string" },
        "timezone": { "type": "string" },
        "trigger_instance_id": { "type": "string" },
        "tool": { "type": "string" },
        "action": { "type": "string" },
        "connection_id": { "type": "string" },
        "input_template": { "type": "object" },
        "output_vars": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        },
        "retry": { "$ref": "#/$defs/retry" },
        "timeout_ms": { "type": "integer", "minimum": 0 },
        "branches": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["expr", "to"],
            "properties": {
              "name": { "type": "string" },
              "expr": { "type": "string", "minLength": 1 },
              "to": { "type": "string", "minLength": 1 }
            },
            "additionalProperties": false
          }
        },
        "else_to": { "type": "string" },
        "selector": { "type": "string" },
        "cases": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["value", "to"],
            "properties": {
              "value": {},
              "to": { "type": "string", "minLength": 1 }
            },
            "additionalProperties": false
          }
        },
        "default_to": { "type": "string" },
        "mode": { "type": "string" },
        "condition": { "type": "string" },
        "body_start": { "type": "string" },
        "max_iterations": { "type": "integer", "minimum": 0 },
        "source_array_expr": { "type": "string" },
        "item_var": { "type": "string" },
        "index_var": { "type": "string" },
        "max_concurrency": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["id", "source", "target"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "source": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 },
        "when": { "type": "string", "enum": ["always", "success", "error"] },
        "condition": { "type": "string" }
      },
      "additionalProperties": false
    },
    "globals": {
      "type": "object",
      "properties": {
        "retry": { "$ref": "#/$defs/retry" },
        "timeout_ms": { "type": "integer", "minimum": 0 },
        "max_parallelism": { "type": "integer", "minimum": 1 }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["retries"],
      "properties": {
        "retries": { "type": "integer", "minimum": 0 },
        "backoff": { "type": "string", "enum": ["linear", "exponential"] },
        "delay_ms": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    }
  }
}`

// StageValidator validates workflow documents against per-stage JSON
// Schemas (Draft 2020-12). It is safe for concurrent use.
type StageValidator struct {
	schemas map[schema.Stage]*jsonschema.Schema
}

// NewStageValidator compiles the three stage schemas.
func NewStageValidator() (*StageValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	sources := map[schema.Stage]struct {
		url string
		doc string
	}{
		schema.StageTemplate:   {"https://flowplane.dev/schemas/template.json", templateSchemaJSON},
		schema.StageExecutable: {"https://flowplane.dev/schemas/executable.json", executableSchemaJSON},
		schema.StageDAG:        {"https://flowplane.dev/schemas/dag.json", dagSchemaJSON},
	}

	compiled := make(map[schema.Stage]*jsonschema.Schema, len(sources))
	for stage, src := range sources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src.doc))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", stage, err)
		}
		if err := c.AddResource(src.url, doc); err != nil {
			return nil, fmt.Errorf("add %s schema resource: %w", stage, err)
		}
		s, err := c.Compile(src.url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", stage, err)
		}
		compiled[stage] = s
	}

	return &StageValidator{schemas: compiled}, nil
}

// Check validates a raw document against the schema for its stage and
// appends violations as stage errors.
func (sv *StageValidator) Check(stage schema.Stage, raw json.RawMessage, result *schema.ValidationResult) {
	s, ok := sv.schemas[stage]
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, fmt.Sprintf("unknown stage %q", stage))
		return
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "document is not valid JSON: "+err.Error())
		return
	}

	if err := s.Validate(doc); err != nil {
		for _, v := range collectViolations(err) {
			result.AddError(v.path, schema.ErrCodeValidation, v.message)
		}
	}
}

type violation struct {
	path    string
	message string
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(err error) []violation {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []violation{{path: "/", message: err.Error()}}
	}

	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []violation{{path: loc, message: verr.Error()}}
	}

	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
